package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
)

type fakeWatcher struct {
	events chan model.USBEvent
}

func (f *fakeWatcher) Start() (<-chan model.USBEvent, error) { return f.events, nil }
func (f *fakeWatcher) Stop()                                 {}

func newTestMonitor(t *testing.T) (*Monitor, *fakeWatcher) {
	t.Helper()
	trail, err := audit.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })

	w := &fakeWatcher{events: make(chan model.USBEvent, 4)}
	m := New(config.Default().USB, w, zap.NewNop(), trail)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m, w
}

func TestParseMountOutput(t *testing.T) {
	cases := map[string]string{
		"Mounted /dev/sdb1 at /media/user/STICK.":  "/media/user/STICK",
		"Mounted /dev/sdb1 at /media/user/STICK":   "/media/user/STICK",
		"Mounted /dev/sdb1 at /media/with space.":  "/media/with space",
		"something unexpected":                     "",
		"":                                         "",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseMountOutput(in), "input %q", in)
	}
}

func TestAttachDetachLifecycle(t *testing.T) {
	m, w := newTestMonitor(t)
	sub := m.Subscribe()

	w.events <- model.USBEvent{
		Action:     "add",
		DevicePath: "/dev/sdb1",
		Identity:   model.DeviceIdentity{Serial: "SN1", VendorID: "0781", ProductID: "5581"},
		Product:    "Ultra Fit",
		DeviceType: model.DeviceTypeDisk,
	}

	select {
	case ev := <-sub:
		assert.Equal(t, DeviceAttached, ev.Type)
		assert.Equal(t, "/dev/sdb1", ev.Device.DevicePath)
		assert.Equal(t, "SN1", ev.Device.Identity.Serial)
	case <-time.After(2 * time.Second):
		t.Fatal("no attach notification")
	}

	dev, ok := m.Get("/dev/sdb1")
	require.True(t, ok)
	assert.Equal(t, "Ultra Fit", dev.Product)
	assert.Len(t, m.Devices(), 1)

	w.events <- model.USBEvent{Action: "remove", DevicePath: "/dev/sdb1"}
	select {
	case ev := <-sub:
		assert.Equal(t, DeviceDetached, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no detach notification")
	}
	assert.Empty(t, m.Devices())
}

func TestRemoveUnknownDeviceIsSilent(t *testing.T) {
	m, w := newTestMonitor(t)
	sub := m.Subscribe()

	w.events <- model.USBEvent{Action: "remove", DevicePath: "/dev/never"}

	select {
	case ev := <-sub:
		t.Fatalf("unexpected notification: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, m.Devices())
}

func attachDevice(t *testing.T, m *Monitor, w *fakeWatcher, path string) {
	t.Helper()
	w.events <- model.USBEvent{
		Action:     "add",
		DevicePath: path,
		Identity:   model.DeviceIdentity{Serial: "SN1"},
		DeviceType: model.DeviceTypeDisk,
	}
	require.Eventually(t, func() bool {
		_, ok := m.Get(path)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMountParsesUdisksctlOutput(t *testing.T) {
	m, w := newTestMonitor(t)
	attachDevice(t, m, w, "/dev/sdb1")

	m.run = func(ctx context.Context, name string, args ...string) (string, error) {
		assert.Equal(t, "udisksctl", name)
		assert.Equal(t, []string{"mount", "-b", "/dev/sdb1", "--no-user-interaction"}, args)
		return "Mounted /dev/sdb1 at /media/user/STICK.\n", nil
	}

	mp, err := m.Mount("/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, "/media/user/STICK", mp)

	dev, _ := m.Get("/dev/sdb1")
	assert.Equal(t, "/media/user/STICK", dev.MountPoint)
}

func TestMountUnknownDevice(t *testing.T) {
	m, _ := newTestMonitor(t)
	_, err := m.Mount("/dev/nope")
	assert.Error(t, err)
}

func TestMountCommandFailure(t *testing.T) {
	m, w := newTestMonitor(t)
	attachDevice(t, m, w, "/dev/sdb1")

	m.run = func(ctx context.Context, name string, args ...string) (string, error) {
		return "Object /org/freedesktop/UDisks2/... is not a mountable filesystem", fmt.Errorf("exit status 1")
	}
	_, err := m.Mount("/dev/sdb1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a mountable filesystem")
}

func TestUnmountClearsMountPoint(t *testing.T) {
	m, w := newTestMonitor(t)
	attachDevice(t, m, w, "/dev/sdb1")

	m.run = func(ctx context.Context, name string, args ...string) (string, error) {
		return "Mounted /dev/sdb1 at /media/x.\n", nil
	}
	_, err := m.Mount("/dev/sdb1")
	require.NoError(t, err)

	m.run = func(ctx context.Context, name string, args ...string) (string, error) {
		assert.Equal(t, []string{"unmount", "-b", "/dev/sdb1", "--no-user-interaction"}, args)
		return "Unmounted /dev/sdb1.\n", nil
	}
	require.NoError(t, m.Unmount("/dev/sdb1"))

	dev, _ := m.Get("/dev/sdb1")
	assert.Empty(t, dev.MountPoint)
}

func TestRefreshCachesLazyInfo(t *testing.T) {
	m, w := newTestMonitor(t)
	attachDevice(t, m, w, "/dev/sdb1")

	answers := map[string]string{"LABEL": "WORKUSB\n", "SIZE": "14.9G\n", "MODEL": "Ultra Fit\n"}
	m.run = func(ctx context.Context, name string, args ...string) (string, error) {
		assert.Equal(t, "lsblk", name)
		require.Len(t, args, 3)
		return answers[args[1]], nil
	}

	require.NoError(t, m.Refresh("/dev/sdb1"))
	dev, _ := m.Get("/dev/sdb1")
	assert.Equal(t, "WORKUSB", dev.Label)
	assert.Equal(t, "14.9G", dev.Size)
	assert.Equal(t, "Ultra Fit", dev.Model)
	assert.Equal(t, "WORKUSB (14.9G)", dev.DisplayName())
}
