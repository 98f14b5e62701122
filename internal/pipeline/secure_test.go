package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/transfer"
)

// fakeSecure mimics the secure USB dispatcher: a fixed set of registered
// serials gates delivery.
type fakeSecure struct {
	mu         sync.Mutex
	registered map[string]bool
	delivered  []string
	target     *transfer.Target
}

func (f *fakeSecure) Describe() string     { return "secure_usb" }
func (f *fakeSecure) TestConnection() bool { return true }

func (f *fakeSecure) Transfer(files []string, sessionID string) []model.TransferResult {
	panic("orchestrator must use TransferTo for secure delivery")
}

func (f *fakeSecure) Verify(target *transfer.Target) error {
	if !f.registered[target.Identity.Serial] {
		return fmt.Errorf("device %s is not a registered secure USB", target.Identity.Serial)
	}
	return nil
}

func (f *fakeSecure) TransferTo(target *transfer.Target, files []string, sessionID string) []model.TransferResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = target
	results := make([]model.TransferResult, 0, len(files))
	for _, file := range files {
		f.delivered = append(f.delivered, filepath.Base(file))
		results = append(results, model.TransferResult{SourcePath: file, Success: true})
	}
	return results
}

func device(path, serial string) model.Device {
	return model.Device{
		DevicePath: path,
		Identity:   model.DeviceIdentity{Serial: serial, VendorID: "0781", ProductID: "5581"},
		DeviceType: model.DeviceTypeDisk,
		MountPoint: "/media/" + serial,
	}
}

func waitStage(t *testing.T, o *Orchestrator, stage model.Stage) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Stage() == stage
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSecureFlowWaitsForRegisteredMedia(t *testing.T) {
	secure := &fakeSecure{registered: map[string]bool{"TRUSTED": true}}
	h := newHarness(t, secure)

	src := writeTemp(t, t.TempDir(), "doc.txt", "words")
	_, err := h.orch.Begin("", []string{src})
	require.NoError(t, err)

	waitStage(t, h.orch, model.StageAwaitingSecureMedia)

	// an unregistered stick gets ejected and the wait continues
	h.mon.attach(device("/dev/sdb1", "STRANGER"))
	require.Eventually(t, func() bool {
		h.mon.mu.Lock()
		defer h.mon.mu.Unlock()
		return len(h.mon.unmounted) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StageAwaitingSecureMedia, h.orch.Stage())
	assert.Empty(t, secure.delivered)

	// the registered one unblocks the session
	h.mon.attach(device("/dev/sdc1", "TRUSTED"))
	summary := h.waitDone(t)

	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.Transferred)
	require.NotNil(t, secure.target)
	assert.Equal(t, "TRUSTED", secure.target.Identity.Serial)
	assert.Equal(t, "/media/TRUSTED", secure.target.MountPoint)
}

func TestSecureFlowUsesMediaAttachedBeforeWait(t *testing.T) {
	secure := &fakeSecure{registered: map[string]bool{"TRUSTED": true}}
	h := newHarness(t, secure)
	h.mon.mu.Lock()
	h.mon.devices = append(h.mon.devices, device("/dev/sdb1", "TRUSTED"))
	h.mon.mu.Unlock()

	src := writeTemp(t, t.TempDir(), "doc.txt", "words")
	_, err := h.orch.Begin("", []string{src})
	require.NoError(t, err)

	summary := h.waitDone(t)
	assert.True(t, summary.Success)
	assert.Equal(t, []string{"doc.txt.png"}, secure.delivered)
}

func TestCancelWhileAwaitingMedia(t *testing.T) {
	secure := &fakeSecure{registered: map[string]bool{}}
	h := newHarness(t, secure)

	src := writeTemp(t, t.TempDir(), "doc.txt", "words")
	_, err := h.orch.Begin("", []string{src})
	require.NoError(t, err)

	waitStage(t, h.orch, model.StageAwaitingSecureMedia)
	require.NoError(t, h.orch.Cancel())

	summary := h.waitDone(t)
	assert.False(t, summary.Success)
	assert.Equal(t, "cancelled", summary.Reason)
	assert.Empty(t, secure.delivered)
}

func TestBadUSBSourceRefused(t *testing.T) {
	h := newHarness(t, &fakeDispatcher{})
	bad := device("/dev/sdb1", "EVIL")
	bad.DeviceType = model.DeviceTypeBadUSB
	h.mon.mu.Lock()
	h.mon.devices = append(h.mon.devices, bad)
	h.mon.mu.Unlock()

	src := writeTemp(t, t.TempDir(), "doc.txt", "words")
	_, err := h.orch.Begin("/dev/sdb1", []string{src})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suspect interfaces")
	assert.Equal(t, model.StageIdle, h.orch.Stage())
}

func TestUnknownSourceDeviceRefused(t *testing.T) {
	h := newHarness(t, &fakeDispatcher{})
	src := writeTemp(t, t.TempDir(), "doc.txt", "words")
	_, err := h.orch.Begin("/dev/sdz9", []string{src})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not attached")
}

func TestSessionTempDirCleanedUp(t *testing.T) {
	h := newHarness(t, &fakeDispatcher{})

	src := writeTemp(t, t.TempDir(), "doc.txt", "words")
	id, err := h.orch.Begin("", []string{src})
	require.NoError(t, err)
	h.waitDone(t)

	_, statErr := os.Stat(filepath.Join(h.cfg.Conversion.TempDirectory, id))
	assert.True(t, os.IsNotExist(statErr))
}
