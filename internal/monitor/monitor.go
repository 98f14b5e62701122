// Package monitor tracks live USB storage devices. It consumes the
// watcher's attach/detach events, owns the live-device set, and performs
// mount/unmount through udisksctl. Subscribers receive read-only snapshots
// on buffered channels, delivered outside the set's lock.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/sysutil"
	"github.com/Hara602/usbDefender/internal/watcher"
)

// EventType distinguishes lifecycle notifications.
type EventType int

const (
	DeviceAttached EventType = iota
	DeviceDetached
)

// Event is one device-lifecycle notification with a snapshot of the device.
type Event struct {
	Type   EventType
	Device model.Device
}

// runner abstracts the external command invocations (udisksctl, lsblk) so
// tests can substitute them.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Monitor owns the live-device set.
type Monitor struct {
	log     *zap.Logger
	trail   *audit.Trail
	cfg     config.USBConfig
	watcher watcher.DeviceWatcher
	run     runner

	mu      sync.Mutex
	devices map[string]*model.Device

	subMu sync.Mutex
	subs  []chan Event

	stop chan struct{}
	done chan struct{}
}

// New builds a monitor over the given device watcher.
func New(cfg config.USBConfig, w watcher.DeviceWatcher, log *zap.Logger, trail *audit.Trail) *Monitor {
	return &Monitor{
		log:     log,
		trail:   trail,
		cfg:     cfg,
		watcher: w,
		run:     execRunner,
		devices: make(map[string]*model.Device),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins consuming hardware events. The startup device scan performed
// by the watcher guarantees devices attached before Start are reported.
func (m *Monitor) Start() error {
	events, err := m.watcher.Start()
	if err != nil {
		return fmt.Errorf("start device watcher: %w", err)
	}
	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.stop:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				m.handleEvent(ev)
			}
		}
	}()
	return nil
}

// Stop halts event consumption and the underlying watcher.
func (m *Monitor) Stop() {
	close(m.stop)
	m.watcher.Stop()
	<-m.done
}

// Subscribe returns a channel of device lifecycle events. Slow subscribers
// lose events rather than blocking hardware dispatch.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Monitor) notify(ev Event) {
	m.subMu.Lock()
	subs := make([]chan Event, len(m.subs))
	copy(subs, m.subs)
	m.subMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn("dropping device event for slow subscriber",
				zap.String("dev", ev.Device.DevicePath))
		}
	}
}

func (m *Monitor) handleEvent(ev model.USBEvent) {
	switch ev.Action {
	case "add":
		dev := &model.Device{
			DevicePath: ev.DevicePath,
			Identity:   ev.Identity,
			Product:    ev.Product,
			DeviceType: ev.DeviceType,
			MountPoint: sysutil.MountPointOf(ev.DevicePath),
		}
		m.mu.Lock()
		m.devices[ev.DevicePath] = dev
		snapshot := *dev
		m.mu.Unlock()

		m.log.Info("USB device added",
			zap.String("dev", ev.DevicePath),
			zap.String("serial", ev.Identity.Serial),
			zap.String("type", ev.DeviceType))
		m.trail.Event(audit.EventUSBInserted,
			audit.F("device", ev.DevicePath),
			audit.F("serial", ev.Identity.Serial),
			audit.F("vendor_id", ev.Identity.VendorID),
			audit.F("product_id", ev.Identity.ProductID))
		if ev.DeviceType == model.DeviceTypeBadUSB {
			m.log.Error("🚨 BADUSB DETECTED", zap.String("serial", ev.Identity.Serial))
			m.trail.Event(audit.EventBadUSBSuspect,
				audit.F("device", ev.DevicePath),
				audit.F("serial", ev.Identity.Serial))
		}
		m.notify(Event{Type: DeviceAttached, Device: snapshot})

	case "remove":
		m.mu.Lock()
		dev, ok := m.devices[ev.DevicePath]
		var snapshot model.Device
		if ok {
			snapshot = *dev
			delete(m.devices, ev.DevicePath)
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		// The OS may not have unmounted cleanly; the device is simply
		// forgotten and subscribers told.
		m.log.Info("USB device removed", zap.String("dev", ev.DevicePath))
		m.trail.Event(audit.EventUSBRemoved, audit.F("device", ev.DevicePath))
		m.notify(Event{Type: DeviceDetached, Device: snapshot})
	}
}

// Devices returns snapshots of all live devices.
func (m *Monitor) Devices() []model.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out
}

// Get returns a snapshot of one live device.
func (m *Monitor) Get(devicePath string) (model.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[devicePath]
	if !ok {
		return model.Device{}, false
	}
	return *d, true
}

// Mount mounts the device via udisksctl and records the mount point.
// Failures are returned to the caller and never retried automatically.
func (m *Monitor) Mount(devicePath string) (string, error) {
	m.mu.Lock()
	dev, ok := m.devices[devicePath]
	if ok && dev.MountPoint != "" {
		mp := dev.MountPoint
		m.mu.Unlock()
		m.log.Warn("device already mounted", zap.String("dev", devicePath))
		return mp, nil
	}
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown device: %s", devicePath)
	}

	timeout := time.Duration(m.cfg.MountTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := m.run(ctx, "udisksctl", "mount", "-b", devicePath, "--no-user-interaction")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("mount %s: timed out after %s", devicePath, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("mount %s: %v: %s", devicePath, err, strings.TrimSpace(out))
	}

	mountPoint := parseMountOutput(out)
	if mountPoint == "" {
		// udisksctl 输出格式变动时退回 /proc/mounts
		mountPoint = sysutil.WaitForMount(devicePath)
	}
	if mountPoint == "" {
		return "", fmt.Errorf("mount %s: mount point not found", devicePath)
	}

	m.mu.Lock()
	if dev, ok := m.devices[devicePath]; ok {
		dev.MountPoint = mountPoint
	}
	m.mu.Unlock()

	m.log.Info("device mounted",
		zap.String("dev", devicePath), zap.String("mount", mountPoint))
	return mountPoint, nil
}

// Unmount cleanly unmounts the device, returning it to the attached state.
func (m *Monitor) Unmount(devicePath string) error {
	timeout := time.Duration(m.cfg.UnmountTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := m.run(ctx, "udisksctl", "unmount", "-b", devicePath, "--no-user-interaction")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("unmount %s: timed out after %s", devicePath, timeout)
	}
	if err != nil {
		return fmt.Errorf("unmount %s: %v: %s", devicePath, err, strings.TrimSpace(out))
	}

	m.mu.Lock()
	if dev, ok := m.devices[devicePath]; ok {
		dev.MountPoint = ""
	}
	m.mu.Unlock()

	m.log.Info("device unmounted", zap.String("dev", devicePath))
	return nil
}

// parseMountOutput extracts the mount point from udisksctl's
// "Mounted /dev/sdb1 at /media/..." message.
func parseMountOutput(out string) string {
	line := strings.TrimSpace(out)
	if !strings.Contains(line, "Mounted") {
		return ""
	}
	parts := strings.SplitN(line, " at ", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSpace(parts[1]), ".")
}

// Refresh resolves the device's descriptive info (label, size, model) via
// lsblk and caches it on the live record. Identity fields never change.
func (m *Monitor) Refresh(devicePath string) error {
	m.mu.Lock()
	_, ok := m.devices[devicePath]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device: %s", devicePath)
	}

	var label, size, mdl string
	for _, q := range []struct {
		col string
		dst *string
	}{
		{"LABEL", &label},
		{"SIZE", &size},
		{"MODEL", &mdl},
	} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		out, err := m.run(ctx, "lsblk", "-no", q.col, devicePath)
		cancel()
		if err != nil {
			return fmt.Errorf("lsblk %s %s: %w", q.col, devicePath, err)
		}
		*q.dst = strings.TrimSpace(out)
	}

	m.mu.Lock()
	if dev, ok := m.devices[devicePath]; ok {
		dev.Label, dev.Size, dev.Model = label, size, mdl
	}
	m.mu.Unlock()
	m.log.Debug("device info refreshed",
		zap.String("dev", devicePath), zap.String("label", label), zap.String("size", size))
	return nil
}
