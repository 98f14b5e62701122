package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/audit"
	"github.com/Hara602/usbDefender/internal/config"
	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/registry"
	"github.com/Hara602/usbDefender/internal/sysutil"
)

// Target is a mounted USB device offered as a transfer destination.
type Target struct {
	Identity   model.DeviceIdentity
	MountPoint string
	BadUSB     bool
}

// locateFunc finds the attached mounted USB device to write to.
type locateFunc func() (*Target, error)

// SecureUSBDispatcher writes files only to registered secure USB media.
// The registry check happens before a single byte leaves the kiosk;
// unregistered or suspect media gets nothing.
type SecureUSBDispatcher struct {
	cfg    config.SecureUSBConfig
	reg    *registry.Registry
	log    *zap.Logger
	trail  *audit.Trail
	locate locateFunc
}

func newSecureUSB(cfg config.SecureUSBConfig, reg *registry.Registry, log *zap.Logger, trail *audit.Trail) *SecureUSBDispatcher {
	d := &SecureUSBDispatcher{cfg: cfg, reg: reg, log: log, trail: trail}
	d.locate = d.locateMounted
	return d
}

func (d *SecureUSBDispatcher) Describe() string { return "secure_usb" }

// TestConnection reports whether any secure USB is registered at all.
// Media presence is checked per transfer, not here.
func (d *SecureUSBDispatcher) TestConnection() bool {
	if d.reg.Count() == 0 {
		d.log.Warn("no secure USB devices registered")
		return false
	}
	return true
}

// locateMounted picks the first mounted device with a USB ancestor.
func (d *SecureUSBDispatcher) locateMounted() (*Target, error) {
	for _, m := range sysutil.ListMounts() {
		node, mount := m[0], m[1]
		root, ok := sysutil.USBRootOf(node)
		if !ok {
			continue
		}
		ident, _ := sysutil.IdentityFromUSBRoot(root)
		return &Target{
			Identity:   ident,
			MountPoint: mount,
			BadUSB:     sysutil.ClassifyDevice(root) == model.DeviceTypeBadUSB,
		}, nil
	}
	return nil, fmt.Errorf("no mounted USB device found")
}

// Verify decides whether target may receive files. It refuses media with
// no readable serial, suspect interface layouts, and anything absent from
// the registry.
func (d *SecureUSBDispatcher) Verify(target *Target) error {
	if target.Identity.Serial == "" || target.Identity.Serial == model.UnknownSerial {
		d.trail.Event(audit.EventUnregisteredUSBBlock,
			audit.F("serial", target.Identity.Serial),
			audit.F("reason", "unreadable serial"))
		return fmt.Errorf("device serial not readable, refusing transfer")
	}
	if target.BadUSB {
		d.trail.Event(audit.EventBadUSBSuspect,
			audit.F("serial", target.Identity.Serial),
			audit.F("context", "transfer destination"))
		return fmt.Errorf("device presents suspect interfaces, refusing transfer")
	}

	if !d.reg.IsRegistered(target.Identity.Serial, target.Identity.VendorID, target.Identity.ProductID) {
		d.log.Warn("unregistered USB device blocked",
			zap.String("serial", target.Identity.Serial),
			zap.String("vendor", target.Identity.VendorID),
			zap.String("product", target.Identity.ProductID))
		d.trail.Event(audit.EventUnregisteredUSBBlock,
			audit.F("serial", target.Identity.Serial),
			audit.F("vendor_id", target.Identity.VendorID),
			audit.F("product_id", target.Identity.ProductID))
		return fmt.Errorf("device %s is not a registered secure USB", target.Identity.Serial)
	}
	return nil
}

func (d *SecureUSBDispatcher) Transfer(files []string, sessionID string) []model.TransferResult {
	target, err := d.locate()
	if err != nil {
		d.log.Error("secure USB transfer aborted", zap.Error(err))
		return failAll(files, d.Describe(), err, d.trail)
	}
	return d.TransferTo(target, files, sessionID)
}

// TransferTo copies files onto an already verified-present target. The
// registry verdict still gates every byte.
func (d *SecureUSBDispatcher) TransferTo(target *Target, files []string, sessionID string) []model.TransferResult {
	if err := d.Verify(target); err != nil {
		return failAll(files, d.Describe(), err, d.trail)
	}

	if err := d.checkSpace(target.MountPoint, files); err != nil {
		d.log.Error("secure USB space check failed", zap.Error(err))
		return failAll(files, target.MountPoint, err, d.trail)
	}

	root := target.MountPoint
	if d.cfg.CreateSessionFolders {
		root = filepath.Join(root, fmt.Sprintf("%s_%s", sessionID, time.Now().Format("20060102_150405")))
	}

	d.log.Info("transferring to secure USB",
		zap.String("serial", target.Identity.Serial),
		zap.String("mount", target.MountPoint),
		zap.Int("files", len(files)))

	results := make([]model.TransferResult, 0, len(files))
	transferred := 0
	for _, src := range files {
		dst := filepath.Join(root, relativeToSession(src, sessionID))
		res := model.TransferResult{SourcePath: src, Destination: dst}

		if err := copyFile(src, dst); err != nil {
			res.Err = err.Error()
			d.log.Error("secure USB copy failed", zap.String("file", src), zap.Error(err))
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", dst),
				audit.F("status", "FAILED: "+err.Error()))
		} else {
			res.Success = true
			transferred++
			d.trail.Event(audit.EventFileTransferred,
				audit.F("source", src),
				audit.F("destination", dst),
				audit.F("status", "SUCCESS"))
		}
		results = append(results, res)
	}

	if transferred > 0 {
		d.reg.LogUsage(target.Identity.Serial, sessionID, transferred)
	}
	return results
}

func statFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// checkSpace refuses a batch that cannot fit on the target.
func (d *SecureUSBDispatcher) checkSpace(mount string, files []string) error {
	var need int64
	for _, f := range files {
		if info, err := statFile(f); err == nil {
			need += info
		}
	}
	free, err := sysutil.FreeSpace(mount)
	if err != nil {
		return fmt.Errorf("read free space: %w", err)
	}
	if uint64(need) > free {
		return fmt.Errorf("not enough space on device: need %s, free %s",
			humanize.Bytes(uint64(need)), humanize.Bytes(free))
	}
	return nil
}
