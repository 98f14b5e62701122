package model

import "time"

// Serial value used when sysfs does not expose one. A device carrying this
// serial is never implicitly trusted; registration must be confirmed
// explicitly by an administrator.
const UnknownSerial = "UNKNOWN"

// Device type classifications produced by interface-class inspection.
const (
	DeviceTypeDisk   = "udisk"
	DeviceTypeBadUSB = "BADUSB_SUSPECT"
	DeviceTypeOther  = "other"
)

// DeviceIdentity is the immutable hardware identity of a USB device and the
// join key between live hardware and registry records.
type DeviceIdentity struct {
	Serial    string
	VendorID  string
	ProductID string
}

// USBEvent 硬件插拔事件
type USBEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb1
	Identity   DeviceIdentity
	Product    string
	DeviceType string
	TimeStamp  time.Time
}

// Device is a live USB storage device tracked by the monitor. Identity is
// resolved eagerly on attach; Label/Size/Model lazily on first access.
// Consumers receive copies; only the monitor mutates the original.
type Device struct {
	DevicePath string
	Identity   DeviceIdentity
	Product    string
	DeviceType string
	MountPoint string // empty while not mounted

	Label string
	Size  string
	Model string
}

// DisplayName returns a human-readable name for the device.
func (d Device) DisplayName() string {
	switch {
	case d.Label != "":
		return d.Label + " (" + d.Size + ")"
	case d.Model != "":
		return d.Model + " (" + d.Size + ")"
	default:
		return "USB Drive (" + d.Size + ")"
	}
}
