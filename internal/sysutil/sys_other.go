//go:build !linux

package sysutil

import (
	"math"

	"github.com/Hara602/usbDefender/internal/model"
)

func WaitForMount(devPath string) string { return "" }

func MountPointOf(devPath string) string { return "" }

func ListMounts() [][2]string { return nil }

func ResolveIdentity(deviceNode string) (model.DeviceIdentity, string, bool) {
	return model.DeviceIdentity{}, "", false
}

func USBRootOf(deviceNode string) (string, bool) { return "", false }

func IdentityFromUSBRoot(usbRoot string) (model.DeviceIdentity, string) {
	return model.DeviceIdentity{}, ""
}

func ClassifyDevice(usbRoot string) string { return model.DeviceTypeOther }

func FreeSpace(path string) (uint64, error) { return math.MaxUint64, nil }
