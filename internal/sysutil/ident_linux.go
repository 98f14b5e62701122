//go:build linux

package sysutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbDefender/internal/model"
)

// FindUSBRoot 递归向上查找包含 idVendor 的目录（即 USB Device 根目录）
func FindUSBRoot(sysPath string) string {
	dir := sysPath
	// 向上回溯最多 10 层，通常 USB 设备在 sysfs 树的上层
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir
		}
	}
	// 如果找不到，返回原始路径，后续读取会得到 UNKNOWN
	return sysPath
}

func readSysFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return model.UnknownSerial
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return model.UnknownSerial
	}
	return s
}

// IdentityFromUSBRoot reads the hardware identity out of a USB device's
// sysfs root directory. Missing attributes resolve to UNKNOWN rather than
// empty strings so collisions stay visible downstream.
func IdentityFromUSBRoot(usbRoot string) (model.DeviceIdentity, string) {
	ident := model.DeviceIdentity{
		Serial:    readSysFile(filepath.Join(usbRoot, "serial")),
		VendorID:  readSysFile(filepath.Join(usbRoot, "idVendor")),
		ProductID: readSysFile(filepath.Join(usbRoot, "idProduct")),
	}
	product := readSysFile(filepath.Join(usbRoot, "product"))
	return ident, product
}

// ResolveIdentity derives a device node's USB identity by walking from
// /sys/class/block back to the USB device root. Returns false when the node
// is not on the USB bus.
func ResolveIdentity(deviceNode string) (model.DeviceIdentity, string, bool) {
	sysPath := "/sys/class/block/" + filepath.Base(deviceNode)
	realPath, err := filepath.EvalSymlinks(sysPath)
	if err != nil {
		return model.DeviceIdentity{}, "", false
	}
	usbRoot := FindUSBRoot(realPath)
	if _, err := os.Stat(filepath.Join(usbRoot, "idVendor")); err != nil {
		return model.DeviceIdentity{}, "", false
	}
	ident, product := IdentityFromUSBRoot(usbRoot)
	return ident, product, true
}

// ClassifyDevice 如果一个 USB 设备树下同时拥有 08(存储) 和 03(HID) 接口，则判定为 BadUSB
func ClassifyDevice(usbRoot string) string {
	files, err := os.ReadDir(usbRoot)
	if err != nil {
		return model.DeviceTypeOther
	}
	hasStorage := false
	hasHID := false
	for _, f := range files {
		// 接口目录形如 1-1:1.0
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		classPath := filepath.Join(usbRoot, f.Name(), "bInterfaceClass")
		content, _ := os.ReadFile(classPath)
		switch strings.TrimSpace(string(content)) {
		case "03":
			hasHID = true
		case "08":
			hasStorage = true
		}
	}
	switch {
	case hasStorage && hasHID:
		return model.DeviceTypeBadUSB
	case hasStorage:
		return model.DeviceTypeDisk
	default:
		return model.DeviceTypeOther
	}
}

// USBRootOf maps a block device node to its USB device root in sysfs.
func USBRootOf(deviceNode string) (string, bool) {
	sysPath := "/sys/class/block/" + filepath.Base(deviceNode)
	realPath, err := filepath.EvalSymlinks(sysPath)
	if err != nil {
		return "", false
	}
	usbRoot := FindUSBRoot(realPath)
	if _, err := os.Stat(filepath.Join(usbRoot, "idVendor")); err != nil {
		return "", false
	}
	return usbRoot, true
}
