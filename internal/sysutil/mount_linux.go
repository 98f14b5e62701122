//go:build linux

package sysutil

import (
	"bufio"
	"os"
	"strings"
	"time"
)

// WaitForMount 轮询 /proc/mounts 等待设备挂载
func WaitForMount(devPath string) string {
	// 尝试 3 秒，因为 mount 请求返回时文件系统可能还没挂载好
	for i := 0; i < 30; i++ {
		if mp := MountPointOf(devPath); mp != "" {
			return mp
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ""
}

// MountPointOf returns the current mount point of devPath, or "".
func MountPointOf(devPath string) string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == devPath {
			return fields[1]
		}
	}
	return ""
}

// ListMounts returns device->mountpoint pairs for /dev-backed, non-loop
// mounts. Used by the startup scan for already-attached devices.
func ListMounts() [][2]string {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil
	}
	defer f.Close()

	var out [][2]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		dev, mp := fields[0], fields[1]
		if !strings.HasPrefix(dev, "/dev/") || strings.HasPrefix(dev, "/dev/loop") {
			continue
		}
		out = append(out, [2]string{dev, mp})
	}
	return out
}
