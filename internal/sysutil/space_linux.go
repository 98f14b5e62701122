//go:build linux

package sysutil

import "golang.org/x/sys/unix"

// FreeSpace reports the free bytes available to unprivileged writes at path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
