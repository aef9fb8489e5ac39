//go:build linux
// +build linux

package platform

import "golang.org/x/sys/unix"

func freeMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return runtimeFree()
	}
	return uint64(info.Freeram) * uint64(info.Unit)
}
