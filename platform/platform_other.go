//go:build !linux
// +build !linux

package platform

func freeMemory() uint64 {
	return runtimeFree()
}
