package platform

import "runtime"

// runtimeFree approximates free memory as heap obtained from the OS but not
// in use.
func runtimeFree() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}
