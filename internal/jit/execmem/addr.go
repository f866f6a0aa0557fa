package execmem

import "unsafe"

// entryAddr returns the address of a mapping's first byte, the entry
// point a trampoline can call into once the region is executable.
func entryAddr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}
