//go:build wasip1

package guest

import (
	"unsafe"
)

// Buffers handed to the host stay reachable through this table until they
// are freed, so the GC cannot reclaim memory the host is writing into.
var (
	byteHandles    = make(map[uint32][]byte)
	nextByteHandle uint32 = 1
)

// allocBytes reserves size bytes for the host to fill. The result packs the
// handle in the high 32 bits and the address in the low 32 bits.
//
//go:wasmexport alloc_bytes
func allocBytes(size uint32) uint64 {
	buf := make([]byte, size, max(size, 1))
	handle := nextByteHandle
	nextByteHandle++
	byteHandles[handle] = buf
	return uint64(handle)<<32 | uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf[:cap(buf)]))))
}

//go:wasmexport free_bytes
func freeBytes(handle uint32) {
	delete(byteHandles, handle)
}

// takeBytes returns the buffer behind handle and frees the handle.
func takeBytes(handle uint32) []byte {
	buf := byteHandles[handle]
	delete(byteHandles, handle)
	return buf
}

// addressOf returns the linear memory address of b's first byte.
func addressOf(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
