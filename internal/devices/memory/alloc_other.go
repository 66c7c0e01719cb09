//go:build !unix

package memory

import "unsafe"

// allocate returns heap memory viewed through a []uint64 so that the
// backing array is 8-byte aligned for 64-bit atomics.
func allocate(size int) ([]byte, func() error, error) {
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return mem, nil, nil
}
