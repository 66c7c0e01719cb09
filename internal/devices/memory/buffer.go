// Package memory provides buffer-backed memory devices.
package memory

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/rvdev/internal/hv"
)

var nativeLittle = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Buffer is a little-endian byte store. Naturally aligned accesses of any
// width are single-copy atomic; narrower stores merge into their containing
// 32-bit word with compare-and-swap. Misaligned accesses are split into byte
// accesses and are not atomic as a whole.
//
// The backing memory is at least 8-byte aligned.
type Buffer struct {
	mem     []byte
	release func() error
}

// NewBuffer allocates a zeroed buffer of size bytes. size must be a multiple
// of 4.
func NewBuffer(size uint32) (*Buffer, error) {
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("memory: size 0x%x must be a non-zero multiple of 4", size)
	}
	mem, release, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("memory: allocate 0x%x bytes: %w", size, err)
	}
	return &Buffer{mem: mem, release: release}, nil
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() uint32 {
	return uint32(len(b.mem))
}

// Bytes exposes the backing memory.
func (b *Buffer) Bytes() []byte {
	return b.mem
}

// Close releases the backing memory. The buffer must not be used afterwards.
func (b *Buffer) Close() error {
	if b.release == nil {
		return nil
	}
	release := b.release
	b.release = nil
	b.mem = nil
	return release()
}

func (b *Buffer) check(offset uint32, sizeLog2 uint8) error {
	if sizeLog2 > hv.Size64Log2 || !hv.InBounds(offset, hv.SizeBytes(sizeLog2), b.Len()) {
		return hv.OutOfBounds(offset, sizeLog2)
	}
	return nil
}

// Load reads a zero-extended little-endian value.
func (b *Buffer) Load(offset uint32, sizeLog2 uint8) (uint64, error) {
	if err := b.check(offset, sizeLog2); err != nil {
		return 0, err
	}

	width := hv.SizeBytes(sizeLog2)
	switch {
	case sizeLog2 == hv.Size64Log2 && offset&7 == 0:
		return b.load64(offset), nil
	case sizeLog2 <= hv.Size32Log2 && offset&(width-1) == 0:
		// Aligned 8/16/32-bit accesses never cross a 32-bit word.
		shift := 8 * (offset & 3)
		mask := uint64(1)<<(8*width) - 1
		return uint64(b.load32(offset&^3)>>shift) & mask, nil
	}

	var v uint64
	for i := uint32(0); i < width; i++ {
		v |= uint64(b.loadByte(offset+i)) << (8 * i)
	}
	return v, nil
}

// Store writes the low (1<<sizeLog2) bytes of value.
func (b *Buffer) Store(offset uint32, value uint64, sizeLog2 uint8) error {
	if err := b.check(offset, sizeLog2); err != nil {
		return err
	}

	width := hv.SizeBytes(sizeLog2)
	switch {
	case sizeLog2 == hv.Size64Log2 && offset&7 == 0:
		b.store64(offset, value)
	case sizeLog2 == hv.Size32Log2 && offset&3 == 0:
		b.store32(offset, uint32(value))
	case sizeLog2 < hv.Size32Log2 && offset&(width-1) == 0:
		b.merge32(offset, uint32(value), width)
	default:
		for i := uint32(0); i < width; i++ {
			b.merge32(offset+i, uint32(value>>(8*i)), 1)
		}
	}
	return nil
}

// CompareAndSwap atomically replaces the value at offset with value if it
// equals expected. Byte-wide and misaligned requests are rejected.
func (b *Buffer) CompareAndSwap(offset uint32, expected, value uint64, sizeLog2 uint8) (bool, error) {
	if err := b.check(offset, sizeLog2); err != nil {
		return false, err
	}

	width := hv.SizeBytes(sizeLog2)
	if sizeLog2 == hv.Size8Log2 || offset&(width-1) != 0 {
		return false, hv.UnsupportedAtomic(offset, sizeLog2)
	}

	switch sizeLog2 {
	case hv.Size64Log2:
		return atomic.CompareAndSwapUint64(b.word64(offset), toNative64(expected), toNative64(value)), nil
	case hv.Size32Log2:
		return atomic.CompareAndSwapUint32(b.word32(offset), toNative32(uint32(expected)), toNative32(uint32(value))), nil
	default:
		shift := 8 * (offset & 3)
		mask := uint32(0xffff) << shift
		want := uint32(expected&0xffff) << shift
		next := uint32(value&0xffff) << shift
		word := b.word32(offset &^ 3)
		for {
			old := fromNative32(atomic.LoadUint32(word))
			if old&mask != want {
				return false, nil
			}
			if atomic.CompareAndSwapUint32(word, toNative32(old), toNative32(old&^mask|next)) {
				return true, nil
			}
		}
	}
}

// LoadBytes copies len(dst) bytes starting at offset.
func (b *Buffer) LoadBytes(offset uint32, dst []byte) error {
	if uint64(offset)+uint64(len(dst)) > uint64(b.Len()) {
		return hv.OutOfBounds(offset, hv.Size8Log2)
	}
	copy(dst, b.mem[offset:])
	return nil
}

// StoreBytes copies src into the buffer starting at offset.
func (b *Buffer) StoreBytes(offset uint32, src []byte) error {
	if uint64(offset)+uint64(len(src)) > uint64(b.Len()) {
		return hv.OutOfBounds(offset, hv.Size8Log2)
	}
	copy(b.mem[offset:], src)
	return nil
}

func (b *Buffer) word32(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[offset]))
}

func (b *Buffer) word64(offset uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&b.mem[offset]))
}

func (b *Buffer) load32(offset uint32) uint32 {
	return fromNative32(atomic.LoadUint32(b.word32(offset)))
}

func (b *Buffer) store32(offset uint32, value uint32) {
	atomic.StoreUint32(b.word32(offset), toNative32(value))
}

func (b *Buffer) load64(offset uint32) uint64 {
	return fromNative64(atomic.LoadUint64(b.word64(offset)))
}

func (b *Buffer) store64(offset uint32, value uint64) {
	atomic.StoreUint64(b.word64(offset), toNative64(value))
}

func (b *Buffer) loadByte(offset uint32) byte {
	return byte(b.load32(offset&^3) >> (8 * (offset & 3)))
}

// merge32 replaces width bytes at offset inside its 32-bit word.
func (b *Buffer) merge32(offset uint32, value uint32, width uint32) {
	shift := 8 * (offset & 3)
	mask := uint32(1)<<(8*width) - 1
	word := b.word32(offset &^ 3)
	for {
		old := fromNative32(atomic.LoadUint32(word))
		next := old&^(mask<<shift) | (value&mask)<<shift
		if next == old || atomic.CompareAndSwapUint32(word, toNative32(old), toNative32(next)) {
			return
		}
	}
}

func toNative32(v uint32) uint32 {
	if nativeLittle {
		return v
	}
	return bits.ReverseBytes32(v)
}

func toNative64(v uint64) uint64 {
	if nativeLittle {
		return v
	}
	return bits.ReverseBytes64(v)
}

// Byte swapping is its own inverse.
func fromNative32(v uint32) uint32 { return toNative32(v) }
func fromNative64(v uint64) uint64 { return toNative64(v) }
