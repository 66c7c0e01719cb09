package hv

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfBounds             = errors.New("memory access out of bounds")
	ErrUnsupportedAtomicAccess = errors.New("unsupported atomic memory access")
)

// Access sizes are passed around as log2 of the width in bytes.
const (
	Size8Log2  uint8 = 0
	Size16Log2 uint8 = 1
	Size32Log2 uint8 = 2
	Size64Log2 uint8 = 3
)

// SizesAll is the SupportedSizes mask for a device accepting every width.
const SizesAll uint8 = 1<<Size8Log2 | 1<<Size16Log2 | 1<<Size32Log2 | 1<<Size64Log2

// SizeBytes returns the access width in bytes for sizeLog2.
func SizeBytes(sizeLog2 uint8) uint32 {
	return 1 << sizeLog2
}

// MemoryMappedDevice is the contract the bus uses to talk to every device.
// Offsets are relative to the device base.
type MemoryMappedDevice interface {
	// Length is the size of the device window in bytes.
	Length() uint32
	// SupportedSizes is a mask with bit n set when (1<<n)-byte accesses are valid.
	SupportedSizes() uint8

	Load(offset uint32, sizeLog2 uint8) (uint64, error)
	Store(offset uint32, value uint64, sizeLog2 uint8) error
	CompareAndSwap(offset uint32, expected, value uint64, sizeLog2 uint8) (bool, error)
}

// DirectAccessDevice is implemented by devices backed by a contiguous buffer.
type DirectAccessDevice interface {
	MemoryMappedDevice

	LoadBytes(offset uint32, dst []byte) error
	StoreBytes(offset uint32, src []byte) error
}

// Resetter is implemented by devices with state that a system reset clears.
type Resetter interface {
	Reset()
}

type AccessKind int

const (
	AccessOutOfBounds AccessKind = iota + 1
	AccessUnsupportedAtomic
)

func (k AccessKind) String() string {
	switch k {
	case AccessOutOfBounds:
		return "out of bounds"
	case AccessUnsupportedAtomic:
		return "unsupported atomic"
	default:
		return fmt.Sprintf("AccessKind(%d)", int(k))
	}
}

// AccessError reports a failed device access. It matches ErrOutOfBounds or
// ErrUnsupportedAtomicAccess under errors.Is.
type AccessError struct {
	Kind     AccessKind
	Offset   uint32
	SizeLog2 uint8
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s access at offset 0x%x (%d bytes)", e.Kind, e.Offset, SizeBytes(e.SizeLog2))
}

func (e *AccessError) Is(target error) bool {
	switch target {
	case ErrOutOfBounds:
		return e.Kind == AccessOutOfBounds
	case ErrUnsupportedAtomicAccess:
		return e.Kind == AccessUnsupportedAtomic
	}
	return false
}

// OutOfBounds builds the error returned for accesses past the device window.
func OutOfBounds(offset uint32, sizeLog2 uint8) error {
	return &AccessError{Kind: AccessOutOfBounds, Offset: offset, SizeLog2: sizeLog2}
}

// UnsupportedAtomic builds the error returned for CAS requests a device cannot serve.
func UnsupportedAtomic(offset uint32, sizeLog2 uint8) error {
	return &AccessError{Kind: AccessUnsupportedAtomic, Offset: offset, SizeLog2: sizeLog2}
}

// InBounds reports whether an access of width bytes at offset fits in length.
func InBounds(offset, width, length uint32) bool {
	return width <= length && offset <= length-width
}
