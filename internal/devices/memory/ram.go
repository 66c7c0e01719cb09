package memory

import (
	"github.com/tinyrange/rvdev/internal/hv"
)

// RAM is main memory. It keeps its contents across a system reset.
type RAM struct {
	*Buffer
}

// NewRAM allocates size bytes of zeroed RAM.
func NewRAM(size uint32) (*RAM, error) {
	buf, err := NewBuffer(size)
	if err != nil {
		return nil, err
	}
	return &RAM{Buffer: buf}, nil
}

// Length implements hv.MemoryMappedDevice.
func (r *RAM) Length() uint32 {
	return r.Len()
}

// SupportedSizes implements hv.MemoryMappedDevice.
func (r *RAM) SupportedSizes() uint8 {
	return hv.SizesAll
}

var (
	_ hv.MemoryMappedDevice = (*RAM)(nil)
	_ hv.DirectAccessDevice = (*RAM)(nil)
)
