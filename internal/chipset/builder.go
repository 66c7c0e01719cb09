package chipset

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/rvdev/internal/hv"
)

type mmioBinding struct {
	name   string
	base   uint64
	size   uint64
	device hv.MemoryMappedDevice
}

func (b mmioBinding) end() uint64 {
	return b.base + b.size
}

// Builder registers devices and their address windows before creating a Chipset.
type Builder struct {
	devices map[string]hv.MemoryMappedDevice
	mmio    []mmioBinding
}

// NewBuilder returns an empty Builder instance.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]hv.MemoryMappedDevice),
	}
}

// RegisterDevice maps dev at base for dev.Length() bytes under name.
func (b *Builder) RegisterDevice(name string, base uint64, dev hv.MemoryMappedDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	size := uint64(dev.Length())
	if size == 0 {
		return fmt.Errorf("device %q at 0x%x has zero size", name, base)
	}
	if base+size < base {
		return fmt.Errorf("device %q at 0x%x with size 0x%x overflows", name, base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.base, existing.size) {
			return fmt.Errorf(
				"device %q region 0x%x-0x%x overlaps %q at 0x%x-0x%x",
				name, base, base+size-1, existing.name, existing.base, existing.end()-1)
		}
	}

	b.devices[name] = dev
	b.mmio = append(b.mmio, mmioBinding{
		name:   name,
		base:   base,
		size:   size,
		device: dev,
	})

	slog.Debug("chipset: registered device", "name", name, "base", fmt.Sprintf("0x%x", base), "size", fmt.Sprintf("0x%x", size))
	return nil
}

// Build finalizes the address map and returns the constructed Chipset.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]hv.MemoryMappedDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)
	sort.Slice(mmio, func(i, j int) bool { return mmio[i].base < mmio[j].base })

	return &Chipset{
		devices: devices,
		mmio:    mmio,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
