package chipset

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/tinyrange/rvdev/internal/hv"
)

// ErrNoDevice is returned for accesses that hit no mapped device window.
var ErrNoDevice = errors.New("no device mapped")

// Chipset is the system bus: it decodes physical addresses into device
// offsets and owns the lifecycle of the registered devices.
type Chipset struct {
	devices map[string]hv.MemoryMappedDevice
	mmio    []mmioBinding // sorted by base
}

// Mapping describes one device window on the bus.
type Mapping struct {
	Name           string
	Base           uint64
	Size           uint64
	SupportedSizes uint8
	Device         hv.MemoryMappedDevice
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (hv.MemoryMappedDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// Devices lists the mapped windows in address order.
func (c *Chipset) Devices() []Mapping {
	out := make([]Mapping, 0, len(c.mmio))
	for _, b := range c.mmio {
		out = append(out, Mapping{
			Name:           b.name,
			Base:           b.base,
			Size:           b.size,
			SupportedSizes: b.device.SupportedSizes(),
			Device:         b.device,
		})
	}
	return out
}

// lookup finds the device whose window holds [addr, addr+width).
func (c *Chipset) lookup(addr, width uint64) (*mmioBinding, uint32, error) {
	accessEnd := addr + width
	if accessEnd < addr {
		return nil, 0, fmt.Errorf("chipset: %w: access at 0x%016x wraps", ErrNoDevice, addr)
	}

	i := sort.Search(len(c.mmio), func(i int) bool { return c.mmio[i].end() > addr })
	if i < len(c.mmio) {
		b := &c.mmio[i]
		if addr >= b.base && accessEnd <= b.end() {
			return b, uint32(addr - b.base), nil
		}
	}

	return nil, 0, fmt.Errorf("chipset: %w at 0x%016x", ErrNoDevice, addr)
}

// Load reads (1<<sizeLog2) bytes at a physical address.
func (c *Chipset) Load(addr uint64, sizeLog2 uint8) (uint64, error) {
	b, offset, err := c.lookup(addr, uint64(hv.SizeBytes(sizeLog2)))
	if err != nil {
		return 0, err
	}
	value, err := b.device.Load(offset, sizeLog2)
	if err != nil {
		return 0, fmt.Errorf("chipset: %s: %w", b.name, err)
	}
	return value, nil
}

// Store writes (1<<sizeLog2) bytes at a physical address.
func (c *Chipset) Store(addr uint64, value uint64, sizeLog2 uint8) error {
	b, offset, err := c.lookup(addr, uint64(hv.SizeBytes(sizeLog2)))
	if err != nil {
		return err
	}
	if err := b.device.Store(offset, value, sizeLog2); err != nil {
		return fmt.Errorf("chipset: %s: %w", b.name, err)
	}
	return nil
}

// CompareAndSwap performs an atomic compare-and-swap at a physical address.
func (c *Chipset) CompareAndSwap(addr uint64, expected, value uint64, sizeLog2 uint8) (bool, error) {
	b, offset, err := c.lookup(addr, uint64(hv.SizeBytes(sizeLog2)))
	if err != nil {
		return false, err
	}
	swapped, err := b.device.CompareAndSwap(offset, expected, value, sizeLog2)
	if err != nil {
		return false, fmt.Errorf("chipset: %s: %w", b.name, err)
	}
	return swapped, nil
}

// LoadBytes fills dst from a contiguous range inside a single device.
func (c *Chipset) LoadBytes(addr uint64, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	b, offset, err := c.lookup(addr, uint64(len(dst)))
	if err != nil {
		return err
	}

	if direct, ok := b.device.(hv.DirectAccessDevice); ok {
		if err := direct.LoadBytes(offset, dst); err != nil {
			return fmt.Errorf("chipset: %s: %w", b.name, err)
		}
		return nil
	}

	// Slow path - read byte by byte
	for i := range dst {
		v, err := b.device.Load(offset+uint32(i), hv.Size8Log2)
		if err != nil {
			return fmt.Errorf("chipset: %s: %w", b.name, err)
		}
		dst[i] = byte(v)
	}
	return nil
}

// StoreBytes writes src to a contiguous range inside a single device.
func (c *Chipset) StoreBytes(addr uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	b, offset, err := c.lookup(addr, uint64(len(src)))
	if err != nil {
		return err
	}

	if direct, ok := b.device.(hv.DirectAccessDevice); ok {
		if err := direct.StoreBytes(offset, src); err != nil {
			return fmt.Errorf("chipset: %s: %w", b.name, err)
		}
		return nil
	}

	// Slow path - write byte by byte
	for i, v := range src {
		if err := b.device.Store(offset+uint32(i), uint64(v), hv.Size8Log2); err != nil {
			return fmt.Errorf("chipset: %s: %w", b.name, err)
		}
	}
	return nil
}

// Reset resets all registered devices in name order.
func (c *Chipset) Reset() {
	for _, name := range c.deviceNames() {
		if r, ok := c.devices[name].(hv.Resetter); ok {
			r.Reset()
		}
	}
}

// Close releases every device that holds resources.
func (c *Chipset) Close() error {
	var errs []error
	for _, name := range c.deviceNames() {
		if closer, ok := c.devices[name].(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chipset: close device %q: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// CaptureSnapshot collects the snapshots of every snapshot-capable device,
// keyed by device name.
func (c *Chipset) CaptureSnapshot() (map[string]hv.DeviceSnapshot, error) {
	snaps := make(map[string]hv.DeviceSnapshot)
	for _, name := range c.deviceNames() {
		snapshotter, ok := c.devices[name].(hv.DeviceSnapshotter)
		if !ok {
			continue
		}
		snap, err := snapshotter.CaptureSnapshot()
		if err != nil {
			return nil, fmt.Errorf("chipset: capture %q (%s): %w", name, snapshotter.DeviceId(), err)
		}
		snaps[name] = snap
	}
	return snaps, nil
}

// RestoreSnapshot restores device state captured by CaptureSnapshot.
// Devices without an entry keep their current state.
func (c *Chipset) RestoreSnapshot(snaps map[string]hv.DeviceSnapshot) error {
	names := make([]string, 0, len(snaps))
	for name := range snaps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dev, ok := c.devices[name]
		if !ok {
			return fmt.Errorf("chipset: snapshot for unknown device %q", name)
		}
		snapshotter, ok := dev.(hv.DeviceSnapshotter)
		if !ok {
			return fmt.Errorf("chipset: device %q does not support snapshots", name)
		}
		if err := snapshotter.RestoreSnapshot(snaps[name]); err != nil {
			return fmt.Errorf("chipset: restore %q: %w", name, err)
		}
		slog.Debug("chipset: restored device", "name", name, "id", snapshotter.DeviceId())
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
