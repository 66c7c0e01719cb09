// Package flash implements a boot flash device backed by a memory buffer.
package flash

import (
	"fmt"
	"io"

	"github.com/tinyrange/rvdev/internal/devices/memory"
	"github.com/tinyrange/rvdev/internal/hv"
)

// Device is flash memory. When read-only, guest stores are dropped and
// atomic accesses are refused; the host can still load an image with
// LoadImage.
type Device struct {
	buf      *memory.Buffer
	readonly bool
}

// New allocates size bytes of zeroed flash.
func New(size uint32, readonly bool) (*Device, error) {
	buf, err := memory.NewBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("flash: %w", err)
	}
	return &Device{buf: buf, readonly: readonly}, nil
}

// ReadOnly reports whether guest writes are ignored.
func (d *Device) ReadOnly() bool {
	return d.readonly
}

// Data exposes the flash contents.
func (d *Device) Data() []byte {
	return d.buf.Bytes()
}

// LoadImage copies an image from r to the start of flash. The rest of the
// device is left untouched.
func (d *Device) LoadImage(r io.Reader) (int, error) {
	data := d.buf.Bytes()
	n, err := io.ReadFull(r, data)
	switch err {
	case nil:
		// Filled the device; anything left over does not fit.
		var probe [1]byte
		if extra, _ := r.Read(probe[:]); extra > 0 {
			return n, fmt.Errorf("flash: image larger than device (0x%x bytes)", len(data))
		}
	case io.EOF, io.ErrUnexpectedEOF:
	default:
		return n, fmt.Errorf("flash: load image: %w", err)
	}
	return n, nil
}

// Length implements hv.MemoryMappedDevice.
func (d *Device) Length() uint32 {
	return d.buf.Len()
}

// SupportedSizes implements hv.MemoryMappedDevice.
func (d *Device) SupportedSizes() uint8 {
	return hv.SizesAll
}

// Load implements hv.MemoryMappedDevice.
func (d *Device) Load(offset uint32, sizeLog2 uint8) (uint64, error) {
	return d.buf.Load(offset, sizeLog2)
}

// Store implements hv.MemoryMappedDevice.
func (d *Device) Store(offset uint32, value uint64, sizeLog2 uint8) error {
	if d.readonly {
		return d.check(offset, hv.SizeBytes(sizeLog2), sizeLog2)
	}
	return d.buf.Store(offset, value, sizeLog2)
}

// CompareAndSwap implements hv.MemoryMappedDevice.
func (d *Device) CompareAndSwap(offset uint32, expected, value uint64, sizeLog2 uint8) (bool, error) {
	if d.readonly {
		if err := d.check(offset, hv.SizeBytes(sizeLog2), sizeLog2); err != nil {
			return false, err
		}
		return false, hv.UnsupportedAtomic(offset, sizeLog2)
	}
	return d.buf.CompareAndSwap(offset, expected, value, sizeLog2)
}

// LoadBytes implements hv.DirectAccessDevice.
func (d *Device) LoadBytes(offset uint32, dst []byte) error {
	return d.buf.LoadBytes(offset, dst)
}

// StoreBytes implements hv.DirectAccessDevice. Read-only flash drops the
// write.
func (d *Device) StoreBytes(offset uint32, src []byte) error {
	if d.readonly {
		if uint64(offset)+uint64(len(src)) > uint64(d.Length()) {
			return hv.OutOfBounds(offset, hv.Size8Log2)
		}
		return nil
	}
	return d.buf.StoreBytes(offset, src)
}

func (d *Device) check(offset, width uint32, sizeLog2 uint8) error {
	if sizeLog2 > hv.Size64Log2 || !hv.InBounds(offset, width, d.Length()) {
		return hv.OutOfBounds(offset, sizeLog2)
	}
	return nil
}

// Close releases the backing memory.
func (d *Device) Close() error {
	return d.buf.Close()
}

var (
	_ hv.MemoryMappedDevice = (*Device)(nil)
	_ hv.DirectAccessDevice = (*Device)(nil)
	_ io.Closer             = (*Device)(nil)
)
