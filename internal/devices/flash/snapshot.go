package flash

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/rvdev/internal/hv"
)

type flashSnapshot struct {
	Data []byte
}

func init() {
	gob.Register(&flashSnapshot{})
}

// DeviceId implements hv.DeviceSnapshotter.
func (d *Device) DeviceId() string { return "flash" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (d *Device) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	data := make([]byte, d.Length())
	if err := d.buf.LoadBytes(0, data); err != nil {
		return nil, err
	}
	return &flashSnapshot{Data: data}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter. The contents are
// restored even when the device is read-only.
func (d *Device) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*flashSnapshot)
	if !ok {
		return fmt.Errorf("flash: invalid snapshot type %T", snap)
	}
	if uint32(len(data.Data)) != d.Length() {
		return fmt.Errorf("flash: snapshot holds 0x%x bytes, device has 0x%x", len(data.Data), d.Length())
	}
	return d.buf.StoreBytes(0, data.Data)
}

var _ hv.DeviceSnapshotter = (*Device)(nil)
