package memory

import (
	"fmt"

	"github.com/tinyrange/rvdev/internal/hv"
)

type ramSnapshot struct {
	Data []byte
}

// DeviceId implements hv.DeviceSnapshotter.
func (r *RAM) DeviceId() string { return "ram" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (r *RAM) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	data := make([]byte, r.Len())
	if err := r.LoadBytes(0, data); err != nil {
		return nil, err
	}
	return &ramSnapshot{Data: data}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (r *RAM) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*ramSnapshot)
	if !ok {
		return fmt.Errorf("memory: invalid snapshot type %T", snap)
	}
	if uint32(len(data.Data)) != r.Len() {
		return fmt.Errorf("memory: snapshot holds 0x%x bytes, device has 0x%x", len(data.Data), r.Len())
	}
	return r.StoreBytes(0, data.Data)
}

var _ hv.DeviceSnapshotter = (*RAM)(nil)
