package hv

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// DeviceSnapshot is an opaque, gob-encodable copy of a device's state.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state can be captured
// and later restored into a freshly constructed instance.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
