package machine

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/tinyrange/rvdev/internal/hv"
)

type machineSnapshot struct {
	Mip     uint32
	Resets  uint64
	Devices map[string]hv.DeviceSnapshot
}

// SaveSnapshot writes the hart's pending interrupts and every device's state
// to w. The machine should not be running.
func (m *Machine) SaveSnapshot(w io.Writer) error {
	devices, err := m.bus.CaptureSnapshot()
	if err != nil {
		return err
	}
	snap := machineSnapshot{
		Mip:     m.hart.RaisedInterrupts(),
		Resets:  m.resets.Load(),
		Devices: devices,
	}

	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	gzw := gzip.NewWriter(w)
	if err := gob.NewEncoder(gzw).Encode(&snap); err != nil {
		gzw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot loads state written by SaveSnapshot. The machine must have
// the same layout as the one that was saved.
func (m *Machine) RestoreSnapshot(r io.Reader) error {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if magic != hv.SnapshotMagic {
		return fmt.Errorf("invalid magic: expected %#x, got %#x", hv.SnapshotMagic, magic)
	}
	if version != hv.SnapshotVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}
	defer gzr.Close()

	var snap machineSnapshot
	if err := gob.NewDecoder(gzr).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	// Devices drive their own lines into mip, so restore it first.
	m.hart.LowerInterrupts(^uint32(0))
	m.hart.RaiseInterrupts(snap.Mip)
	if err := m.bus.RestoreSnapshot(snap.Devices); err != nil {
		return err
	}
	m.resets.Store(snap.Resets)

	m.log.Debug("machine: restored snapshot", "devices", len(snap.Devices))
	return nil
}

// SaveSnapshotFile writes a snapshot to path on fs.
func (m *Machine) SaveSnapshotFile(fs afero.Fs, path string) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := m.SaveSnapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RestoreSnapshotFile restores a snapshot from path on fs.
func (m *Machine) RestoreSnapshotFile(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	return m.RestoreSnapshot(f)
}
