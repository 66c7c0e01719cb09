// Package config describes the machine layout loaded from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvdev/internal/hv/riscv/rv64"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid machine config")

const (
	DefaultRAMSize   Size = 1 << 20
	DefaultFlashSize Size = 64 << 10
)

// Machine is the device layout of one machine.
type Machine struct {
	RAM    RAMConfig    `yaml:"ram"`
	Flash  *FlashConfig `yaml:"flash,omitempty"`
	PLIC   DeviceConfig `yaml:"plic"`
	Syscon DeviceConfig `yaml:"syscon"`
}

type RAMConfig struct {
	Base Address `yaml:"base"`
	Size Size    `yaml:"size"`
}

type FlashConfig struct {
	Base     Address `yaml:"base"`
	Size     Size    `yaml:"size"`
	Image    string  `yaml:"image,omitempty"`    // Copied into flash at startup; relative to the config file
	ReadOnly *bool   `yaml:"readonly,omitempty"` // Default: true
}

// Writable reports whether the guest may write the flash.
func (f *FlashConfig) Writable() bool {
	return f.ReadOnly != nil && !*f.ReadOnly
}

// DeviceConfig places a fixed-size device.
type DeviceConfig struct {
	Base Address `yaml:"base"`
}

// Default returns the standard layout: 1M of RAM at 2G, 64K of read-only
// flash and the PLIC and system controller at their usual addresses.
func Default() Machine {
	m := Machine{Flash: &FlashConfig{}}
	m.normalize()
	return m
}

func (m *Machine) normalize() {
	if m.RAM.Base == 0 {
		m.RAM.Base = Address(rv64.RAMBase)
	}
	if m.RAM.Size == 0 {
		m.RAM.Size = DefaultRAMSize
	}
	if m.Flash != nil {
		if m.Flash.Base == 0 {
			m.Flash.Base = Address(rv64.FlashBase)
		}
		if m.Flash.Size == 0 {
			m.Flash.Size = DefaultFlashSize
		}
		if m.Flash.ReadOnly == nil {
			readonly := true
			m.Flash.ReadOnly = &readonly
		}
	}
	if m.PLIC.Base == 0 {
		m.PLIC.Base = Address(rv64.PLICBase)
	}
	if m.Syscon.Base == 0 {
		m.Syscon.Base = Address(rv64.SysconBase)
	}
}

// Validate checks the sizes of the buffer-backed devices. Overlapping
// windows are reported when the machine is assembled.
func (m Machine) Validate() error {
	if err := validateRegion("ram", m.RAM.Base, m.RAM.Size); err != nil {
		return err
	}
	if m.Flash != nil {
		if err := validateRegion("flash", m.Flash.Base, m.Flash.Size); err != nil {
			return err
		}
	}
	return nil
}

func validateRegion(name string, base Address, size Size) error {
	switch {
	case size == 0:
		return fmt.Errorf("%w: %s size is zero", ErrInvalid, name)
	case size%4 != 0:
		return fmt.Errorf("%w: %s size %s is not a multiple of 4", ErrInvalid, name, size)
	case uint64(size) > 1<<32-4:
		return fmt.Errorf("%w: %s size %s exceeds 4G", ErrInvalid, name, size)
	case uint64(base)+uint64(size) < uint64(base):
		return fmt.Errorf("%w: %s at %s with size %s wraps the address space", ErrInvalid, name, base, size)
	}
	return nil
}

// Load reads a machine description from path on fs. Missing fields take
// their defaults and a relative flash image is resolved against the
// directory of path.
func Load(fs afero.Fs, path string) (Machine, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}

	var m Machine
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Machine{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.normalize()

	if m.Flash != nil && m.Flash.Image != "" && !filepath.IsAbs(m.Flash.Image) {
		m.Flash.Image = filepath.Join(filepath.Dir(path), m.Flash.Image)
	}

	if err := m.Validate(); err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write encodes m as YAML to path on fs.
func Write(fs afero.Fs, path string, m Machine) error {
	if m.Flash != nil {
		flash := *m.Flash
		m.Flash = &flash
	}
	m.normalize()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
