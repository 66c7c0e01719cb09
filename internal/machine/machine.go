// Package machine assembles the RISC-V device layer: RAM, boot flash, the
// PLIC and the system controller on one bus, wired to a single hart.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/tinyrange/rvdev/internal/chipset"
	"github.com/tinyrange/rvdev/internal/config"
	"github.com/tinyrange/rvdev/internal/devices/flash"
	"github.com/tinyrange/rvdev/internal/devices/memory"
	"github.com/tinyrange/rvdev/internal/devices/plic"
	"github.com/tinyrange/rvdev/internal/devices/syscon"
	"github.com/tinyrange/rvdev/internal/hv/riscv/rv64"
)

// ErrPoweredOff is returned for bus accesses after the guest powered off.
var ErrPoweredOff = errors.New("machine powered off")

// Device names on the bus.
const (
	DeviceRAM    = "ram"
	DeviceFlash  = "flash"
	DevicePLIC   = "plic"
	DeviceSyscon = "syscon"
)

type Options struct {
	// FS is used to read the flash image. Defaults to the OS filesystem.
	FS afero.Fs
	// ImageProgress, if set, returns a writer that observes the flash image
	// as it is copied in.
	ImageProgress func(name string, size int64) io.Writer
	Logger        *slog.Logger
}

type Machine struct {
	cfg config.Machine
	log *slog.Logger

	bus    *chipset.Chipset
	hart   *rv64.Hart
	ram    *memory.RAM
	flash  *flash.Device
	plic   *plic.PLIC
	syscon *syscon.Device

	resets    atomic.Uint64
	halted    atomic.Bool
	powerOff  chan struct{}
	powerOnce sync.Once
}

// New builds a machine from cfg.
func New(cfg config.Machine, opts Options) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Machine{
		cfg:      cfg,
		log:      opts.Logger,
		hart:     rv64.NewHart(0),
		plic:     plic.New(),
		powerOff: make(chan struct{}),
	}

	var err error
	closeOnError := func(c io.Closer) {
		if err != nil {
			c.Close()
		}
	}

	m.ram, err = memory.NewRAM(uint32(cfg.RAM.Size))
	if err != nil {
		return nil, fmt.Errorf("create ram: %w", err)
	}
	defer closeOnError(m.ram)

	if cfg.Flash != nil {
		m.flash, err = flash.New(uint32(cfg.Flash.Size), !cfg.Flash.Writable())
		if err != nil {
			return nil, fmt.Errorf("create flash: %w", err)
		}
		defer closeOnError(m.flash)

		if cfg.Flash.Image != "" {
			if err = m.loadImage(opts, cfg.Flash.Image); err != nil {
				return nil, err
			}
		}
	}

	m.plic.SetHart(m.hart)
	m.syscon = syscon.New(syscon.HandlerFuncs{
		OnReset:    m.Reset,
		OnPowerOff: m.PowerOff,
	}, m.log)

	b := chipset.NewBuilder()
	if err = b.RegisterDevice(DeviceRAM, uint64(cfg.RAM.Base), m.ram); err != nil {
		return nil, err
	}
	if m.flash != nil {
		if err = b.RegisterDevice(DeviceFlash, uint64(cfg.Flash.Base), m.flash); err != nil {
			return nil, err
		}
	}
	if err = b.RegisterDevice(DevicePLIC, uint64(cfg.PLIC.Base), m.plic); err != nil {
		return nil, err
	}
	if err = b.RegisterDevice(DeviceSyscon, uint64(cfg.Syscon.Base), m.syscon); err != nil {
		return nil, err
	}

	m.bus, err = b.Build()
	if err != nil {
		return nil, err
	}

	attrs := []any{
		"hart", m.hart.ID(),
		"ram", fmt.Sprintf("%s@%s", cfg.RAM.Size, cfg.RAM.Base),
	}
	if m.flash != nil {
		attrs = append(attrs,
			"flash", fmt.Sprintf("%s@%s", cfg.Flash.Size, cfg.Flash.Base),
			"flash_readonly", m.flash.ReadOnly())
	}
	m.log.Debug("machine: created", attrs...)
	return m, nil
}

func (m *Machine) loadImage(opts Options, path string) error {
	f, err := opts.FS.Open(path)
	if err != nil {
		return fmt.Errorf("open flash image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat flash image: %w", err)
	}
	if info.Size() > int64(m.flash.Length()) {
		return fmt.Errorf("flash image %s is 0x%x bytes, flash holds 0x%x", path, info.Size(), m.flash.Length())
	}

	var r io.Reader = f
	if opts.ImageProgress != nil {
		if w := opts.ImageProgress(path, info.Size()); w != nil {
			r = io.TeeReader(f, w)
		}
	}

	n, err := m.flash.LoadImage(r)
	if err != nil {
		return err
	}
	m.log.Debug("machine: loaded flash image", "path", path, "bytes", n)
	return nil
}

func (m *Machine) Config() config.Machine { return m.cfg }
func (m *Machine) Bus() *chipset.Chipset  { return m.bus }
func (m *Machine) Hart() *rv64.Hart       { return m.hart }
func (m *Machine) PLIC() *plic.PLIC       { return m.plic }
func (m *Machine) RAM() *memory.RAM       { return m.ram }

// Flash returns the boot flash, or nil when the machine has none.
func (m *Machine) Flash() *flash.Device { return m.flash }

// Resets returns how many times the machine was reset.
func (m *Machine) Resets() uint64 { return m.resets.Load() }

// Reset resets every device and clears the hart's pending interrupts. RAM
// and flash keep their contents.
func (m *Machine) Reset() {
	m.bus.Reset()
	m.hart.Reset()
	n := m.resets.Add(1)
	m.log.Info("machine: reset", "count", n)
}

// PowerOff halts the machine. Later calls have no effect.
func (m *Machine) PowerOff() {
	m.powerOnce.Do(func() {
		m.halted.Store(true)
		close(m.powerOff)
		m.log.Info("machine: powered off")
	})
}

// PoweredOff is closed once the machine powers off.
func (m *Machine) PoweredOff() <-chan struct{} {
	return m.powerOff
}

// Halted reports whether the machine has powered off.
func (m *Machine) Halted() bool {
	return m.halted.Load()
}

// InterruptLine returns a line that drives PLIC source.
func (m *Machine) InterruptLine(source int) (*chipset.Interrupt, error) {
	if source < 1 || source > plic.InterruptCount {
		return nil, fmt.Errorf("interrupt source %d out of range 1-%d", source, plic.InterruptCount)
	}
	line := chipset.NewInterrupt(source)
	line.Bind(m.plic)
	return line, nil
}

// Load reads from the bus on behalf of the hart.
func (m *Machine) Load(addr uint64, sizeLog2 uint8) (uint64, error) {
	if m.halted.Load() {
		return 0, ErrPoweredOff
	}
	return m.bus.Load(addr, sizeLog2)
}

// Store writes to the bus on behalf of the hart.
func (m *Machine) Store(addr uint64, value uint64, sizeLog2 uint8) error {
	if m.halted.Load() {
		return ErrPoweredOff
	}
	return m.bus.Store(addr, value, sizeLog2)
}

// CompareAndSwap performs an atomic bus access on behalf of the hart.
func (m *Machine) CompareAndSwap(addr uint64, expected, value uint64, sizeLog2 uint8) (bool, error) {
	if m.halted.Load() {
		return false, ErrPoweredOff
	}
	return m.bus.CompareAndSwap(addr, expected, value, sizeLog2)
}

// Close releases the memory behind RAM and flash.
func (m *Machine) Close() error {
	return m.bus.Close()
}
