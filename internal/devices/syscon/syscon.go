// Package syscon implements the system controller used by firmware to reset
// or power off the machine.
package syscon

import (
	"log/slog"

	"github.com/tinyrange/rvdev/internal/hv"
)

// Command values written to the control register. Only the low 16 bits of a
// store are decoded.
const (
	CommandReset    = 0x1000
	CommandPowerOff = 0x2000
)

const length = 4

// Handler receives the guest's reset and power-off requests. Calls happen on
// the goroutine that performed the store.
type Handler interface {
	Reset()
	PowerOff()
}

// HandlerFuncs adapts plain functions to a Handler. Nil fields are skipped.
type HandlerFuncs struct {
	OnReset    func()
	OnPowerOff func()
}

func (h HandlerFuncs) Reset() {
	if h.OnReset != nil {
		h.OnReset()
	}
}

func (h HandlerFuncs) PowerOff() {
	if h.OnPowerOff != nil {
		h.OnPowerOff()
	}
}

// Device is a single write-only control register.
type Device struct {
	handler Handler
	log     *slog.Logger
}

// New returns a system controller that forwards commands to handler. A nil
// logger uses slog.Default().
func New(handler Handler, log *slog.Logger) *Device {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Device{handler: handler, log: log}
}

func (d *Device) Length() uint32 {
	return length
}

func (d *Device) SupportedSizes() uint8 {
	return hv.SizesAll
}

// Load always reads 0.
func (d *Device) Load(offset uint32, sizeLog2 uint8) (uint64, error) {
	return 0, nil
}

// Store decodes a command written to offset 0. Anything else is ignored.
func (d *Device) Store(offset uint32, value uint64, sizeLog2 uint8) error {
	if offset != 0 {
		return nil
	}

	switch value & 0xffff {
	case CommandReset:
		d.log.Info("syscon: guest requested reset")
		d.handler.Reset()
	case CommandPowerOff:
		d.log.Info("syscon: guest requested power off")
		d.handler.PowerOff()
	}
	return nil
}

// CompareAndSwap treats the register as always reading 0: the store happens
// only when expected is 0.
func (d *Device) CompareAndSwap(offset uint32, expected, value uint64, sizeLog2 uint8) (bool, error) {
	if expected != 0 {
		return false, nil
	}
	return true, d.Store(offset, value, sizeLog2)
}

var _ hv.MemoryMappedDevice = (*Device)(nil)
