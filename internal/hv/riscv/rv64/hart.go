package rv64

import (
	"context"
	"sync/atomic"

	"github.com/tinyrange/rvdev/internal/chipset"
)

// Hart models the interrupt-facing half of a hardware thread: its mip
// register. Interrupt controllers such as the PLIC drive bits in it from any
// goroutine; the hart's own execution loop observes them.
type Hart struct {
	id   int
	mip  atomic.Uint32
	wake chan struct{}
}

// NewHart creates a hart with no interrupts pending.
func NewHart(id int) *Hart {
	return &Hart{
		id:   id,
		wake: make(chan struct{}, 1),
	}
}

// ID returns the hart id (mhartid).
func (h *Hart) ID() int {
	return h.id
}

// RaiseInterrupts sets the given mip bits. Setting a bit that is already set
// is a no-op.
func (h *Hart) RaiseInterrupts(mask uint32) {
	for {
		old := h.mip.Load()
		if old&mask == mask {
			return
		}
		if h.mip.CompareAndSwap(old, old|mask) {
			break
		}
	}

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// LowerInterrupts clears the given mip bits.
func (h *Hart) LowerInterrupts(mask uint32) {
	for {
		old := h.mip.Load()
		if old&mask == 0 {
			return
		}
		if h.mip.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// RaisedInterrupts returns the current mip value.
func (h *Hart) RaisedInterrupts() uint32 {
	return h.mip.Load()
}

// Pending reports whether any bit in mask is set in mip.
func (h *Hart) Pending(mask uint32) bool {
	return h.mip.Load()&mask != 0
}

// WaitForInterrupt blocks like WFI until one of the bits in mask is pending
// or ctx is done. It returns the pending bits that ended the wait.
func (h *Hart) WaitForInterrupt(ctx context.Context, mask uint32) (uint32, error) {
	for {
		if pending := h.mip.Load() & mask; pending != 0 {
			return pending, nil
		}
		select {
		case <-h.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Reset clears every pending bit.
func (h *Hart) Reset() {
	h.mip.Store(0)
}

var _ chipset.InterruptController = (*Hart)(nil)
