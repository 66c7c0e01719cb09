// Package plic implements a RISC-V Platform-Level Interrupt Controller with
// 31 sources serving a single hart through two contexts: context 0 drives
// the machine external interrupt (MEIP) and context 1 the supervisor
// external interrupt (SEIP).
//
// See: https://github.com/riscv/riscv-plic-spec/blob/master/riscv-plic.adoc
package plic

import (
	"math/bits"
	"sync/atomic"

	"github.com/tinyrange/rvdev/internal/chipset"
	"github.com/tinyrange/rvdev/internal/hv"
	"github.com/tinyrange/rvdev/internal/hv/riscv/rv64"
)

// InterruptCount is the number of usable sources. Source 0 is reserved so
// that a claim can return 0 for "no interrupt".
const InterruptCount = 31

// PLIC register offsets
const (
	PriorityBase  = 0x000004 // Priority of source 1; source s at PriorityBase + 4*(s-1)
	PendingBase   = 0x001000 // Pending bits, one word per 32 sources
	EnableBase    = 0x002000 // Enable bits per context
	EnableStride  = 0x80
	ContextBase   = 0x200000 // Threshold and claim/complete per context
	ContextStride = 0x1000
	Length        = 0x04000000

	ContextThreshold = 0x0
	ContextClaim     = 0x4
)

const (
	sourceCount  = InterruptCount + 1 // includes the always-off source 0
	sourceWords  = (sourceCount + 31) >> 5
	contextCount = 2
	maxPriority  = 7 // must have all bits set, it doubles as the priority mask
)

// Context identifies one of the two interrupt targets of the hart.
type Context int

const (
	ContextMachine    Context = 0
	ContextSupervisor Context = 1
)

func (c Context) valid() bool {
	return c >= 0 && c < contextCount
}

// PLIC is safe for concurrent use by any number of peripheral goroutines
// calling RaiseInterrupts/LowerInterrupts and one hart goroutine accessing
// the register window.
//
// Request and claimed bits for each group of 32 sources share one 64-bit
// word (request in the low half, claimed in the high half) that is only
// changed through compare-and-swap, so a claim moves a source from pending
// to claimed in a single step. A source is pending when it is requested and
// not claimed. A request arriving while the source is claimed is held and
// becomes pending again once the claim is completed.
//
// Priority, threshold and enable state is written only by the hart. It is
// kept in atomics purely so arbitration on other goroutines reads whole
// values; every write that matters is followed by a recompute.
type PLIC struct {
	lines [contextCount]*chipset.Interrupt

	words     [sourceWords]atomic.Uint64
	priority  [sourceCount]atomic.Uint32
	threshold [contextCount]atomic.Uint32
	enabled   [contextCount][sourceWords]atomic.Uint32
}

// New creates a PLIC with unbound output lines. Call SetHart before use.
func New() *PLIC {
	return &PLIC{
		lines: [contextCount]*chipset.Interrupt{
			chipset.NewInterrupt(rv64.MEIPShift),
			chipset.NewInterrupt(rv64.SEIPShift),
		},
	}
}

// SetHart binds both output lines to the hart's interrupt controller.
func (p *PLIC) SetHart(hart chipset.InterruptController) {
	for _, line := range p.lines {
		line.Bind(hart)
	}
}

// Interrupts returns the output lines, indexed by Context.
func (p *PLIC) Interrupts() []*chipset.Interrupt {
	return p.lines[:]
}

// Length implements hv.MemoryMappedDevice.
func (p *PLIC) Length() uint32 {
	return Length
}

// SupportedSizes implements hv.MemoryMappedDevice.
func (p *PLIC) SupportedSizes() uint8 {
	return 1 << hv.Size32Log2
}

// Load implements hv.MemoryMappedDevice.
func (p *PLIC) Load(offset uint32, sizeLog2 uint8) (uint64, error) {
	if !hv.InBounds(offset, hv.SizeBytes(sizeLog2), Length) {
		return 0, hv.OutOfBounds(offset, sizeLog2)
	}
	if sizeLog2 != hv.Size32Log2 || offset&3 != 0 {
		return 0, nil
	}

	switch {
	case offset >= PriorityBase && offset < PriorityBase+InterruptCount*4:
		// base + 0x000004: Interrupt source 1 priority
		// base + 0x000008: Interrupt source 2 priority
		// ...
		source := (offset-PriorityBase)>>2 + 1
		return uint64(p.priority[source].Load()), nil

	case offset >= PendingBase && offset < PendingBase+sourceWords*4:
		// base + 0x001000: Interrupt pending bits 0-31
		word := (offset - PendingBase) >> 2
		return uint64(pendingBits(p.words[word].Load())), nil

	case offset >= EnableBase && offset < EnableBase+contextCount*EnableStride:
		// base + 0x002000: Enable bits for sources 0-31 on context 0
		// base + 0x002080: Enable bits for sources 0-31 on context 1
		context := (offset - EnableBase) / EnableStride
		word := (offset & (EnableStride - 1)) >> 2
		if word < sourceWords {
			return uint64(p.enabled[context][word].Load()), nil
		}

	case offset >= ContextBase && offset < ContextBase+contextCount*ContextStride:
		// base + 0x200000: Priority threshold for context 0
		// base + 0x200004: Claim/complete for context 0
		// base + 0x201000: Priority threshold for context 1
		// ...
		context := (offset - ContextBase) / ContextStride
		switch offset & (ContextStride - 1) {
		case ContextThreshold:
			return uint64(p.threshold[context].Load()), nil
		case ContextClaim:
			source := p.claim(int(context))
			p.updateInterrupts()
			return uint64(source), nil
		}
	}

	return 0, nil
}

// Store implements hv.MemoryMappedDevice.
func (p *PLIC) Store(offset uint32, value uint64, sizeLog2 uint8) error {
	if !hv.InBounds(offset, hv.SizeBytes(sizeLog2), Length) {
		return hv.OutOfBounds(offset, sizeLog2)
	}
	if sizeLog2 != hv.Size32Log2 || offset&3 != 0 {
		return nil
	}

	v := uint32(value)

	switch {
	case offset >= PriorityBase && offset < PriorityBase+InterruptCount*4:
		source := (offset-PriorityBase)>>2 + 1
		p.priority[source].Store(v & maxPriority)
		p.updateInterrupts()

	case offset >= EnableBase && offset < EnableBase+contextCount*EnableStride:
		// Enable changes are picked up by the next recompute.
		context := (offset - EnableBase) / EnableStride
		word := (offset & (EnableStride - 1)) >> 2
		if word < sourceWords {
			p.enabled[context][word].Store(v)
		}

	case offset >= ContextBase && offset < ContextBase+contextCount*ContextStride:
		context := (offset - ContextBase) / ContextStride
		switch offset & (ContextStride - 1) {
		case ContextThreshold:
			if v <= maxPriority {
				p.threshold[context].Store(v)
				p.updateInterrupts()
			}
		case ContextClaim: // Complete
			if v < sourceCount {
				p.setClaimed(v, false)
				p.updateInterrupts()
			}
		}
	}

	return nil
}

// CompareAndSwap implements hv.MemoryMappedDevice. PLIC registers do not
// support atomic access.
func (p *PLIC) CompareAndSwap(offset uint32, expected, value uint64, sizeLog2 uint8) (bool, error) {
	return false, hv.UnsupportedAtomic(offset, sizeLog2)
}

// RaiseInterrupts marks every source whose bit is set in mask as requested.
// Bit i is source i; bit 0 is ignored.
func (p *PLIC) RaiseInterrupts(mask uint32) {
	if mask &^= 1; mask != 0 {
		p.updateRequest(0, mask, true)
	}
	p.updateInterrupts()
}

// LowerInterrupts withdraws the request of every source in mask.
func (p *PLIC) LowerInterrupts(mask uint32) {
	if mask &^= 1; mask != 0 {
		p.updateRequest(0, mask, false)
	}
	p.updateInterrupts()
}

// RaisedInterrupts returns the pending bits of sources 0-31.
func (p *PLIC) RaisedInterrupts() uint32 {
	return pendingBits(p.words[0].Load())
}

// Reset returns the controller to its power-on state and lowers both lines.
func (p *PLIC) Reset() {
	for i := range p.words {
		p.words[i].Store(0)
	}
	for i := range p.priority {
		p.priority[i].Store(0)
	}
	for ctx := range p.threshold {
		p.threshold[ctx].Store(0)
		for w := range p.enabled[ctx] {
			p.enabled[ctx][w].Store(0)
		}
	}
	p.updateInterrupts()
}

// Pending reports whether source is waiting to be claimed.
func (p *PLIC) Pending(source int) bool {
	word, mask, ok := sourceBit(source)
	return ok && pendingBits(p.words[word].Load())&mask != 0
}

// Claimed reports whether source has been claimed and not yet completed.
func (p *PLIC) Claimed(source int) bool {
	word, mask, ok := sourceBit(source)
	return ok && claimedBits(p.words[word].Load())&mask != 0
}

// Priority returns the configured priority of source.
func (p *PLIC) Priority(source int) uint32 {
	if source <= 0 || source >= sourceCount {
		return 0
	}
	return p.priority[source].Load()
}

// Threshold returns the priority threshold of ctx.
func (p *PLIC) Threshold(ctx Context) uint32 {
	if !ctx.valid() {
		return 0
	}
	return p.threshold[ctx].Load()
}

// Enabled reports whether source is enabled for ctx.
func (p *PLIC) Enabled(ctx Context, source int) bool {
	word, mask, ok := sourceBit(source)
	return ok && ctx.valid() && p.enabled[ctx][word].Load()&mask != 0
}

func sourceBit(source int) (word int, mask uint32, ok bool) {
	if source < 0 || source >= sourceCount {
		return 0, 0, false
	}
	return source >> 5, 1 << uint(source&31), true
}

func requestBits(v uint64) uint32 { return uint32(v) }
func claimedBits(v uint64) uint32 { return uint32(v >> 32) }
func pendingBits(v uint64) uint32 { return uint32(v) &^ uint32(v>>32) }

func packWord(request, claimed uint32) uint64 {
	return uint64(request) | uint64(claimed)<<32
}

func (p *PLIC) updateRequest(word int, mask uint32, set bool) {
	w := &p.words[word]
	for {
		old := w.Load()
		request := requestBits(old)
		if set {
			request |= mask
		} else {
			request &^= mask
		}
		next := packWord(request, claimedBits(old))
		if next == old || w.CompareAndSwap(old, next) {
			return
		}
	}
}

func (p *PLIC) setClaimed(source uint32, value bool) {
	w := &p.words[source>>5]
	mask := uint32(1) << (source & 31)
	for {
		old := w.Load()
		claimed := claimedBits(old)
		if value {
			claimed |= mask
		} else {
			claimed &^= mask
		}
		next := packWord(requestBits(old), claimed)
		if next == old || w.CompareAndSwap(old, next) {
			return
		}
	}
}

// claim picks the highest priority pending source enabled for context that
// beats its threshold, lowest id first on ties, and marks it claimed.
func (p *PLIC) claim(context int) uint32 {
	for {
		var (
			best         uint32
			bestPriority = p.threshold[context].Load()
			bestWord     int
			bestValue    uint64
		)

		for i := 0; i < sourceWords; i++ {
			value := p.words[i].Load()
			candidates := pendingBits(value) & p.enabled[context][i].Load()
			for candidates != 0 {
				source := uint32(i<<5 + bits.TrailingZeros32(candidates))
				candidates &= candidates - 1
				if priority := p.priority[source].Load(); priority > bestPriority {
					best = source
					bestPriority = priority
					bestWord = i
					bestValue = value
				}
			}
		}

		if best == 0 {
			return 0
		}

		// Transfer pending -> claimed. If the word moved since the scan the
		// choice may be stale, so scan again.
		mask := uint32(1) << (best & 31)
		next := packWord(requestBits(bestValue)&^mask, claimedBits(bestValue)|mask)
		if p.words[bestWord].CompareAndSwap(bestValue, next) {
			return best
		}
	}
}

func (p *PLIC) hasPending(context int) bool {
	threshold := p.threshold[context].Load()
	for i := 0; i < sourceWords; i++ {
		candidates := pendingBits(p.words[i].Load()) & p.enabled[context][i].Load()
		for candidates != 0 {
			source := i<<5 + bits.TrailingZeros32(candidates)
			candidates &= candidates - 1
			if p.priority[source].Load() > threshold {
				return true
			}
		}
	}
	return false
}

// updateInterrupts drives each context's output line from its current state.
//
// Evaluations on different goroutines may reach the line out of order, so
// the state is checked again after each write and the line is driven until
// the two agree. Whoever changes state last also writes the line last.
//
// The loop is lock-free like the CAS loops above: it only goes around again
// when another goroutine completed a state change in between, so some
// caller always makes progress and a caller retries at most once per
// concurrent change.
func (p *PLIC) updateInterrupts() {
	for context, line := range p.lines {
		level := p.hasPending(context)
		for {
			line.SetLevel(level)
			now := p.hasPending(context)
			if now == level {
				break
			}
			level = now
		}
	}
}

var (
	_ hv.MemoryMappedDevice       = (*PLIC)(nil)
	_ hv.Resetter                 = (*PLIC)(nil)
	_ chipset.InterruptController = (*PLIC)(nil)
)
