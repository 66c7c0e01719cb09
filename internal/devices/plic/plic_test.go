package plic

import (
	"bytes"
	"encoding/gob"
	"errors"
	"testing"

	"github.com/tinyrange/rvdev/internal/hv"
	"github.com/tinyrange/rvdev/internal/hv/riscv/rv64"
)

func newTestPLIC(t *testing.T) (*PLIC, *rv64.Hart) {
	t.Helper()
	hart := rv64.NewHart(0)
	p := New()
	p.SetHart(hart)
	return p, hart
}

func write32(t *testing.T, p *PLIC, offset uint32, value uint32) {
	t.Helper()
	if err := p.Store(offset, uint64(value), hv.Size32Log2); err != nil {
		t.Fatalf("store 0x%x: %v", offset, err)
	}
}

func read32(t *testing.T, p *PLIC, offset uint32) uint32 {
	t.Helper()
	v, err := p.Load(offset, hv.Size32Log2)
	if err != nil {
		t.Fatalf("load 0x%x: %v", offset, err)
	}
	return uint32(v)
}

func priorityOffset(source int) uint32 {
	return PriorityBase + uint32(source-1)*4
}

func enableOffset(ctx Context) uint32 {
	return EnableBase + uint32(ctx)*EnableStride
}

func thresholdOffset(ctx Context) uint32 {
	return ContextBase + uint32(ctx)*ContextStride + ContextThreshold
}

func claimOffset(ctx Context) uint32 {
	return ContextBase + uint32(ctx)*ContextStride + ContextClaim
}

func TestPLICClaimOrder(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(1), 1)
	write32(t, p, priorityOffset(2), 5)
	write32(t, p, priorityOffset(3), 5)
	write32(t, p, enableOffset(ContextMachine), 1<<1|1<<2|1<<3)

	p.RaiseInterrupts(1<<1 | 1<<2 | 1<<3)
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP not raised with enabled pending sources")
	}

	// Equal priorities resolve to the lowest source id.
	for _, want := range []uint32{2, 3, 1, 0} {
		if got := read32(t, p, claimOffset(ContextMachine)); got != want {
			t.Fatalf("claim = %d, want %d", got, want)
		}
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP still raised after every source was claimed")
	}
}

func TestPLICThreshold(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(4), 5)
	write32(t, p, enableOffset(ContextMachine), 1<<4)
	write32(t, p, thresholdOffset(ContextMachine), 5)
	p.RaiseInterrupts(1 << 4)

	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised for priority equal to threshold")
	}
	if got := read32(t, p, claimOffset(ContextMachine)); got != 0 {
		t.Fatalf("claim = %d, want 0", got)
	}

	write32(t, p, thresholdOffset(ContextMachine), 4)
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP not raised after lowering threshold")
	}
	if got := read32(t, p, claimOffset(ContextMachine)); got != 4 {
		t.Fatalf("claim = %d, want 4", got)
	}
}

func TestPLICThresholdRejectsOutOfRange(t *testing.T) {
	p, _ := newTestPLIC(t)

	write32(t, p, thresholdOffset(ContextSupervisor), 3)
	write32(t, p, thresholdOffset(ContextSupervisor), 8)
	if got := read32(t, p, thresholdOffset(ContextSupervisor)); got != 3 {
		t.Fatalf("threshold = %d, want 3", got)
	}
	if got := p.Threshold(ContextSupervisor); got != 3 {
		t.Fatalf("Threshold() = %d, want 3", got)
	}
}

func TestPLICPriorityMasked(t *testing.T) {
	p, _ := newTestPLIC(t)

	write32(t, p, priorityOffset(InterruptCount), 0xff)
	if got := read32(t, p, priorityOffset(InterruptCount)); got != 7 {
		t.Fatalf("priority = %d, want 7", got)
	}
}

func TestPLICClaimCompleteLifecycle(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(7), 1)
	write32(t, p, enableOffset(ContextMachine), 1<<7)

	p.RaiseInterrupts(1 << 7)
	if got := read32(t, p, PendingBase); got != 1<<7 {
		t.Fatalf("pending = 0x%x, want 0x%x", got, 1<<7)
	}

	if got := read32(t, p, claimOffset(ContextMachine)); got != 7 {
		t.Fatalf("claim = %d, want 7", got)
	}
	if p.Pending(7) || !p.Claimed(7) {
		t.Fatalf("after claim: pending=%v claimed=%v", p.Pending(7), p.Claimed(7))
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised while only source is claimed")
	}

	// A request arriving while in service is held until completion.
	p.RaiseInterrupts(1 << 7)
	if got := read32(t, p, PendingBase); got != 0 {
		t.Fatalf("pending while claimed = 0x%x, want 0", got)
	}
	if got := read32(t, p, claimOffset(ContextMachine)); got != 0 {
		t.Fatalf("second claim = %d, want 0", got)
	}

	write32(t, p, claimOffset(ContextMachine), 7)
	if p.Claimed(7) || !p.Pending(7) {
		t.Fatalf("after complete: pending=%v claimed=%v", p.Pending(7), p.Claimed(7))
	}
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP not raised for re-requested source after complete")
	}

	// Lowering withdraws the request.
	p.LowerInterrupts(1 << 7)
	if p.Pending(7) {
		t.Fatalf("source still pending after lower")
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP still raised after lower")
	}
}

func TestPLICLowerBeforeClaim(t *testing.T) {
	p, _ := newTestPLIC(t)

	write32(t, p, priorityOffset(2), 3)
	write32(t, p, enableOffset(ContextMachine), 1<<2)

	p.RaiseInterrupts(1 << 2)
	p.LowerInterrupts(1 << 2)
	if got := read32(t, p, claimOffset(ContextMachine)); got != 0 {
		t.Fatalf("claim after lower = %d, want 0", got)
	}
}

func TestPLICCompleteRejectsOutOfRange(t *testing.T) {
	p, _ := newTestPLIC(t)

	write32(t, p, priorityOffset(1), 1)
	write32(t, p, enableOffset(ContextMachine), 1<<1)
	p.RaiseInterrupts(1 << 1)
	if got := read32(t, p, claimOffset(ContextMachine)); got != 1 {
		t.Fatalf("claim = %d, want 1", got)
	}

	write32(t, p, claimOffset(ContextMachine), 32|1)
	if !p.Claimed(1) {
		t.Fatalf("complete of 33 released source 1")
	}
	write32(t, p, claimOffset(ContextMachine), 1)
	if p.Claimed(1) {
		t.Fatalf("complete of 1 did not release source 1")
	}
}

func TestPLICSupervisorContext(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(3), 2)
	write32(t, p, enableOffset(ContextSupervisor), 1<<3)
	p.RaiseInterrupts(1 << 3)

	if !hart.Pending(rv64.MipSEIP) {
		t.Fatalf("SEIP not raised")
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised for source only enabled on supervisor context")
	}
	if got := read32(t, p, claimOffset(ContextMachine)); got != 0 {
		t.Fatalf("machine claim = %d, want 0", got)
	}
	if got := read32(t, p, claimOffset(ContextSupervisor)); got != 3 {
		t.Fatalf("supervisor claim = %d, want 3", got)
	}
	if hart.Pending(rv64.MipSEIP) {
		t.Fatalf("SEIP still raised after claim")
	}
}

func TestPLICEnableWriteDoesNotRecompute(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(5), 1)
	p.RaiseInterrupts(1 << 5)
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised for disabled source")
	}

	write32(t, p, enableOffset(ContextMachine), 1<<5)
	if got := read32(t, p, enableOffset(ContextMachine)); got != 1<<5 {
		t.Fatalf("enable = 0x%x, want 0x%x", got, 1<<5)
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("enable write recomputed the output line")
	}

	// The next recompute picks it up.
	write32(t, p, thresholdOffset(ContextMachine), 0)
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP not raised after recompute")
	}
}

func TestPLICSourceZeroReserved(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, enableOffset(ContextMachine), 0xffffffff)
	p.RaiseInterrupts(1)
	if got := p.RaisedInterrupts(); got != 0 {
		t.Fatalf("RaisedInterrupts = 0x%x, want 0", got)
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("source 0 raised MEIP")
	}
	if got := read32(t, p, 0); got != 0 {
		t.Fatalf("source 0 priority = %d, want 0", got)
	}
	write32(t, p, 0, 7)
	if got := p.Priority(0); got != 0 {
		t.Fatalf("source 0 priority after write = %d, want 0", got)
	}
}

func TestPLICIgnoresNon32BitAccess(t *testing.T) {
	p, _ := newTestPLIC(t)

	write32(t, p, priorityOffset(1), 3)

	for _, size := range []uint8{hv.Size8Log2, hv.Size16Log2, hv.Size64Log2} {
		v, err := p.Load(priorityOffset(1), size)
		if err != nil {
			t.Fatalf("load size %d: %v", size, err)
		}
		if v != 0 {
			t.Fatalf("load size %d = %d, want 0", size, v)
		}
		if err := p.Store(priorityOffset(1), 6, size); err != nil {
			t.Fatalf("store size %d: %v", size, err)
		}
	}

	if got := read32(t, p, priorityOffset(1)); got != 3 {
		t.Fatalf("priority = %d, want 3", got)
	}

	// Misaligned 32-bit access is ignored as well.
	if v, _ := p.Load(priorityOffset(1)+1, hv.Size32Log2); v != 0 {
		t.Fatalf("misaligned load = %d, want 0", v)
	}
}

func TestPLICUnmappedOffsetsReadZero(t *testing.T) {
	p, _ := newTestPLIC(t)

	for _, offset := range []uint32{0x800, PendingBase + 4, enableOffset(ContextMachine) + 4, ContextBase + 8, 0x300000} {
		if got := read32(t, p, offset); got != 0 {
			t.Fatalf("read 0x%x = 0x%x, want 0", offset, got)
		}
		write32(t, p, offset, 0xffffffff)
	}

	if _, err := p.Load(Length, hv.Size32Log2); !errors.Is(err, hv.ErrOutOfBounds) {
		t.Fatalf("load past end error = %v, want ErrOutOfBounds", err)
	}
}

func TestPLICCompareAndSwapUnsupported(t *testing.T) {
	p, _ := newTestPLIC(t)

	swapped, err := p.CompareAndSwap(priorityOffset(1), 0, 1, hv.Size32Log2)
	if swapped {
		t.Fatalf("compare-and-swap reported success")
	}
	if !errors.Is(err, hv.ErrUnsupportedAtomicAccess) {
		t.Fatalf("error = %v, want ErrUnsupportedAtomicAccess", err)
	}
}

func TestPLICReset(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(1), 4)
	write32(t, p, enableOffset(ContextMachine), 1<<1)
	p.RaiseInterrupts(1 << 1)
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP not raised")
	}

	p.Reset()
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised after reset")
	}
	if p.Priority(1) != 0 || p.Enabled(ContextMachine, 1) || p.Pending(1) {
		t.Fatalf("state survived reset")
	}
}

func TestPLICSnapshotRestore(t *testing.T) {
	p, _ := newTestPLIC(t)

	write32(t, p, priorityOffset(1), 2)
	write32(t, p, priorityOffset(9), 6)
	write32(t, p, enableOffset(ContextMachine), 1<<1|1<<9)
	write32(t, p, thresholdOffset(ContextSupervisor), 1)
	p.RaiseInterrupts(1<<1 | 1<<9)
	if got := read32(t, p, claimOffset(ContextMachine)); got != 9 {
		t.Fatalf("claim = %d, want 9", got)
	}

	snap, err := p.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	var buf bytes.Buffer
	var boxed hv.DeviceSnapshot = snap
	if err := gob.NewEncoder(&buf).Encode(&boxed); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded hv.DeviceSnapshot
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored, hart := newTestPLIC(t)
	if err := restored.RestoreSnapshot(decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !restored.Claimed(9) || !restored.Pending(1) {
		t.Fatalf("restored claim state: claimed(9)=%v pending(1)=%v", restored.Claimed(9), restored.Pending(1))
	}
	if got := restored.Threshold(ContextSupervisor); got != 1 {
		t.Fatalf("restored threshold = %d, want 1", got)
	}
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("restore did not drive MEIP")
	}
	if got := read32(t, restored, claimOffset(ContextMachine)); got != 1 {
		t.Fatalf("claim after restore = %d, want 1", got)
	}
}

func TestPLICRestoreRejectsBadSnapshot(t *testing.T) {
	p, _ := newTestPLIC(t)

	if err := p.RestoreSnapshot(struct{}{}); err == nil {
		t.Fatalf("restore accepted foreign snapshot type")
	}
	if err := p.RestoreSnapshot(&plicSnapshot{Threshold: [contextCount]uint32{9, 0}}); err == nil {
		t.Fatalf("restore accepted out of range threshold")
	}
}

func TestPLICSourceFiveScenario(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(5), 3)
	write32(t, p, enableOffset(ContextMachine), 1<<5)
	write32(t, p, thresholdOffset(ContextMachine), 2)

	p.RaiseInterrupts(1 << 5)
	if !hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP not raised")
	}

	if got := read32(t, p, claimOffset(ContextMachine)); got != 5 {
		t.Fatalf("claim = %d, want 5", got)
	}
	if p.Pending(5) || !p.Claimed(5) {
		t.Fatalf("after claim: pending=%v claimed=%v", p.Pending(5), p.Claimed(5))
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised with no other eligible source")
	}

	write32(t, p, claimOffset(ContextMachine), 5)
	if p.Claimed(5) {
		t.Fatalf("complete did not clear claimed")
	}
	if hart.Pending(rv64.MipMEIP) {
		t.Fatalf("MEIP raised with nothing pending")
	}
}

func TestPLICConfigurationIdempotent(t *testing.T) {
	once, onceHart := newTestPLIC(t)
	twice, twiceHart := newTestPLIC(t)

	for _, p := range []*PLIC{once, twice} {
		write32(t, p, enableOffset(ContextMachine), 1<<6)
		p.RaiseInterrupts(1 << 6)
	}

	write32(t, once, priorityOffset(6), 2)
	write32(t, once, thresholdOffset(ContextMachine), 1)

	write32(t, twice, priorityOffset(6), 2)
	write32(t, twice, priorityOffset(6), 2)
	write32(t, twice, thresholdOffset(ContextMachine), 1)
	write32(t, twice, thresholdOffset(ContextMachine), 1)

	if onceHart.RaisedInterrupts() != twiceHart.RaisedInterrupts() {
		t.Fatalf("mip differs: once=0x%x twice=0x%x", onceHart.RaisedInterrupts(), twiceHart.RaisedInterrupts())
	}
	if read32(t, once, PendingBase) != read32(t, twice, PendingBase) {
		t.Fatalf("pending differs")
	}
}

func TestPLICClaimExclusiveAcrossContexts(t *testing.T) {
	p, hart := newTestPLIC(t)

	write32(t, p, priorityOffset(4), 2)
	write32(t, p, enableOffset(ContextMachine), 1<<4)
	write32(t, p, enableOffset(ContextSupervisor), 1<<4)
	p.RaiseInterrupts(1 << 4)

	if !hart.Pending(rv64.MipMEIP) || !hart.Pending(rv64.MipSEIP) {
		t.Fatalf("mip = 0x%x, want MEIP and SEIP", hart.RaisedInterrupts())
	}

	if got := read32(t, p, claimOffset(ContextMachine)); got != 4 {
		t.Fatalf("machine claim = %d, want 4", got)
	}
	if hart.Pending(rv64.MipSEIP) {
		t.Fatalf("SEIP still raised for a source claimed by the machine context")
	}
	if got := read32(t, p, claimOffset(ContextSupervisor)); got != 0 {
		t.Fatalf("supervisor claim = %d, want 0", got)
	}

	// A latched request stays out of reach of both contexts until complete.
	p.RaiseInterrupts(1 << 4)
	if got := read32(t, p, claimOffset(ContextSupervisor)); got != 0 {
		t.Fatalf("supervisor claim while in service = %d, want 0", got)
	}

	write32(t, p, claimOffset(ContextMachine), 4)
	if got := read32(t, p, claimOffset(ContextSupervisor)); got != 4 {
		t.Fatalf("supervisor claim after complete = %d, want 4", got)
	}
	if got := read32(t, p, claimOffset(ContextMachine)); got != 0 {
		t.Fatalf("machine claim = %d, want 0", got)
	}
	write32(t, p, claimOffset(ContextSupervisor), 4)
	if p.Claimed(4) {
		t.Fatalf("source 4 still claimed")
	}
}
