package rv64

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHartRaiseLower(t *testing.T) {
	h := NewHart(0)
	if h.ID() != 0 {
		t.Fatalf("ID = %d, want 0", h.ID())
	}
	if id := NewHart(3).ID(); id != 3 {
		t.Fatalf("ID = %d, want 3", id)
	}

	h.RaiseInterrupts(MipMEIP)
	h.RaiseInterrupts(MipMEIP)
	if got := h.RaisedInterrupts(); got != MipMEIP {
		t.Fatalf("mip = 0x%x, want 0x%x", got, MipMEIP)
	}

	h.RaiseInterrupts(MipSEIP)
	h.LowerInterrupts(MipMEIP)
	if got := h.RaisedInterrupts(); got != MipSEIP {
		t.Fatalf("mip = 0x%x, want 0x%x", got, MipSEIP)
	}

	h.LowerInterrupts(MipMEIP)
	if !h.Pending(MipSEIP) || h.Pending(MipMEIP) {
		t.Fatalf("unexpected mip 0x%x", h.RaisedInterrupts())
	}

	h.Reset()
	if got := h.RaisedInterrupts(); got != 0 {
		t.Fatalf("mip after reset = 0x%x", got)
	}
}

func TestHartWaitForInterruptWakes(t *testing.T) {
	h := NewHart(0)

	done := make(chan uint32, 1)
	go func() {
		pending, err := h.WaitForInterrupt(context.Background(), MipMEIP|MipSEIP)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- pending
	}()

	// Bits outside the mask must not end the wait.
	h.RaiseInterrupts(MipMTIP)
	select {
	case <-done:
		t.Fatalf("wait returned for masked-out interrupt")
	case <-time.After(20 * time.Millisecond):
	}

	h.RaiseInterrupts(MipSEIP)
	select {
	case pending := <-done:
		if pending != MipSEIP {
			t.Fatalf("pending = 0x%x, want 0x%x", pending, MipSEIP)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return after raise")
	}
}

func TestHartWaitForInterruptAlreadyPending(t *testing.T) {
	h := NewHart(0)
	h.RaiseInterrupts(MipMEIP)

	pending, err := h.WaitForInterrupt(context.Background(), MipMEIP)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if pending != MipMEIP {
		t.Fatalf("pending = 0x%x, want 0x%x", pending, MipMEIP)
	}
}

func TestHartWaitForInterruptCancel(t *testing.T) {
	h := NewHart(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := h.WaitForInterrupt(ctx, MipMEIP); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait error = %v, want DeadlineExceeded", err)
	}
}
