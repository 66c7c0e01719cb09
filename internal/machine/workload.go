package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rvdev/internal/chipset"
	"github.com/tinyrange/rvdev/internal/devices/plic"
	"github.com/tinyrange/rvdev/internal/devices/syscon"
	"github.com/tinyrange/rvdev/internal/hv"
	"github.com/tinyrange/rvdev/internal/hv/riscv/rv64"
)

// CounterOffset is where the workload keeps its per-source event counters:
// one little-endian 32-bit word per source id, starting at this RAM offset.
const CounterOffset = 0x0

type WorkloadConfig struct {
	Sources []int // PLIC sources to drive, 1-31
	Events  int   // Interrupts raised per source
	// Progress is called from the hart goroutine with the number of newly
	// handled events.
	Progress func(n int)
}

type WorkloadStats struct {
	Handled     int
	Counters    map[int]uint32 // Counter value in RAM per source after the run
	Claims      [2]int         // Successful claims per context
	EmptyClaims int            // Claims that returned 0
	CASRetries  int
	Duration    time.Duration
}

// RunWorkload drives interrupts from one goroutine per source into the PLIC
// and services them from a hart goroutine that talks to the devices only
// over the bus. Each handled event bumps the source's counter in RAM. When
// every event has been handled the hart powers the machine off through the
// system controller.
func RunWorkload(ctx context.Context, m *Machine, cfg WorkloadConfig) (WorkloadStats, error) {
	if cfg.Events <= 0 {
		return WorkloadStats{}, fmt.Errorf("workload: events must be positive, got %d", cfg.Events)
	}
	if len(cfg.Sources) == 0 {
		return WorkloadStats{}, errors.New("workload: no sources")
	}
	if uint64(CounterOffset+4*(plic.InterruptCount+1)) > uint64(m.cfg.RAM.Size) {
		return WorkloadStats{}, fmt.Errorf("workload: ram too small for counters")
	}

	acks := make(map[int]chan struct{}, len(cfg.Sources))
	lines := make(map[int]*chipset.Interrupt, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s < 1 || s > plic.InterruptCount {
			return WorkloadStats{}, fmt.Errorf("workload: source %d out of range 1-%d", s, plic.InterruptCount)
		}
		if _, dup := acks[s]; dup {
			return WorkloadStats{}, fmt.Errorf("workload: source %d listed twice", s)
		}
		line, err := m.InterruptLine(s)
		if err != nil {
			return WorkloadStats{}, err
		}
		acks[s] = make(chan struct{}, 1)
		lines[s] = line
	}

	h := &workloadHart{m: m, acks: acks, lines: lines, progress: cfg.Progress}
	if err := h.program(cfg.Sources); err != nil {
		return WorkloadStats{}, err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	// Each peripheral raises its line and waits until the hart has serviced
	// it. Servicing lowers the line, like reading a device's status register
	// deasserts a level-triggered interrupt.
	for _, s := range cfg.Sources {
		line, ack := lines[s], acks[s]
		g.Go(func() error {
			for i := 0; i < cfg.Events; i++ {
				line.Raise()
				select {
				case <-ack:
				case <-gctx.Done():
					line.Lower()
					return gctx.Err()
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		return h.run(gctx, len(cfg.Sources)*cfg.Events)
	})

	if err := g.Wait(); err != nil {
		return WorkloadStats{}, fmt.Errorf("workload: %w", err)
	}

	stats := WorkloadStats{
		Handled:     h.handled,
		Counters:    make(map[int]uint32, len(cfg.Sources)),
		Claims:      h.claims,
		EmptyClaims: h.empty,
		CASRetries:  h.retries,
		Duration:    time.Since(start),
	}
	// The hart powered the machine off, so read the counters host-side.
	for _, s := range cfg.Sources {
		v, err := m.bus.Load(h.counterAddr(s), hv.Size32Log2)
		if err != nil {
			return stats, fmt.Errorf("workload: read counter %d: %w", s, err)
		}
		stats.Counters[s] = uint32(v)
	}
	return stats, nil
}

// workloadHart is the guest side of the workload. Its fields are only
// touched by the hart goroutine until the errgroup finishes.
type workloadHart struct {
	m        *Machine
	acks     map[int]chan struct{}
	lines    map[int]*chipset.Interrupt
	progress func(int)

	handled int
	claims  [2]int
	empty   int
	retries int
}

func (h *workloadHart) plicAddr(offset uint32) uint64 {
	return uint64(h.m.cfg.PLIC.Base) + uint64(offset)
}

func (h *workloadHart) counterAddr(source int) uint64 {
	return uint64(h.m.cfg.RAM.Base) + CounterOffset + 4*uint64(source)
}

func contextOf(source int) plic.Context {
	if source%2 == 0 {
		return plic.ContextMachine
	}
	return plic.ContextSupervisor
}

// program sets priorities 1+s%7, routes even sources to the machine context
// and odd ones to the supervisor context, and opens both thresholds.
func (h *workloadHart) program(sources []int) error {
	var enable [2]uint32
	for _, s := range sources {
		addr := h.plicAddr(plic.PriorityBase + 4*uint32(s-1))
		if err := h.m.Store(addr, uint64(1+s%7), hv.Size32Log2); err != nil {
			return fmt.Errorf("workload: program priority %d: %w", s, err)
		}
		enable[contextOf(s)] |= 1 << uint(s)
	}
	for ctx, bits := range enable {
		base := plic.ContextBase + uint32(ctx)*plic.ContextStride
		if err := h.m.Store(h.plicAddr(base+plic.ContextThreshold), 0, hv.Size32Log2); err != nil {
			return fmt.Errorf("workload: program threshold: %w", err)
		}
		addr := h.plicAddr(plic.EnableBase + uint32(ctx)*plic.EnableStride)
		if err := h.m.Store(addr, uint64(bits), hv.Size32Log2); err != nil {
			return fmt.Errorf("workload: program enable: %w", err)
		}
	}
	return nil
}

func (h *workloadHart) run(ctx context.Context, total int) error {
	hart := h.m.Hart()
	lines := [2]uint32{rv64.MipMEIP, rv64.MipSEIP}

	for h.handled < total {
		pending, err := hart.WaitForInterrupt(ctx, rv64.MipMEIP|rv64.MipSEIP)
		if err != nil {
			return err
		}
		for i, mask := range lines {
			if pending&mask == 0 {
				continue
			}
			if err := h.service(plic.Context(i)); err != nil {
				return err
			}
		}
	}

	if err := h.m.Store(uint64(h.m.cfg.Syscon.Base), syscon.CommandPowerOff, hv.Size32Log2); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}

// service claims one source on ctx, bumps its counter, services the
// peripheral and completes the claim.
func (h *workloadHart) service(ctx plic.Context) error {
	claim := h.plicAddr(plic.ContextBase + uint32(ctx)*plic.ContextStride + plic.ContextClaim)

	v, err := h.m.Load(claim, hv.Size32Log2)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	source := int(v)
	if source == 0 {
		h.empty++
		return nil
	}
	ack, ok := h.acks[source]
	if !ok {
		return fmt.Errorf("claimed unexpected source %d", source)
	}
	h.claims[ctx]++

	addr := h.counterAddr(source)
	for {
		old, err := h.m.Load(addr, hv.Size32Log2)
		if err != nil {
			return fmt.Errorf("read counter: %w", err)
		}
		swapped, err := h.m.CompareAndSwap(addr, old, uint64(uint32(old)+1), hv.Size32Log2)
		if err != nil {
			return fmt.Errorf("bump counter: %w", err)
		}
		if swapped {
			break
		}
		h.retries++
	}

	h.lines[source].Lower()
	ack <- struct{}{}
	if err := h.m.Store(claim, uint64(source), hv.Size32Log2); err != nil {
		return fmt.Errorf("complete %d: %w", source, err)
	}

	h.handled++
	if h.progress != nil {
		h.progress(1)
	}
	return nil
}
