package plic

import (
	"fmt"

	"github.com/tinyrange/rvdev/internal/hv"
)

const deviceID = "riscv-plic"

type plicSnapshot struct {
	Priority  [sourceCount]uint32
	Threshold [contextCount]uint32
	Enabled   [contextCount][sourceWords]uint32
	Request   [sourceWords]uint32
	Claimed   [sourceWords]uint32
}

// DeviceId implements hv.DeviceSnapshotter.
func (p *PLIC) DeviceId() string { return deviceID }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (p *PLIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	snap := &plicSnapshot{}
	for i := range p.priority {
		snap.Priority[i] = p.priority[i].Load()
	}
	for ctx := range p.threshold {
		snap.Threshold[ctx] = p.threshold[ctx].Load()
		for w := range p.enabled[ctx] {
			snap.Enabled[ctx][w] = p.enabled[ctx][w].Load()
		}
	}
	for w := range p.words {
		v := p.words[w].Load()
		snap.Request[w] = requestBits(v)
		snap.Claimed[w] = claimedBits(v)
	}
	return snap, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (p *PLIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*plicSnapshot)
	if !ok {
		return fmt.Errorf("plic: invalid snapshot type %T", snap)
	}
	for ctx, threshold := range data.Threshold {
		if threshold > maxPriority {
			return fmt.Errorf("plic: context %d threshold %d out of range", ctx, threshold)
		}
	}

	p.priority[0].Store(0)
	for i := 1; i < sourceCount; i++ {
		p.priority[i].Store(data.Priority[i] & maxPriority)
	}
	for ctx := range p.threshold {
		p.threshold[ctx].Store(data.Threshold[ctx])
		for w := range p.enabled[ctx] {
			p.enabled[ctx][w].Store(data.Enabled[ctx][w])
		}
	}
	for w := range p.words {
		request, claimed := data.Request[w], data.Claimed[w]
		if w == 0 {
			request &^= 1
			claimed &^= 1
		}
		p.words[w].Store(packWord(request, claimed))
	}

	p.updateInterrupts()
	return nil
}

var _ hv.DeviceSnapshotter = (*PLIC)(nil)
