package chipset

// InterruptController collects interrupt requests as a bit mask. The PLIC is
// one for its peripheral sources and a hart is one for the PLIC's outputs.
//
// Implementations must be safe for concurrent use, and raising or lowering a
// bit that is already in the requested state must have no further effect.
type InterruptController interface {
	RaiseInterrupts(mask uint32)
	LowerInterrupts(mask uint32)
	RaisedInterrupts() uint32
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// Interrupt is a single interrupt line: bit ID of whatever controller it is
// bound to. An unbound Interrupt drops all signals.
//
// Bind must happen before the line is shared between goroutines.
type Interrupt struct {
	ID int

	controller InterruptController
}

// NewInterrupt returns an unbound line for bit id.
func NewInterrupt(id int) *Interrupt {
	return &Interrupt{ID: id}
}

// Bind connects the line to a controller. Passing nil detaches it.
func (i *Interrupt) Bind(controller InterruptController) {
	i.controller = controller
}

func (i *Interrupt) mask() uint32 {
	if i.ID < 0 || i.ID > 31 {
		return 0
	}
	return 1 << uint(i.ID)
}

// Raise asserts the line.
func (i *Interrupt) Raise() {
	if c := i.controller; c != nil {
		c.RaiseInterrupts(i.mask())
	}
}

// Lower deasserts the line.
func (i *Interrupt) Lower() {
	if c := i.controller; c != nil {
		c.LowerInterrupts(i.mask())
	}
}

// Raised reports whether the controller currently sees the line asserted.
func (i *Interrupt) Raised() bool {
	c := i.controller
	if c == nil {
		return false
	}
	return c.RaisedInterrupts()&i.mask() != 0
}

// SetLevel implements LineInterrupt.
func (i *Interrupt) SetLevel(high bool) {
	if high {
		i.Raise()
	} else {
		i.Lower()
	}
}

// PulseInterrupt implements LineInterrupt.
func (i *Interrupt) PulseInterrupt() {
	i.Raise()
	i.Lower()
}

var _ LineInterrupt = (*Interrupt)(nil)
