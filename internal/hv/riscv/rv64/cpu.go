// Package rv64 holds the hart-side pieces of the RV64 machine that devices
// interact with: the physical memory map and the interrupt-pending register.
package rv64

// Memory layout constants
const (
	SysconBase uint64 = 0x0010_0000 // System controller (reset/poweroff)
	PLICBase   uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	FlashBase  uint64 = 0x2000_0000 // Boot flash
	RAMBase    uint64 = 0x8000_0000 // RAM starts at 2GB
)

// mip/mie bit positions
const (
	MTIPShift = 7
	SEIPShift = 9
	MEIPShift = 11
)

// mip/mie bits
const (
	MipMTIP uint32 = 1 << MTIPShift // Machine timer interrupt pending
	MipSEIP uint32 = 1 << SEIPShift // Supervisor external interrupt pending
	MipMEIP uint32 = 1 << MEIPShift // Machine external interrupt pending
)
