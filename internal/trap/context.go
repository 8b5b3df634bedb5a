// Package trap implements the user/kernel privilege-boundary protocol:
// the trap context and the trap-context page layout __alltraps/__restore
// save to and restore from, and the scause dispatcher.
//
// Grounded on os/src/trap/context.rs and os/src/trap/handler.rs
// (original_source) for the register set and scause-to-signal mapping;
// see DESIGN.md for why the trampoline is modeled as Go methods on
// TrapContext rather than hand-written RV64 assembly.
package trap

// SstatusBits are the subset of sstatus this kernel cares about: SPP
// (previous privilege), SPIE (previous interrupt-enable), SIE (current
// interrupt-enable).
type SstatusBits uint64

const (
	SstatusSIE  SstatusBits = 1 << 1
	SstatusSPIE SstatusBits = 1 << 5
	SstatusSPP  SstatusBits = 1 << 8
)

// TrapContext is the saved processor state captured at a privilege-
// boundary crossing: 32 GPRs, sstatus, sepc, plus the three fields
// __alltraps needs to find the kernel before satp has been swapped
// (spec.md §3, §4.7).
type TrapContext struct {
	X             [32]uint64 // x0..x31; x2 is sp, x10..x12 are a0..a2, x17 is a7
	Sstatus       uint64
	Sepc          uint64
	KernelSatp    uint64
	KernelSp      uint64
	TrapHandlerVA uint64
}

// Register index names used throughout trap/syscall dispatch.
const (
	RegSP = 2
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// NewUserContext builds the trap context a freshly created or exec'd
// process resumes into: pc = entry, sp = user stack top, SPP cleared
// (return to U-mode), SPIE set (re-enable interrupts on sret).
func NewUserContext(entry, userSP, kernelSatp, kernelSp, trapHandlerVA uint64) *TrapContext {
	tc := &TrapContext{
		Sepc:          entry,
		Sstatus:       uint64(SstatusSPIE),
		KernelSatp:    kernelSatp,
		KernelSp:      kernelSp,
		TrapHandlerVA: trapHandlerVA,
	}
	tc.X[RegSP] = userSP
	return tc
}

// SetReturn writes a syscall's result into a0, the register __restore
// will load back into the user's return value slot.
func (tc *TrapContext) SetReturn(v int64) {
	tc.X[RegA0] = uint64(v)
}

// ContextBytes is the on-page footprint of a TrapContext: 32 GPRs plus
// sstatus, sepc, kernel_satp, kernel_sp and trap_handler_va, matching the
// layout of the trap-context page on real hardware.
const ContextBytes = (32 + 5) * 8

// Encode writes tc's fields into buf in the order __alltraps would store
// them, for code that shares the trap-context page between the kernel's
// Go model and a future assembly trampoline.
func (tc *TrapContext) Encode(buf []byte) {
	for i, v := range tc.X {
		putU64(buf[i*8:], v)
	}
	putU64(buf[32*8:], tc.Sstatus)
	putU64(buf[33*8:], tc.Sepc)
	putU64(buf[34*8:], tc.KernelSatp)
	putU64(buf[35*8:], tc.KernelSp)
	putU64(buf[36*8:], tc.TrapHandlerVA)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Decode is the inverse of Encode.
func Decode(buf []byte) *TrapContext {
	tc := &TrapContext{}
	for i := range tc.X {
		tc.X[i] = getU64(buf[i*8:])
	}
	tc.Sstatus = getU64(buf[32*8:])
	tc.Sepc = getU64(buf[33*8:])
	tc.KernelSatp = getU64(buf[34*8:])
	tc.KernelSp = getU64(buf[35*8:])
	tc.TrapHandlerVA = getU64(buf[36*8:])
	return tc
}
