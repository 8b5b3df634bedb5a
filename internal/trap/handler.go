package trap

import (
	"fmt"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// Scause mirrors the RISC-V scause CSR: the top bit distinguishes
// interrupts from exceptions, the remaining bits are the exception code.
type Scause uint64

const interruptBit Scause = 1 << 63

// IsInterrupt reports whether this scause describes an interrupt rather
// than a synchronous exception.
func (s Scause) IsInterrupt() bool { return s&interruptBit != 0 }

// Code returns the exception/interrupt code with the interrupt bit
// cleared.
func (s Scause) Code() uint64 { return uint64(s &^ interruptBit) }

// Exception codes this kernel distinguishes (spec.md §4.7).
const (
	ExcInstructionPageFault = 12
	ExcLoadPageFault        = 13
	ExcStorePageFault       = 15
	ExcIllegalInstruction   = 2
	ExcUserEnvCall          = 8
)

// Interrupt codes.
const (
	IntSupervisorTimer = 5
)

// Kind classifies a decoded trap for the caller (internal/kmain), which
// owns the process/scheduler-level response.
type Kind int

const (
	KindSyscall Kind = iota
	KindPageFault
	KindIllegalInstruction
	KindTimer
	KindUnknown
)

// Event is the decoded result of a single trap, independent of any
// process bookkeeping. Dispatch never touches a PCB; it only classifies
// scause/stval and, for faults, disassembles the faulting instruction for
// a diagnostic message.
type Event struct {
	Kind    Kind
	Scause  Scause
	Stval   uint64
	Sepc    uint64
	Syscall uint64      // valid when Kind == KindSyscall: a7
	Args    [3]uint64   // valid when Kind == KindSyscall: a0, a1, a2
	Detail  string      // human-readable description, used in fault logging
}

// Dispatch classifies a trap from its saved context and the scause/stval
// CSRs read at entry. text is the instruction bytes at tc.Sepc (or nil),
// used only to improve the Detail message on a fault; decoding failure is
// never fatal, it just degrades the message.
//
// Grounded on os/src/trap/mod.rs's trap_handler match over scause
// (original_source), restructured so the classification (this package)
// and the policy (exit codes, syscall execution) live in separate
// packages per spec.md §4.7/§4.8's division of labor.
func Dispatch(tc *TrapContext, scause Scause, stval uint64, text []byte) Event {
	ev := Event{Scause: scause, Stval: stval, Sepc: tc.Sepc}

	if scause.IsInterrupt() {
		switch scause.Code() {
		case IntSupervisorTimer:
			ev.Kind = KindTimer
			ev.Detail = "supervisor timer interrupt"
		default:
			ev.Kind = KindUnknown
			ev.Detail = fmt.Sprintf("unhandled interrupt code %d", scause.Code())
		}
		return ev
	}

	switch scause.Code() {
	case ExcUserEnvCall:
		ev.Kind = KindSyscall
		ev.Syscall = tc.X[RegA7]
		ev.Args = [3]uint64{tc.X[RegA0], tc.X[RegA1], tc.X[RegA2]}
		tc.Sepc += 4 // ecall is always 4 bytes; advance past it before resuming
		return ev

	case ExcInstructionPageFault, ExcLoadPageFault, ExcStorePageFault:
		ev.Kind = KindPageFault
		ev.Detail = fmt.Sprintf("page fault at %#x (bad address %#x): %s", tc.Sepc, stval, disasmAt(text))
		return ev

	case ExcIllegalInstruction:
		ev.Kind = KindIllegalInstruction
		ev.Detail = fmt.Sprintf("illegal instruction at %#x: %s", tc.Sepc, disasmAt(text))
		return ev

	default:
		ev.Kind = KindUnknown
		ev.Detail = fmt.Sprintf("unhandled exception code %d (stval %#x)", scause.Code(), stval)
		return ev
	}
}

// disasmAt decodes the single instruction in text for a fault message.
// Returns a placeholder rather than an error when text is empty or the
// bytes don't decode, since a diagnostic message is never load-bearing.
func disasmAt(text []byte) string {
	if len(text) < 4 {
		return "<no instruction bytes available>"
	}
	inst, err := riscv64asm.Decode(text)
	if err != nil {
		return fmt.Sprintf("<undecodable: % x>", text[:4])
	}
	return inst.String()
}
