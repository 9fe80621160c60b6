// Package arch defines the architecture-shim contract described in
// spec.md section 4.1: the boundary between kernel code and whatever reads
// and writes the saved exception frame on a process's own stack.
//
// Tock's cortex-m implementation of this contract lives in a few lines of
// assembly plus raw, unaligned reads of the exception frame; that trampoline
// is explicitly out of scope here (spec.md section 1). What's specified is
// its contract: the operations a SyscallInterface must support and their
// exact effect on the frame. The only implementation this repository ships
// is the host-simulated one in arch/sim, used both by the simulator CLI and
// by tests, in the spirit of spec.md section 8's "host simulation with a
// mock architecture shim".
package arch

import "io"

// Addr is a 32-bit address or word value within a process's flash or RAM
// window. Kept distinct from a bare uintptr so a misplaced host pointer
// can't silently leak into kernel bookkeeping that is supposed to describe
// the target's address space.
type Addr uint32

// WordSize is the width, in bytes, of a machine word on the target
// architecture. The exception frame is always described in units of this
// size (spec.md section 4.1: "8 words").
const WordSize = 4

// ContextSwitchReason explains why user execution returned to the kernel.
type ContextSwitchReason int

const (
	// Other covers the time-slice tick and any return reason that isn't a
	// syscall or a fault.
	Other ContextSwitchReason = iota
	SyscallFired
	Fault
)

func (r ContextSwitchReason) String() string {
	switch r {
	case SyscallFired:
		return "SyscallFired"
	case Fault:
		return "Fault"
	default:
		return "Other"
	}
}

// Syscall numbers the five-call ABI surface (spec.md section 4.5).
type Syscall int

const (
	Yield Syscall = iota
	Subscribe
	Command
	Allow
	Memop
)

func (s Syscall) String() string {
	switch s {
	case Yield:
		return "YIELD"
	case Subscribe:
		return "SUBSCRIBE"
	case Command:
		return "COMMAND"
	case Allow:
		return "ALLOW"
	case Memop:
		return "MEMOP"
	default:
		return "UNKNOWN"
	}
}

// FunctionCall is the raw register payload of a task (spec.md section 3).
type FunctionCall struct {
	PC, R0, R1, R2, R3 Addr
}

// StoredState is the architecture's opaque per-process register block: the
// callee-saved registers a real switch_to must restore, plus the saved
// return PC and status word captured by PopSyscallFrame. spec.md's design
// notes resolve the process-vs-shim ownership question in favor of the
// shim, since only the shim reads and writes the exception frame; the
// kernel package holds a *StoredState per process but never looks inside
// it. Shim implementations in other packages reach the saved PC and status
// word through YieldPC, PSR and SaveFrame.
type StoredState struct {
	yieldPC Addr
	psr     Addr
	callee  [8]Addr // architecture-specific callee-saved registers, opaque
}

// YieldPC returns the saved return PC.
func (s *StoredState) YieldPC() Addr { return s.yieldPC }

// PSR returns the saved status word.
func (s *StoredState) PSR() Addr { return s.psr }

// SaveFrame records the return PC and status word read from a popped frame.
func (s *StoredState) SaveFrame(yieldPC, psr Addr) { s.yieldPC, s.psr = yieldPC, psr }

// DefaultPSR is the status word a process sees the first time it ever runs:
// the Thumb bit set, nothing else (spec.md section 4.1).
const DefaultPSR Addr = 0x01000000

// Reset restores a StoredState to its just-created condition, used when a
// faulted process is restarted (spec.md section 4.2 state machine).
func (s *StoredState) Reset() {
	*s = StoredState{psr: DefaultPSR}
}

// Memory is the process-owned byte window a SyscallInterface reads and
// writes exception frames through. Implemented by kernel.Process.
type Memory interface {
	ReadWord(addr Addr) Addr
	WriteWord(addr Addr, val Addr)
}

// SyscallInterface is the architecture shim contract of spec.md section
// 4.1. Every method is named after its spec.md operation.
type SyscallInterface interface {
	// ContextSwitchReason reads and clears the single process-state word
	// written by the exception handler. Callable exactly once per return
	// from user; subsequent calls until the next SwitchTo return Other.
	ContextSwitchReason() ContextSwitchReason

	// SyscallNumber decodes the supervisor-call instruction immediately
	// preceding the saved return program counter. Returns false if the
	// halfword does not encode one of the five known syscalls.
	SyscallNumber(mem Memory, sp Addr) (Syscall, bool)

	// SyscallArgs reads the first four words of the exception frame.
	SyscallArgs(mem Memory, sp Addr) (w0, w1, w2, w3 Addr)

	// SetSyscallReturn overwrites the w0 slot with a signed return code.
	SetSyscallReturn(mem Memory, sp Addr, value int32)

	// PopSyscallFrame captures the saved PC and status word into state for
	// later resumption and returns sp + 8 words.
	PopSyscallFrame(mem Memory, sp Addr, state *StoredState) Addr

	// PushFunctionCall reserves 8 words below sp and fills them in for a
	// fresh callback invocation, returning the new stack pointer.
	PushFunctionCall(mem Memory, sp Addr, state *StoredState, call FunctionCall) Addr

	// SwitchTo transfers control to user mode at sp, restoring
	// callee-saved registers from state. On return it reports the new user
	// stack pointer and the reason control came back, and updates state in
	// place.
	SwitchTo(mem Memory, sp Addr, state *StoredState) (spAfter Addr, reason ContextSwitchReason)

	// FormatFault writes a post-mortem diagnostic of the last fault.
	FormatFault(w io.Writer)

	// FormatProcessDetail writes a post-mortem dump of the exception frame
	// at sp.
	FormatProcessDetail(mem Memory, sp Addr, w io.Writer)
}
