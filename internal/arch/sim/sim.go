// Package sim is the host-simulated architecture shim: the "mock
// architecture shim" spec.md section 8 assumes for host-simulation testing,
// and the shim the tocksim CLI drives when it has no real Cortex-M under
// it. It implements every operation of arch.SyscallInterface against a
// plain arch.Memory instead of a live exception frame on real hardware.
//
// Exactly one real shim exists per board (there is only one current
// process at a time), so exactly one sim.Shim is needed per kernel
// instance; it is not keyed by process. A caller about to resume a process
// tells the shim what that resumption should look like by calling Script
// before invoking SwitchTo — standing in for the real SVC instruction
// decode and exception entry that spec.md scopes out of this repository
// (section 1: "the low-level interrupt vector table and assembly
// trampoline that performs the actual register swap" is specified only by
// its contract).
package sim

import (
	"fmt"
	"io"
	"sync"

	"github.com/tocksim/kernel/internal/arch"
)

// Action scripts the outcome of the next SwitchTo call: what a real
// process would have done had it actually run.
type Action struct {
	Reason  arch.ContextSwitchReason
	Syscall arch.Syscall  // meaningful iff Reason == arch.SyscallFired
	Args    [4]arch.Addr  // becomes the w0..w3 slots of the fresh exception frame
}

// Shim is the host-simulated SyscallInterface. The zero value is not
// usable; construct with New.
type Shim struct {
	mu sync.Mutex

	pending []Action

	lastReason     arch.ContextSwitchReason
	reasonConsumed bool

	currentSyscall Syscall
}

// Syscall mirrors arch.Syscall plus a validity flag, avoiding a pointer.
type Syscall struct {
	Num   arch.Syscall
	Valid bool
}

var _ arch.SyscallInterface = (*Shim)(nil)

// New returns a ready Shim with no scripted actions queued.
func New() *Shim {
	return &Shim{lastReason: arch.Other, reasonConsumed: true}
}

// Script appends actions to the queue consumed, one per call, by SwitchTo.
// If the queue is empty when SwitchTo is called, it behaves as though the
// tick timer expired: reason Other, no syscall.
func (s *Shim) Script(actions ...Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, actions...)
}

// Pending reports how many scripted actions remain unconsumed.
func (s *Shim) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ContextSwitchReason implements arch.SyscallInterface. It may be called
// exactly once per SwitchTo return before the reason reverts to Other,
// matching the "callable exactly once" contract of spec.md section 4.1.
func (s *Shim) ContextSwitchReason() arch.ContextSwitchReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reasonConsumed {
		return arch.Other
	}
	s.reasonConsumed = true
	return s.lastReason
}

// SyscallNumber returns the syscall scripted for the current frame. The
// real shim decodes the SVC immediate from the flash word preceding the
// saved PC; since the host simulation has no flash-resident machine code to
// decode, the pending syscall is instead recorded directly by SwitchTo when
// it consumes the scripted Action that produced this frame.
func (s *Shim) SyscallNumber(mem arch.Memory, sp arch.Addr) (arch.Syscall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSyscall.Num, s.currentSyscall.Valid
}

// SyscallArgs reads the first four words of the exception frame.
func (s *Shim) SyscallArgs(mem arch.Memory, sp arch.Addr) (w0, w1, w2, w3 arch.Addr) {
	return mem.ReadWord(sp), mem.ReadWord(sp + arch.WordSize), mem.ReadWord(sp + 2*arch.WordSize), mem.ReadWord(sp + 3*arch.WordSize)
}

// SetSyscallReturn overwrites the w0 slot with a signed return code. Per
// spec.md's design notes, this is deliberately asymmetric with SyscallArgs:
// the value written here is signed even though SyscallArgs reads unsigned
// words, preserving the source kernel's own asymmetry rather than papering
// over it.
func (s *Shim) SetSyscallReturn(mem arch.Memory, sp arch.Addr, value int32) {
	mem.WriteWord(sp, arch.Addr(uint32(value)))
}

// PopSyscallFrame captures the saved PC and status word and discards the
// frame.
func (s *Shim) PopSyscallFrame(mem arch.Memory, sp arch.Addr, state *arch.StoredState) arch.Addr {
	state.SaveFrame(mem.ReadWord(sp+6*arch.WordSize), mem.ReadWord(sp+7*arch.WordSize))
	return sp + 8*arch.WordSize
}

// PushFunctionCall reserves 8 words below sp and fills them in exactly as
// spec.md section 4.1 describes: argument registers from the call, the
// link register set to the previously saved return PC with the Thumb bit
// set, the PC slot to call.PC|1, and the status word carried over from
// state (DefaultPSR the first time a process ever runs).
func (s *Shim) PushFunctionCall(mem arch.Memory, sp arch.Addr, state *arch.StoredState, call arch.FunctionCall) arch.Addr {
	newSP := sp - 8*arch.WordSize
	mem.WriteWord(newSP, call.R0)
	mem.WriteWord(newSP+arch.WordSize, call.R1)
	mem.WriteWord(newSP+2*arch.WordSize, call.R2)
	mem.WriteWord(newSP+3*arch.WordSize, call.R3)
	mem.WriteWord(newSP+5*arch.WordSize, state.YieldPC()|1)
	mem.WriteWord(newSP+6*arch.WordSize, call.PC|1)
	mem.WriteWord(newSP+7*arch.WordSize, state.PSR())
	return newSP
}

// SwitchTo is the simulated transfer of control to user mode. It consumes
// the next scripted Action (or behaves as a tick timeout if none is
// queued), writes a fresh exception frame reflecting that action at sp (as
// though the process entered at sp, ran with a balanced stack, and trapped
// straight back), and reports that stack pointer and the context-switch
// reason.
func (s *Shim) SwitchTo(mem arch.Memory, sp arch.Addr, state *arch.StoredState) (arch.Addr, arch.ContextSwitchReason) {
	s.mu.Lock()
	action := Action{Reason: arch.Other}
	if len(s.pending) > 0 {
		action = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.lastReason = action.Reason
	s.reasonConsumed = false
	if action.Reason == arch.SyscallFired {
		s.currentSyscall = Syscall{Num: action.Syscall, Valid: true}
	} else {
		s.currentSyscall = Syscall{}
	}
	s.mu.Unlock()

	newSP := sp
	mem.WriteWord(newSP, action.Args[0])
	mem.WriteWord(newSP+arch.WordSize, action.Args[1])
	mem.WriteWord(newSP+2*arch.WordSize, action.Args[2])
	mem.WriteWord(newSP+3*arch.WordSize, action.Args[3])
	mem.WriteWord(newSP+5*arch.WordSize, state.YieldPC()|1)
	mem.WriteWord(newSP+6*arch.WordSize, state.YieldPC())
	mem.WriteWord(newSP+7*arch.WordSize, state.PSR())
	return newSP, action.Reason
}

// FormatFault writes a one-line diagnostic; the simulated shim has no real
// fault-status registers to decode.
func (s *Shim) FormatFault(w io.Writer) {
	fmt.Fprintln(w, "simulated fault: no hardware fault-status registers available")
}

// FormatProcessDetail dumps the raw exception frame at sp.
func (s *Shim) FormatProcessDetail(mem arch.Memory, sp arch.Addr, w io.Writer) {
	fmt.Fprintf(w, "exception frame @ %#08x:\n", uint32(sp))
	names := []string{"r0", "r1", "r2", "r3", "r12", "lr", "pc", "psr"}
	for i, n := range names {
		fmt.Fprintf(w, "  %-4s = %#08x\n", n, uint32(mem.ReadWord(sp+arch.Addr(i)*arch.WordSize)))
	}
}
