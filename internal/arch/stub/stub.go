// Package stub documents the shape a real Cortex-M trampoline binding
// would take. It is not an implementation: spec.md section 1 scopes the
// actual interrupt vector table and assembly register-swap out of this
// repository, specifying only its contract (internal/arch.SyscallInterface).
// This file exists so the shape of that binding — what it would import,
// what it would need from the linker, where the unaligned frame access
// would live — has a home in the tree instead of living only in a comment.
package stub

import (
	"io"

	"github.com/tocksim/kernel/internal/arch"
)

// Trampoline would be the real implementation of arch.SyscallInterface on
// target hardware. Every method below is unimplemented; a real build would
// replace this file with one backed by a few lines of assembly (typically
// named svc_handler.s or similar) that captures the exception frame left
// by the Cortex-M exception entry sequence and an SVC/PendSV pair that
// performs the actual unprivileged-mode entry and exit.
type Trampoline struct{}

// Real fields a hardware Trampoline would need: the address of the
// process stack pointer register (PSP), the fault-status registers
// (CFSR/HFSR/MMFAR/BFAR), and the SVC immediate decode table. None of
// these exist on a host, so this type carries none of them.
var _ arch.SyscallInterface = (*Trampoline)(nil)

func (*Trampoline) ContextSwitchReason() arch.ContextSwitchReason {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) SyscallNumber(arch.Memory, arch.Addr) (arch.Syscall, bool) {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) SyscallArgs(arch.Memory, arch.Addr) (arch.Addr, arch.Addr, arch.Addr, arch.Addr) {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) SetSyscallReturn(arch.Memory, arch.Addr, int32) {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) PopSyscallFrame(arch.Memory, arch.Addr, *arch.StoredState) arch.Addr {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) PushFunctionCall(arch.Memory, arch.Addr, *arch.StoredState, arch.FunctionCall) arch.Addr {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) SwitchTo(arch.Memory, arch.Addr, *arch.StoredState) (arch.Addr, arch.ContextSwitchReason) {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) FormatFault(w io.Writer) {
	panic("stub: no real architecture trampoline in this build")
}

func (*Trampoline) FormatProcessDetail(mem arch.Memory, sp arch.Addr, w io.Writer) {
	panic("stub: no real architecture trampoline in this build")
}
