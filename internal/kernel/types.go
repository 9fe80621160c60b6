package kernel

import "github.com/tocksim/kernel/internal/arch"

// AppID identifies a process by slot index, scoped to the Kernel that
// created it. Design notes (spec.md section 9) resolve the process↔AppID
// cycle by representing the process set as an array indexed by small
// integer id and letting every back-reference (an IPC task's peer, a
// grant's subject) go through index lookup instead of a pointer, so
// AppID carries the owning kernel's handle rather than any reference to
// the Process itself.
type AppID struct {
	kernelHandle uint32
	idx          int
}

// Index returns the process-array slot this id names.
func (a AppID) Index() int { return a.idx }

// State is one of the three process lifecycle states (spec.md section 3).
type State int

const (
	Running State = iota
	Yielded
	Fault
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Yielded:
		return "Yielded"
	default:
		return "Fault"
	}
}

// FaultPolicy decides what happens when a process's state transitions to
// Fault (spec.md section 4.2 state machine).
type FaultPolicy int

const (
	// PolicyPanic halts the kernel with a diagnostic.
	PolicyPanic FaultPolicy = iota
	// PolicyRestart re-runs the process from its init function.
	PolicyRestart
)

// IpcKind distinguishes the two roles a process can play in an IPC task.
type IpcKind int

const (
	IpcService IpcKind = iota
	IpcClient
)

// TaskKind tags which payload a Task carries.
type TaskKind int

const (
	TaskFunctionCall TaskKind = iota
	TaskIPC
)

// Task is the tagged union of spec.md section 3: either a raw register
// frame to push, or an IPC notification naming a peer. Consumed exactly
// once, by dequeueTask, when the scheduler pushes it onto the target
// process's stack.
type Task struct {
	Kind TaskKind
	Call arch.FunctionCall // valid iff Kind == TaskFunctionCall
	Peer AppID             // valid iff Kind == TaskIPC
	IpcK IpcKind
}

// Callback is the (app, userdata, fn_ptr) triple produced by a SUBSCRIBE
// call (spec.md section 3). Driver code stores it and later calls Schedule
// to turn it into a queued FunctionCall task.
type Callback struct {
	owner AppID
	proc  *Process

	UserData arch.Addr
	FnPtr    arch.Addr
}

// Valid reports whether the callback has a non-null function pointer. A
// SUBSCRIBE with fn_ptr == 0 unregisters rather than registers.
func (c Callback) Valid() bool { return c.FnPtr != 0 }

// Schedule turns a registered callback into a queued FunctionCall task:
// r3 = userdata, pc = fn_ptr, matching spec.md section 3's Callback
// contract. r0..r2 are the driver-supplied callback arguments.
func (c Callback) Schedule(r0, r1, r2 arch.Addr) bool {
	if c.proc == nil || !c.Valid() {
		return false
	}
	return c.proc.Schedule(arch.FunctionCall{PC: c.FnPtr, R0: r0, R1: r1, R2: r2, R3: c.UserData})
}

// AppSlice is a bounds-checked view into one process's own RAM, handed to a
// driver via ALLOW (spec.md section 3). Its bounds are validated once, at
// construction, by the process that owns the backing memory.
type AppSlice struct {
	Owner  AppID
	Base   arch.Addr
	Length uint32
	proc   *Process
}

// ReadWord / WriteWord let a driver touch the slice without holding a
// pointer past the syscall that produced it (spec.md section 5: drivers
// must not retain process references across a call boundary; callers are
// expected to use the slice only within the command/allow invocation it
// was constructed for).
func (s AppSlice) ReadWord(off uint32) arch.Addr {
	return s.proc.ReadWord(s.Base + arch.Addr(off))
}

func (s AppSlice) WriteWord(off uint32, v arch.Addr) {
	s.proc.WriteWord(s.Base+arch.Addr(off), v)
}
