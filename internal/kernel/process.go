package kernel

import (
	"fmt"
	"unsafe"

	"github.com/mohae/deepcopy"
	"github.com/tocksim/kernel/internal/arch"
)

// taskSize and processRecordSize approximate sizeof(Task) and
// sizeof(Process) for the RAM-bookkeeping floor in the create-time layout
// algorithm (spec.md section 4.2: "callbacks_capacity × sizeof(Task) +
// sizeof(Process_record)"). The simulated process record is a Go struct
// with map and slice headers rather than the original's flat C-like
// layout, so these are a reasonable stand-in rather than a byte-exact
// match to any real target's ABI.
const (
	taskSize          = uint32(unsafe.Sizeof(Task{}))
	processRecordSize = uint32(unsafe.Sizeof(Process{}))
)

// DebugRecord is the process's diagnostic counter block (spec.md section
// 3). Every field is advisory: nothing in the kernel's control flow reads
// it back except format_process_detail.
type DebugRecord struct {
	HeapStart            arch.Addr
	StackStart           arch.Addr
	MinStackPointer      arch.Addr
	SyscallCount         uint64
	LastSyscall          arch.Syscall
	LastSyscallValid     bool
	DroppedCallbackCount uint64
	RestartCount         uint64
}

// grantPtrWordSize is the RAM cost, in bytes, of one grant-table slot.
const grantPtrWordSize = uint32(arch.WordSize)

// minStackReserve is the fixed distance from mem_start that a freshly
// created or restarted process's stack pointer and app_break start at
// (spec.md section 4.2 create-time layout algorithm).
const minStackReserve = arch.Addr(128)

// Process is the central entity of spec.md section 3: one loaded
// application, its RAM and flash windows, its three moving pointers, its
// task queue, and its debug counters.
type Process struct {
	id          AppID
	kernel      *Kernel
	packageName string

	flashStart, flashEnd arch.Addr
	protectedSize        uint32

	memStart, memEnd arch.Addr
	ram              []byte // backing bytes for [memStart, memEnd)

	stackPointer      arch.Addr
	appBreak          arch.Addr
	kernelMemoryBreak arch.Addr

	origStackPointer      arch.Addr
	origAppBreak          arch.Addr
	origKernelMemoryBreak arch.Addr

	initCall arch.FunctionCall

	state       State
	faultPolicy FaultPolicy

	mpuRegions [5]Region

	archState arch.StoredState

	tasks *taskQueue

	grantTable    []arch.Addr
	grantPayloads map[int]any
	grantBorrowed map[int]bool

	debug DebugRecord

	writeableFlashRegions [][2]uint32
}

// layoutParams bundles the create-time inputs named in spec.md section
// 4.2: flash address, RAM base, RAM remaining in the board's pool, and the
// board's configured fault response.
type layoutParams struct {
	FlashAddr     arch.Addr
	RAMBase       arch.Addr
	RAMRemaining  uint32
	FaultResponse FaultPolicy
	TaskQueueCap  int
}

// createProcess runs the layout algorithm of spec.md section 4.2. It
// returns (nil, flashConsumed, 0, nil) if the header marks the image
// disabled or padding, so the loader can skip it without error. It panics
// if the header's init-function offset is missing the architecture's
// thumb bit, per spec.md's explicit "panic with a diagnostic" wording for
// that specific malformed-image condition (every other rejection is an
// ordinary error return).
func createProcess(k *Kernel, id AppID, hdr Header, p layoutParams) (proc *Process, flashConsumed uint32, ramConsumed uint32, err error) {
	flashConsumed = hdr.TotalSize()
	if !hdr.IsApp() || !hdr.Enabled() {
		return nil, flashConsumed, 0, nil
	}

	grantCount := k.grantCount()
	minRAM := hdr.MinimumAppRAMSize()
	bookkeeping := uint32(grantCount)*grantPtrWordSize + uint32(k.taskQueueCapacity)*taskSize + processRecordSize
	if bookkeeping > minRAM {
		minRAM = bookkeeping
	}
	ramSize := nextPowerOfTwo(minRAM)
	if ramSize > p.RAMRemaining {
		return nil, flashConsumed, 0, fmt.Errorf("kernel: app %q needs %d bytes of RAM, %d remain", hdr.PackageName(), ramSize, p.RAMRemaining)
	}

	memStart := p.RAMBase
	memEnd := memStart + arch.Addr(ramSize)

	initOffset := hdr.InitFunctionOffset()
	if initOffset&1 == 0 {
		panic(fmt.Sprintf("kernel: app %q init function offset %#x is missing the thumb bit", hdr.PackageName(), initOffset))
	}

	flashAppStart := p.FlashAddr + arch.Addr(hdr.ProtectedSize())

	// From the top of RAM downward: grant-pointer table, then the
	// task-queue backing buffer, then the process record itself.
	kmb := memEnd
	kmb -= arch.Addr(grantCount) * arch.Addr(grantPtrWordSize)
	kmb -= arch.Addr(p.TaskQueueCap) * arch.Addr(taskSize)
	kmb -= arch.Addr(processRecordSize)

	appBreak := memStart + minStackReserve
	stackPointer := appBreak

	regions := make([][2]uint32, hdr.NumberWriteableFlashRegions())
	for i := range regions {
		off, size := hdr.WriteableFlashRegion(i)
		regions[i] = [2]uint32{off, size}
	}

	proc = &Process{
		id:          id,
		kernel:      k,
		packageName: hdr.PackageName(),

		flashStart:    p.FlashAddr,
		flashEnd:      p.FlashAddr + arch.Addr(hdr.TotalSize()),
		protectedSize: hdr.ProtectedSize(),

		memStart: memStart,
		memEnd:   memEnd,
		ram:      make([]byte, ramSize),

		stackPointer:      stackPointer,
		appBreak:          appBreak,
		kernelMemoryBreak: kmb,

		origStackPointer:      stackPointer,
		origAppBreak:          appBreak,
		origKernelMemoryBreak: kmb,

		state:       Yielded,
		faultPolicy: p.FaultResponse,

		tasks: newTaskQueue(p.TaskQueueCap),

		grantTable:    make([]arch.Addr, grantCount),
		grantPayloads: make(map[int]any),
		grantBorrowed: make(map[int]bool),

		writeableFlashRegions: regions,
	}
	proc.archState.Reset()
	proc.debug.HeapStart = appBreak
	proc.debug.StackStart = stackPointer
	proc.debug.MinStackPointer = stackPointer

	proc.initCall = arch.FunctionCall{
		PC: p.FlashAddr + arch.Addr(initOffset), // offset is relative to flash_start, not flash_app_start
		R0: flashAppStart,
		R1: memStart,
		R2: arch.Addr(ramSize),
		R3: appBreak,
	}
	proc.enqueueCounted(Task{Kind: TaskFunctionCall, Call: proc.initCall})

	return proc, flashConsumed, ramSize, nil
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	p := uint32(1)
	for p < v {
		p <<= 1
	}
	return p
}

// ID returns the process's stable AppID.
func (p *Process) ID() AppID { return p.id }

// PackageName returns the human-readable name from the app header.
func (p *Process) PackageName() string { return p.packageName }

// State returns the process's current lifecycle state.
func (p *Process) State() State { return p.state }

// FlashAppStart is the flash address immediately after the protected
// header prefix (spec.md section 3's "flash_start..flash_end, an internal
// protected prefix"; the accessor itself is a supplemented feature, see
// SPEC_FULL.md section D).
func (p *Process) FlashAppStart() arch.Addr { return p.flashStart + arch.Addr(p.protectedSize) }

// MemoryBounds returns the process's RAM window.
func (p *Process) MemoryBounds() (start, end arch.Addr) { return p.memStart, p.memEnd }

// FlashBounds returns the process's flash window.
func (p *Process) FlashBounds() (start, end arch.Addr) { return p.flashStart, p.flashEnd }

// DebugRecord returns a deep copy of the process's debug counters, safe to
// hold onto while a concurrent restart mutates the live record (see
// SPEC_FULL.md section B's rationale for depending on
// github.com/mohae/deepcopy here).
func (p *Process) DebugRecord() DebugRecord {
	return deepcopy.Copy(p.debug).(DebugRecord)
}

// SetDebugStackStart / SetDebugHeapStart let a process's own runtime tell
// the kernel where it believes its stack/heap begin, purely for
// format_process_detail (SPEC_FULL.md section D supplemented feature).
func (p *Process) SetDebugStackStart(a arch.Addr) { p.debug.StackStart = a }
func (p *Process) SetDebugHeapStart(a arch.Addr)  { p.debug.HeapStart = a }

// ReadWord / WriteWord implement arch.Memory over the process's own RAM
// window. The architecture shim is the only caller that should reach
// these directly; everything else goes through AppSlice.
func (p *Process) ReadWord(addr arch.Addr) arch.Addr {
	off := int(addr - p.memStart)
	if off < 0 || off+arch.WordSize > len(p.ram) {
		return 0
	}
	return arch.Addr(p.ram[off]) | arch.Addr(p.ram[off+1])<<8 | arch.Addr(p.ram[off+2])<<16 | arch.Addr(p.ram[off+3])<<24
}

func (p *Process) WriteWord(addr arch.Addr, v arch.Addr) {
	off := int(addr - p.memStart)
	if off < 0 || off+arch.WordSize > len(p.ram) {
		return
	}
	p.ram[off] = byte(v)
	p.ram[off+1] = byte(v >> 8)
	p.ram[off+2] = byte(v >> 16)
	p.ram[off+3] = byte(v >> 24)
}

// StackPointer returns the last-saved user stack top.
func (p *Process) StackPointer() arch.Addr { return p.stackPointer }

// ArchState returns the process's opaque saved register block, for the
// architecture shim to read and update during SwitchTo/PushFunctionCall.
func (p *Process) ArchState() *arch.StoredState { return &p.archState }

// noteStackPointer records the stack pointer returned by the architecture
// shim and updates the minimum-ever high-water mark (spec.md section 3;
// supplemented per SPEC_FULL.md section D).
func (p *Process) noteStackPointer(sp arch.Addr) {
	p.stackPointer = sp
	if sp < p.debug.MinStackPointer {
		p.debug.MinStackPointer = sp
	}
}

// Schedule enqueues a FunctionCall task. Fails if the queue is full or the
// process has faulted (spec.md section 4.2).
func (p *Process) Schedule(call arch.FunctionCall) bool {
	if p.state == Fault {
		p.dropCallback()
		return false
	}
	return p.enqueueCounted(Task{Kind: TaskFunctionCall, Call: call})
}

// ScheduleIPC enqueues an IPC notification task.
func (p *Process) ScheduleIPC(from AppID, kind IpcKind) bool {
	if p.state == Fault {
		p.dropCallback()
		return false
	}
	return p.enqueueCounted(Task{Kind: TaskIPC, Peer: from, IpcK: kind})
}

// enqueueCounted pushes t and, on success, increments the kernel's global
// work counter (spec.md section 4.2: "incremented on every schedule/
// schedule_ipc success").
func (p *Process) enqueueCounted(t Task) bool {
	if !p.tasks.Enqueue(t) {
		p.dropCallback()
		return false
	}
	p.kernel.workCounterAdd(1)
	return true
}

// dropCallback counts a failed enqueue and, subject to the kernel's
// rate limiter, logs it. spec.md section 7: "a task-queue overflow is
// silent at the ABI boundary ... but is counted" — silent to the caller,
// not to the log.
func (p *Process) dropCallback() {
	p.debug.DroppedCallbackCount++
	p.kernel.noteDropped(p)
}

// DequeueTask pops the oldest pending task, decrementing the kernel's
// global work counter on success.
func (p *Process) DequeueTask() (Task, bool) {
	t, ok := p.tasks.Dequeue()
	if ok {
		p.kernel.workCounterAdd(-1)
	}
	return t, ok
}

// HasPendingTask reports whether dequeuing would succeed.
func (p *Process) HasPendingTask() bool { return !p.tasks.Empty() }

// PushFunctionCall delegates to the architecture shim, then counts the
// transition to Running against the kernel's work counter (spec.md section
// 4.2: "incremented ... on push_function_call (transition to Running)").
func (p *Process) PushFunctionCall(syscall arch.SyscallInterface, call arch.FunctionCall) {
	p.stackPointer = syscall.PushFunctionCall(p, p.stackPointer, &p.archState, call)
	p.state = Running
	p.kernel.workCounterAdd(1)
}

// YieldState transitions Running -> Yielded. Decrements the kernel's
// global work counter only when the process actually was Running,
// matching spec.md section 4.2's "decremented ... on yield_state
// transition from Running" precisely (repeated calls while already
// Yielded are a no-op on the counter).
func (p *Process) YieldState() {
	if p.state == Running {
		p.kernel.workCounterAdd(-1)
	}
	p.state = Yielded
}

// FaultState transitions to Fault and applies the configured fault
// policy. Under PolicyRestart the process is reset in place and
// re-queued; under PolicyPanic a *HaltError is returned for the caller to
// surface and stop the kernel loop, mirroring the original's "halt the
// kernel with diagnostic" without this package calling os.Exit itself.
func (p *Process) FaultState() error {
	p.state = Fault
	if p.faultPolicy == PolicyPanic {
		return &HaltError{App: p.id, Package: p.packageName}
	}
	p.restart()
	return nil
}

// HaltError is returned by FaultState when a process's fault policy is
// PolicyPanic. Callers (typically cmd/tocksim) decide how to report it and
// exit; the kernel package itself never calls os.Exit.
type HaltError struct {
	App     AppID
	Package string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("kernel: halting: app %q (idx %d) faulted under panic policy", e.Package, e.App.idx)
}

// restart clears tasks, resets all three moving pointers and the grant
// table to their create-time originals, and re-enqueues the init task
// (spec.md section 4.2 state machine, property P6).
func (p *Process) restart() {
	p.tasks.Clear()
	p.stackPointer = p.origStackPointer
	p.appBreak = p.origAppBreak
	p.kernelMemoryBreak = p.origKernelMemoryBreak
	for i := range p.grantTable {
		p.grantTable[i] = 0
	}
	p.grantPayloads = make(map[int]any)
	p.grantBorrowed = make(map[int]bool)
	p.archState.Reset()
	p.debug.RestartCount++
	p.debug.MinStackPointer = p.stackPointer
	p.state = Yielded
	p.enqueueCounted(Task{Kind: TaskFunctionCall, Call: p.initCall})
}

// Sbrk moves app_break by delta and returns the prior value. Fails with
// ErrOutOfMemory if the new break would cross kernel_memory_break, or
// ErrAddressOutOfBounds if it would fall outside the RAM window.
func (p *Process) Sbrk(delta int32) (arch.Addr, error) {
	return p.Brk(arch.Addr(int64(p.appBreak) + int64(delta)))
}

// Brk sets app_break to newBreak and returns the prior value.
func (p *Process) Brk(newBreak arch.Addr) (arch.Addr, error) {
	if newBreak < p.memStart || newBreak > p.memEnd {
		return p.appBreak, ErrAddressOutOfBounds
	}
	if newBreak > p.kernelMemoryBreak {
		return p.appBreak, ErrOutOfMemory
	}
	old := p.appBreak
	p.appBreak = newBreak
	return old, nil
}

// Alloc carves size bytes downward from kernel_memory_break, returning the
// base address of the new region. Fails with ErrOutOfMemory if doing so
// would cross app_break. Never returns the same bytes twice; there is no
// matching Free (spec.md section 4.2): reclamation only happens via
// restart.
func (p *Process) Alloc(size uint32) (arch.Addr, error) {
	newBreak := p.kernelMemoryBreak - arch.Addr(size)
	if newBreak < p.appBreak || newBreak > p.kernelMemoryBreak {
		return 0, ErrOutOfMemory
	}
	p.kernelMemoryBreak = newBreak
	return newBreak, nil
}

// GrantPtr returns the raw pointer-table slot for a grant kind: zero if
// that grant has never been materialised for this process.
func (p *Process) GrantPtr(num int) arch.Addr {
	if num < 0 || num >= len(p.grantTable) {
		return 0
	}
	return p.grantTable[num]
}

// materializeGrant performs the lazy allocation described in spec.md
// section 4.3: the first time grant num is touched for this process, carve
// size bytes via Alloc, record the carved address in the pointer table
// (readable through GrantPtr, though the payload itself is not addressed
// through it), and create the zero-valued Go payload. Subsequent calls
// return the existing payload. A grant number outside the table (a grant
// registered after this process was created) fails with ErrNoSuchApp.
func (p *Process) materializeGrant(num int, size uint32, zero func() any) (any, error) {
	if num < 0 || num >= len(p.grantTable) {
		return nil, ErrNoSuchApp
	}
	if payload, ok := p.grantPayloads[num]; ok {
		return payload, nil
	}
	addr, err := p.Alloc(size)
	if err != nil {
		return nil, err
	}
	p.grantTable[num] = addr
	payload := zero()
	p.grantPayloads[num] = payload
	return payload, nil
}

// InExposedBounds reports whether [base, base+size) lies entirely within
// the process's RAM window (spec.md section 4.2).
func (p *Process) InExposedBounds(base arch.Addr, size uint32) bool {
	if size == 0 {
		return base >= p.memStart && base <= p.memEnd
	}
	end := base + arch.Addr(size)
	if end < base {
		return false // overflow
	}
	return base >= p.memStart && end <= p.memEnd
}

// NewAppSlice builds a bounds-checked AppSlice over this process's RAM,
// validating the bounds once at construction (spec.md section 3).
func (p *Process) NewAppSlice(base arch.Addr, length uint32) (AppSlice, error) {
	if !p.InExposedBounds(base, length) {
		return AppSlice{}, ErrAddressOutOfBounds
	}
	return AppSlice{Owner: p.id, Base: base, Length: length, proc: p}, nil
}

// AddMPURegion inserts base/size into the IPC region table (spec.md
// section 4.2): reuses an existing entry with the same base if the new
// size is larger, otherwise takes the first empty slot. Rejects malformed
// requests per property P4 (size < 16, size not a power of two, base not
// size-aligned).
func (p *Process) AddMPURegion(base arch.Addr, size uint32) bool {
	if size < 16 || size&(size-1) != 0 {
		return false
	}
	if uint32(base)%size != 0 {
		return false
	}
	for i := range p.mpuRegions {
		if p.mpuRegions[i].Valid && p.mpuRegions[i].Base == base {
			if size > p.mpuRegions[i].Size {
				p.mpuRegions[i].Size = size
			}
			return true
		}
	}
	for i := range p.mpuRegions {
		if !p.mpuRegions[i].Valid {
			p.mpuRegions[i] = Region{Base: base, Size: size, Valid: true, Access: AccessReadWrite}
			return true
		}
	}
	return false
}

// InstallMPU writes the fixed flash, RAM, grant, and up-to-five IPC
// regions to the platform MPU (spec.md section 4.2).
func (p *Process) InstallMPU(mpu MPU) {
	if r, ok := mpu.CreateRegion(0, p.flashStart, uint32(p.flashEnd-p.flashStart), true, AccessReadOnly); ok {
		mpu.SetMPU(r)
	}
	if r, ok := mpu.CreateRegion(1, p.memStart, uint32(p.kernelMemoryBreak-p.memStart), true, AccessReadWrite); ok {
		mpu.SetMPU(r)
	}
	if r, ok := mpu.CreateRegion(2, p.kernelMemoryBreak, uint32(p.memEnd-p.kernelMemoryBreak), false, AccessPrivilegedOnly); ok {
		mpu.SetMPU(r)
	}
	for i, region := range p.mpuRegions {
		if !region.Valid {
			continue
		}
		if r, ok := mpu.CreateRegion(3+i, region.Base, region.Size, false, AccessReadWrite); ok {
			mpu.SetMPU(r)
		}
	}
	mpu.EnableMPU()
}

// TeardownMPU disables the MPU between process visits.
func (p *Process) TeardownMPU(mpu MPU) {
	mpu.DisableMPU()
}
