package kernel

import "github.com/tocksim/kernel/internal/arch"

// ReturnCode is the signed ABI-level result convention of spec.md section
// 4.5: non-negative is success, negative values name a specific failure.
// Driver methods and syscall dispatch speak this type across the boundary
// kernel errors never cross.
type ReturnCode int32

const (
	Success     ReturnCode = 0
	ReturnEINVAL ReturnCode = -1
	ReturnENOMEM ReturnCode = -2
	ReturnENODEVICE ReturnCode = -3
	ReturnEBUSY ReturnCode = -4
)

// Driver is the capsule contract of spec.md section 6. A driver owning a
// device number is invoked from syscall dispatch with the calling
// process's AppID; it must not retain the Callback/AppSlice it is handed
// past the call that gave it one, since those close over *Process state
// that spec.md section 5 says a driver may only borrow for the duration of
// a single command/subscribe/allow.
type Driver interface {
	Command(cmdNum int, arg1, arg2 arch.Addr, caller AppID) ReturnCode
	Subscribe(subNum int, cb Callback, caller AppID) ReturnCode
	Allow(caller AppID, which int, slice *AppSlice) ReturnCode
}

// Platform resolves a driver number to its Driver, matching the
// with_driver(drv_num, fn(Option<&Driver>) -> R) shape of spec.md section
// 6: callers pass a closure rather than holding a Driver reference beyond
// the lookup. found is false if drvNum names no registered driver, in
// which case d is nil.
type Platform interface {
	WithDriver(drvNum int, fn func(d Driver, found bool) ReturnCode) ReturnCode
}

// Region describes one installed MPU window: base address, size (always a
// power of two), whether the region is executable, and its access mode.
type Region struct {
	Base    arch.Addr
	Size    uint32
	Exec    bool
	Access  AccessMode
	Valid   bool
}

// AccessMode is the MPU permission tag for one region.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessReadWrite
	AccessPrivilegedOnly
)

// MPU is the memory-protection-unit contract of spec.md section 6.
type MPU interface {
	CreateRegion(index int, base arch.Addr, length uint32, exec bool, access AccessMode) (Region, bool)
	SetMPU(r Region)
	EnableMPU()
	DisableMPU()
}

// SysTick is the time-slice timer contract of spec.md section 6.
type SysTick interface {
	Reset()
	SetTimer(us uint32)
	Enable(bool)
	Overflowed() bool
	GreaterThan(us uint32) bool
}

// Chip bundles the per-board services the scheduler's outer loop needs
// (spec.md section 6): interrupt servicing, the idle-sleep primitive, and
// accessors for the MPU/SysTick/SyscallInterface singletons.
type Chip interface {
	ServicePendingInterrupts()
	HasPendingInterrupts() bool
	Sleep()
	Atomic(fn func())
	MPU() MPU
	SysTick() SysTick
	Syscall() arch.SyscallInterface
}

// Header is the application binary header accessor contract of spec.md
// section 6: only its accessors are in scope, not the parsing format
// itself (implemented by internal/tbf).
type Header interface {
	TotalSize() uint32
	IsApp() bool
	Enabled() bool
	MinimumAppRAMSize() uint32
	InitFunctionOffset() uint32
	ProtectedSize() uint32
	PackageName() string
	NumberWriteableFlashRegions() int
	WriteableFlashRegion(i int) (offset, size uint32)
}
