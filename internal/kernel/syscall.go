package kernel

import "github.com/tocksim/kernel/internal/arch"

// Memop subcommand numbers. spec.md section 4.5 names the subcommands
// MEMOP must cover but not their numeric encoding; this assigns one,
// recorded as an open-question resolution in DESIGN.md.
const (
	MemopBrk               = 0
	MemopSbrk               = 1
	MemopMemStart           = 2
	MemopMemEnd             = 3
	MemopFlashAppStart      = 4
	MemopFlashEnd           = 5
	MemopSetDebugStackStart = 6
	MemopSetDebugHeapStart  = 7
	MemopFlashRegionCount   = 8
	MemopFlashRegionStart   = 9
	MemopFlashRegionSize    = 10
)

// dispatchSyscall implements spec.md section 4.4 step 3's SyscallFired
// branch: decode the call, route it, and write a return value into the
// frame (except YIELD, which has none).
func (k *Kernel) dispatchSyscall(platform Platform, syscall arch.SyscallInterface, p *Process) error {
	num, ok := syscall.SyscallNumber(p, p.stackPointer)
	if !ok {
		syscall.SetSyscallReturn(p, p.stackPointer, int32(ReturnEINVAL))
		return nil
	}
	p.debug.SyscallCount++
	p.debug.LastSyscall = num
	p.debug.LastSyscallValid = true

	w0, w1, w2, w3 := syscall.SyscallArgs(p, p.stackPointer)

	switch num {
	case arch.Yield:
		p.YieldState()
		p.stackPointer = syscall.PopSyscallFrame(p, p.stackPointer, &p.archState)

	case arch.Subscribe:
		drv, sub, fnPtr, userdata := int(w0), int(w1), w2, w3
		cb := Callback{owner: p.id, proc: p, UserData: userdata, FnPtr: fnPtr}
		rc := platform.WithDriver(drv, func(d Driver, found bool) ReturnCode {
			if !found {
				return ReturnENODEVICE
			}
			return d.Subscribe(sub, cb, p.id)
		})
		syscall.SetSyscallReturn(p, p.stackPointer, int32(rc))

	case arch.Command:
		drv, cmd, arg1, arg2 := int(w0), int(w1), w2, w3
		rc := platform.WithDriver(drv, func(d Driver, found bool) ReturnCode {
			if !found {
				return ReturnENODEVICE
			}
			return d.Command(cmd, arg1, arg2, p.id)
		})
		syscall.SetSyscallReturn(p, p.stackPointer, int32(rc))

	case arch.Allow:
		drv, which, addr, length := int(w0), int(w1), w2, w3
		var rc ReturnCode
		if addr != 0 {
			if !p.InExposedBounds(addr, uint32(length)) {
				rc = ReturnEINVAL
			} else {
				slice, err := p.NewAppSlice(addr, uint32(length))
				if err != nil {
					rc = ReturnEINVAL
				} else {
					rc = platform.WithDriver(drv, func(d Driver, found bool) ReturnCode {
						if !found {
							return ReturnENODEVICE
						}
						return d.Allow(p.id, which, &slice)
					})
				}
			}
		} else {
			rc = platform.WithDriver(drv, func(d Driver, found bool) ReturnCode {
				if !found {
					return ReturnENODEVICE
				}
				return d.Allow(p.id, which, nil)
			})
		}
		syscall.SetSyscallReturn(p, p.stackPointer, int32(rc))

	case arch.Memop:
		rc := k.memop(p, int(w0), w1)
		syscall.SetSyscallReturn(p, p.stackPointer, int32(rc))
	}

	return nil
}

// memop implements the MEMOP subcommands of spec.md section 4.5.
func (k *Kernel) memop(p *Process, op int, arg arch.Addr) int32 {
	switch op {
	case MemopBrk:
		old, err := p.Brk(arg)
		if err != nil {
			return int32(errorReturnCode(err))
		}
		return int32(old)
	case MemopSbrk:
		old, err := p.Sbrk(int32(arg))
		if err != nil {
			return int32(errorReturnCode(err))
		}
		return int32(old)
	case MemopMemStart:
		return int32(p.memStart)
	case MemopMemEnd:
		return int32(p.memEnd)
	case MemopFlashAppStart:
		return int32(p.FlashAppStart())
	case MemopFlashEnd:
		return int32(p.flashEnd)
	case MemopSetDebugStackStart:
		p.SetDebugStackStart(arg)
		return int32(Success)
	case MemopSetDebugHeapStart:
		p.SetDebugHeapStart(arg)
		return int32(Success)
	case MemopFlashRegionCount:
		return int32(len(p.writeableFlashRegions))
	case MemopFlashRegionStart:
		if int(arg) < 0 || int(arg) >= len(p.writeableFlashRegions) {
			return int32(ReturnEINVAL)
		}
		return int32(p.writeableFlashRegions[arg][0])
	case MemopFlashRegionSize:
		if int(arg) < 0 || int(arg) >= len(p.writeableFlashRegions) {
			return int32(ReturnEINVAL)
		}
		return int32(p.writeableFlashRegions[arg][1])
	default:
		return int32(ReturnEINVAL)
	}
}

// errorReturnCode maps the four kernel error sentinels (spec.md section 7)
// to their ABI-level signed return codes.
func errorReturnCode(err error) ReturnCode {
	switch err {
	case ErrNoSuchApp:
		return ReturnEINVAL
	case ErrOutOfMemory:
		return ReturnENOMEM
	case ErrAddressOutOfBounds:
		return ReturnEINVAL
	case ErrNoSuchDevice:
		return ReturnENODEVICE
	default:
		return ReturnEINVAL
	}
}
