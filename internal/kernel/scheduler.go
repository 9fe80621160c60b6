// Package kernel implements the process abstraction, the round-robin
// scheduler, and the system-call dispatch path of a memory-constrained
// embedded kernel: one process record per loaded application, a
// context-switch protocol mediated by an architecture shim, and a
// per-process grant allocator that lets drivers keep state inside each
// app's own RAM.
package kernel

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tocksim/kernel/internal/arch"
)

// Logger is the minimal structured-logging surface internal/kernel
// depends on. internal/klog adapts a logrus.FieldLogger to it; tests pass
// no Logger and get the no-op one. Kernel code otherwise stays silent, the same split
// the teacher draws between pkg/sentry/kernel and runsc/cli (SPEC_FULL.md
// section A).
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)   {}
func (nopLogger) Infof(string, ...any)    {}
func (nopLogger) Warningf(string, ...any) {}

// Kernel owns the process array and the two pieces of state spec.md
// section 9 calls "irreducibly global": the grant-number counter
// (assigned at boot only) and the work counter the outer loop uses to
// decide whether to sleep.
type Kernel struct {
	handle    uint32
	processes []*Process

	taskQueueCapacity int
	grantNumCounter   int
	workCounter       int64

	tickDurationUs       uint32
	minQuantaThresholdUs uint32

	logger         Logger
	dropWarnLimit  *rate.Limiter
}

// Config bundles the board-derived parameters the kernel needs at
// construction (internal/boardcfg loads these from a TOML manifest).
type Config struct {
	Handle               uint32
	Slots                int
	TaskQueueCapacity    int
	TickDurationUs       uint32
	MinQuantaThresholdUs uint32
	Logger               Logger
}

// NewKernel constructs an empty kernel ready to have processes loaded into
// it via LoadImage.
func NewKernel(cfg Config) *Kernel {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Kernel{
		handle:               cfg.Handle,
		processes:            make([]*Process, cfg.Slots),
		taskQueueCapacity:    cfg.TaskQueueCapacity,
		tickDurationUs:       cfg.TickDurationUs,
		minQuantaThresholdUs: cfg.MinQuantaThresholdUs,
		logger:               logger,
		dropWarnLimit:        rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (k *Kernel) nextGrantNum() int {
	n := k.grantNumCounter
	k.grantNumCounter++
	return n
}

func (k *Kernel) grantCount() int { return k.grantNumCounter }

func (k *Kernel) workCounterAdd(delta int64) { atomic.AddInt64(&k.workCounter, delta) }

// WorkPending reports whether any process has outstanding scheduled work,
// per property P3's accounting.
func (k *Kernel) WorkPending() bool { return atomic.LoadInt64(&k.workCounter) != 0 }

func (k *Kernel) process(id AppID) (*Process, error) {
	if id.kernelHandle != k.handle || id.idx < 0 || id.idx >= len(k.processes) {
		return nil, ErrNoSuchApp
	}
	p := k.processes[id.idx]
	if p == nil {
		return nil, ErrNoSuchApp
	}
	return p, nil
}

func (k *Kernel) noteDropped(p *Process) {
	if k.dropWarnLimit.Allow() {
		k.logger.Warningf("app %q dropped a callback (dropped_callback_count=%d)", p.packageName, p.debug.DroppedCallbackCount)
	}
}

// Processes returns the live process slots, nil where unoccupied.
func (k *Kernel) Processes() []*Process { return k.processes }

// LoadImage runs the create-time layout algorithm for one flash header at
// flashAddr/ramBase and, on success, installs the resulting process into
// the first free slot. headerAt parses the header (internal/tbf in
// production, a scripted fake in tests), matching the "Application binary
// header" external interface of spec.md section 6.
func (k *Kernel) LoadImage(flashAddr, ramBase arch.Addr, ramRemaining uint32, faultPolicy FaultPolicy, headerAt func(arch.Addr) (Header, bool)) (flashConsumed, ramConsumed uint32, err error) {
	hdr, ok := headerAt(flashAddr)
	if !ok {
		return 0, 0, fmt.Errorf("kernel: no valid header at %#08x", uint32(flashAddr))
	}

	slot := -1
	for i, p := range k.processes {
		if p == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return hdr.TotalSize(), 0, fmt.Errorf("kernel: no free process slot for %q", hdr.PackageName())
	}

	id := AppID{kernelHandle: k.handle, idx: slot}
	proc, flashUsed, ramUsed, err := createProcess(k, id, hdr, layoutParams{
		FlashAddr:     flashAddr,
		RAMBase:       ramBase,
		RAMRemaining:  ramRemaining,
		FaultResponse: faultPolicy,
		TaskQueueCap:  k.taskQueueCapacity,
	})
	if err != nil {
		return flashUsed, 0, err
	}
	if proc == nil {
		// Disabled or padding image: loader should skip it, not an error.
		return flashUsed, 0, nil
	}
	k.processes[slot] = proc
	k.logger.Infof("loaded %q into slot %d (flash %d bytes, ram %d bytes)", proc.packageName, slot, flashUsed, ramUsed)
	return flashUsed, ramUsed, nil
}

// Run drives the outer scheduler loop of spec.md section 4.4 to
// completion. stop is checked once per sweep, and Run returns nil only
// when it reports true; a *HaltError propagates immediately from a
// PolicyPanic fault.
func (k *Kernel) Run(platform Platform, chip Chip, stop func() bool) error {
	for !stop() {
		chip.ServicePendingInterrupts()
		for idx, p := range k.processes {
			if p == nil {
				continue
			}
			id := AppID{kernelHandle: k.handle, idx: idx}
			if err := k.doProcess(platform, chip, p, id); err != nil {
				return err
			}
			if chip.HasPendingInterrupts() {
				break
			}
		}
		if !k.WorkPending() && !chip.HasPendingInterrupts() {
			chip.Atomic(func() {
				if !k.WorkPending() && !chip.HasPendingInterrupts() {
					chip.Sleep()
				}
			})
		}
	}
	return nil
}

// doProcess is one visit to one process slot (spec.md section 4.4).
func (k *Kernel) doProcess(platform Platform, chip Chip, p *Process, id AppID) error {
	syscall := chip.Syscall()
	tick := chip.SysTick()
	tick.Reset()
	tick.SetTimer(k.tickDurationUs)
	tick.Enable(true)

	for {
		if chip.HasPendingInterrupts() || tick.Overflowed() || !tick.GreaterThan(k.minQuantaThresholdUs) {
			break
		}

		switch p.State() {
		case Running:
			p.InstallMPU(chip.MPU())
			sp, reason := syscall.SwitchTo(p, p.stackPointer, &p.archState)
			p.noteStackPointer(sp)
			p.TeardownMPU(chip.MPU())

			switch reason {
			case arch.Fault:
				if err := p.FaultState(); err != nil {
					tick.Enable(false)
					return err
				}
				continue
			case arch.Other:
				tick.Enable(false)
				return nil
			case arch.SyscallFired:
				if err := k.dispatchSyscall(platform, syscall, p); err != nil {
					tick.Enable(false)
					return err
				}
				continue
			}

		case Yielded:
			task, ok := p.DequeueTask()
			if !ok {
				tick.Enable(false)
				return nil
			}
			switch task.Kind {
			case TaskFunctionCall:
				p.PushFunctionCall(syscall, task.Call)
			case TaskIPC:
				deliverIPC(k, p, task)
			}
			continue

		case Fault:
			panic("kernel: scheduler visited a process already in Fault state")
		}
	}
	tick.Enable(false)
	return nil
}

// deliverIPC forwards an IPC task to its peer. Full inter-process service
// dispatch is outside this kernel core's scope (spec.md section 1 scopes
// out "inter-processor coordination" beyond the core contract); this
// records the notification as a pending callback on the peer so a
// higher-level IPC capsule can act on it, the same shape spec.md section
// 4.4 describes ("Ipc -> forward to the IPC collaborator").
func deliverIPC(k *Kernel, p *Process, task Task) {
	peer, err := k.process(task.Peer)
	if err != nil {
		return
	}
	peer.ScheduleIPC(p.id, task.IpcK)
}
