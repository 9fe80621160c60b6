// Package simchip is the host-only implementation of internal/kernel's
// Chip, MPU, and SysTick interfaces: the simulated board a kernel.Kernel
// runs against when there is no real silicon underneath it. It pairs with
// internal/arch/sim, which supplies the architecture-shim half of the same
// simulation.
package simchip

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/semaphore"

	"github.com/tocksim/kernel/internal/arch"
	"github.com/tocksim/kernel/internal/arch/sim"
	"github.com/tocksim/kernel/internal/kernel"
)

// Chip bundles the simulated interrupt controller, MPU, SysTick, and
// architecture shim into one kernel.Chip. It is safe to drive the timer
// and interrupt injector from goroutines started with golang.org/x/sync's
// errgroup alongside a kernel.Kernel.Run call, since the interrupt-
// controller state is guarded by a semaphore modeling the single piece of
// hardware both sides touch (SPEC_FULL.md section B).
type Chip struct {
	shim *sim.Shim
	mpu  *MPU
	tick *SysTick

	// hwSem models the single interrupt-controller resource: only one
	// side (the kernel loop servicing interrupts, or an injector
	// delivering a new one) manipulates pendingInterrupts at a time.
	hwSem *semaphore.Weighted

	pendingInterrupts int32
}

// New constructs a Chip with its own MPU, SysTick, and sim.Shim.
func New() *Chip {
	return &Chip{
		shim:  sim.New(),
		mpu:   &MPU{},
		tick:  &SysTick{},
		hwSem: semaphore.NewWeighted(1),
	}
}

// Shim exposes the underlying sim.Shim so callers can Script syscall
// outcomes before driving the kernel loop.
func (c *Chip) Shim() *sim.Shim { return c.shim }

// InjectInterrupt marks an interrupt pending, to be observed by
// HasPendingInterrupts/ServicePendingInterrupts on the kernel loop's next
// check.
func (c *Chip) InjectInterrupt(ctx context.Context) error {
	if err := c.hwSem.Acquire(ctx, 1); err != nil {
		return err
	}
	atomic.StoreInt32(&c.pendingInterrupts, 1)
	c.hwSem.Release(1)
	return nil
}

func (c *Chip) ServicePendingInterrupts() {
	_ = c.hwSem.Acquire(context.Background(), 1)
	defer c.hwSem.Release(1)
	atomic.StoreInt32(&c.pendingInterrupts, 0)
}

func (c *Chip) HasPendingInterrupts() bool {
	return atomic.LoadInt32(&c.pendingInterrupts) != 0
}

// Sleep models the board's low-power "wait for interrupt" instruction: a
// bounded exponential backoff poll instead of a tight busy-spin, since a
// host process has no low-power idle state to drop into. Grounded on
// SPEC_FULL.md section B's rationale for the cenkalti/backoff dependency.
func (c *Chip) Sleep() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 50 * time.Millisecond

	deadline := time.Now().Add(b.MaxElapsedTime)
	for time.Now().Before(deadline) {
		if c.HasPendingInterrupts() {
			return
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return
		}
		time.Sleep(d)
	}
}

// Atomic runs fn with the interrupt-controller resource held, the
// simulated stand-in for a brief interrupts-disabled critical section.
func (c *Chip) Atomic(fn func()) {
	_ = c.hwSem.Acquire(context.Background(), 1)
	defer c.hwSem.Release(1)
	fn()
}

func (c *Chip) MPU() kernel.MPU               { return c.mpu }
func (c *Chip) SysTick() kernel.SysTick       { return c.tick }
func (c *Chip) Syscall() arch.SyscallInterface { return c.shim }

var _ kernel.Chip = (*Chip)(nil)

// MPU is the host-simulated memory-protection-unit: it records installed
// regions without enforcing anything, since a host process has no MPU
// registers to program. RecordedRegions reports what was installed, in
// place of reading real hardware state.
type MPU struct {
	mu      sync.Mutex
	regions [8]kernel.Region
	enabled bool
}

func (m *MPU) CreateRegion(index int, base arch.Addr, length uint32, exec bool, access kernel.AccessMode) (kernel.Region, bool) {
	if index < 0 || index >= len(m.regions) {
		return kernel.Region{}, false
	}
	return kernel.Region{Base: base, Size: length, Exec: exec, Access: access, Valid: true}, true
}

func (m *MPU) SetMPU(r kernel.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.regions {
		if !m.regions[i].Valid {
			m.regions[i] = r
			return
		}
	}
}

func (m *MPU) EnableMPU() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *MPU) DisableMPU() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	for i := range m.regions {
		m.regions[i] = kernel.Region{}
	}
}

// RecordedRegions returns a snapshot of the regions installed since the
// last DisableMPU, for test assertions.
func (m *MPU) RecordedRegions() []kernel.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kernel.Region, 0, len(m.regions))
	for _, r := range m.regions {
		if r.Valid {
			out = append(out, r)
		}
	}
	return out
}

var _ kernel.MPU = (*MPU)(nil)

// SysTick is the host-simulated time-slice timer. Since a host process has
// no hardware tick, elapsed time passes only through explicit calls to
// Advance rather than a real clock interrupt.
type SysTick struct {
	mu           sync.Mutex
	armedUs      uint32
	remainingUs  uint32
	overflowed   bool
	enabled      bool
}

func (s *SysTick) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remainingUs = s.armedUs
	s.overflowed = false
}

func (s *SysTick) SetTimer(us uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armedUs = us
	s.remainingUs = us
	s.overflowed = false
}

func (s *SysTick) Enable(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = b
}

func (s *SysTick) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

func (s *SysTick) GreaterThan(us uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingUs > us
}

// Advance simulates the passage of elapsedUs of wall-clock time in place of
// a real interrupt. It has no effect while the timer is disabled.
func (s *SysTick) Advance(elapsedUs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	if elapsedUs >= s.remainingUs {
		s.remainingUs = 0
		s.overflowed = true
		return
	}
	s.remainingUs -= elapsedUs
}

var _ kernel.SysTick = (*SysTick)(nil)
