package kernel

import "unsafe"

// Grant[T] is the per-driver, per-process slab of spec.md section 4.3: a
// handle carrying the grant_num assigned at boot by the kernel's
// monotonically increasing counter. Go generics stand in for the original
// Rust trait object plus associated type; the handle itself is immutable
// and cheap to copy, so drivers are expected to hold one Grant[T] per
// piece of per-app state they own, exactly as the original holds one
// Grant per capsule field.
//
// A grant payload's backing bytes never actually live inside the
// simulated RAM window: the pointer-table slot and the kernel_memory_break
// accounting move exactly as the original's do (so P1/P2 and
// capacity-exhaustion behavior hold), but the payload itself is a plain Go
// value reached through a side table on *Process, sidestepping an unsafe
// reinterpretation of process RAM bytes as a Go struct. This is recorded
// as an open-question resolution in DESIGN.md.
type Grant[T any] struct {
	num int
	k   *Kernel
}

// newGrant assigns the next grant_num from the kernel's boot-time counter.
// Grant kinds are enumerated once, at boot, never afterward (spec.md
// section 9: "the grant-counter, assigned at boot only").
func newGrant[T any](k *Kernel) Grant[T] {
	return Grant[T]{num: k.nextGrantNum(), k: k}
}

// NewGrant registers a new grant kind against k. Call during board setup,
// one per capsule field that needs per-app storage; never in a hot path.
func NewGrant[T any](k *Kernel) Grant[T] { return newGrant[T](k) }

func grantSize[T any]() uint32 {
	var zero T
	return uint32(unsafe.Sizeof(zero))
}

// Enter ensures a payload exists for (appID, this grant kind), then runs fn
// with exclusive access to it. Fails with ErrNoSuchApp if appID names no
// process, ErrOutOfMemory if materializing the payload would overrun the
// process's kernel_memory_break.
//
// spec.md section 5: re-entering the same (process, kind) pair while a
// borrow is live is a usage error; detected here via a borrowed-flag on
// the process, same as the original's on-entry header flag.
func (g Grant[T]) Enter(appID AppID, fn func(*T) ReturnCode) (ReturnCode, error) {
	p, err := g.k.process(appID)
	if err != nil {
		return 0, err
	}
	payload, err := p.materializeGrant(g.num, grantSize[T](), func() any { return new(T) })
	if err != nil {
		return 0, err
	}
	if p.grantBorrowed[g.num] {
		return ReturnEBUSY, nil
	}
	p.grantBorrowed[g.num] = true
	defer delete(p.grantBorrowed, g.num)
	return fn(payload.(*T)), nil
}

// freeGrant is the original's documented no-op: grants are never reclaimed
// individually, only by a whole-process restart (spec.md section 4.3's data
// model). Kept as a named method, not deleted, so the interface shape
// matches the original and a future per-grant free has an obvious home.
func (g Grant[T]) freeGrant(appID AppID) {}

// Each invokes fn once per process for which this grant kind has already
// been materialised, in process-array order (spec.md section 4.3: "iter /
// each enumerate only those processes for which this grant kind has
// already been materialised").
func (g Grant[T]) Each(fn func(AppID, *T)) {
	for idx, p := range g.k.processes {
		if p == nil {
			continue
		}
		if payload, ok := p.grantPayloads[g.num]; ok {
			fn(AppID{kernelHandle: g.k.handle, idx: idx}, payload.(*T))
		}
	}
}
