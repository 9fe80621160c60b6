package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tocksim/kernel/internal/arch"
	"github.com/tocksim/kernel/internal/arch/sim"
)

// fakeHeader is a scripted kernel.Header for tests, standing in for a
// parsed Tock Binary Format header (spec.md section 6).
type fakeHeader struct {
	totalSize      uint32
	protectedSize  uint32
	initOffset     uint32
	minRAM         uint32
	name           string
	enabled, isApp bool
	flashRegions   [][2]uint32
}

func (h *fakeHeader) TotalSize() uint32          { return h.totalSize }
func (h *fakeHeader) IsApp() bool                { return h.isApp }
func (h *fakeHeader) Enabled() bool              { return h.enabled }
func (h *fakeHeader) MinimumAppRAMSize() uint32  { return h.minRAM }
func (h *fakeHeader) InitFunctionOffset() uint32 { return h.initOffset }
func (h *fakeHeader) ProtectedSize() uint32      { return h.protectedSize }
func (h *fakeHeader) PackageName() string        { return h.name }
func (h *fakeHeader) NumberWriteableFlashRegions() int { return len(h.flashRegions) }
func (h *fakeHeader) WriteableFlashRegion(i int) (uint32, uint32) {
	return h.flashRegions[i][0], h.flashRegions[i][1]
}

func testKernel(t *testing.T) *Kernel {
	t.Helper()
	return NewKernel(Config{
		Handle:               1,
		Slots:                4,
		TaskQueueCapacity:    8,
		TickDurationUs:       10000,
		MinQuantaThresholdUs: 100,
	})
}

func defaultHeader() *fakeHeader {
	return &fakeHeader{
		totalSize:     0x1000,
		protectedSize: 0x80,
		initOffset:    0x81,
		minRAM:        0x400,
		name:          "app1",
		enabled:       true,
		isApp:         true,
	}
}

// Scenario 1: Load and init (spec.md section 8).
func TestLoadAndInit(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	flashBase := arch.Addr(0x20000)
	ramBase := arch.Addr(0x10000000)

	flashConsumed, _, err := k.LoadImage(flashBase, ramBase, 1<<20, PolicyRestart, func(a arch.Addr) (Header, bool) {
		require.Equal(t, flashBase, a)
		return hdr, true
	})
	require.NoError(t, err)
	require.Equal(t, hdr.totalSize, flashConsumed)

	procs := k.Processes()
	require.NotNil(t, procs[0])
	p := procs[0]

	require.Equal(t, flashBase+arch.Addr(hdr.protectedSize), p.FlashAppStart())

	task, ok := p.DequeueTask()
	require.True(t, ok)
	require.Equal(t, TaskFunctionCall, task.Kind)
	require.Equal(t, flashBase+arch.Addr(hdr.initOffset), task.Call.PC)
	require.Equal(t, p.FlashAppStart(), task.Call.R0)
	require.Equal(t, ramBase, task.Call.R1)
	require.Equal(t, p.appBreak, task.Call.R3)
}

// Scenario 2 + property P3: yield round-trip and work-counter balance.
func TestYieldRoundTrip(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	shim := sim.New()
	task, ok := p.DequeueTask()
	require.True(t, ok)
	p.PushFunctionCall(shim, task.Call)
	require.Equal(t, Running, p.State())

	spBefore := p.StackPointer()
	shim.Script(sim.Action{Reason: arch.SyscallFired, Syscall: arch.Yield})
	newSP, reason := shim.SwitchTo(p, p.stackPointer, &p.archState)
	p.noteStackPointer(newSP)
	require.Equal(t, arch.SyscallFired, reason)

	require.NoError(t, k.dispatchSyscall(&nullPlatformTest{}, shim, p))
	require.Equal(t, Yielded, p.State())
	require.Equal(t, spBefore+8*arch.WordSize, p.StackPointer())
	require.False(t, k.WorkPending())
}

// Scenario 4: sbrk overflow.
func TestSbrkOverflow(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	hdr.minRAM = 0x4000 // large enough that both breaks below lie inside the RAM window
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	memStart, _ := p.MemoryBounds()
	p.appBreak = memStart + 0x2000
	p.kernelMemoryBreak = memStart + 0x2100

	before := p.appBreak
	_, err = p.Sbrk(0x200)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, before, p.appBreak)
}

// Scenario 5: ALLOW with an out-of-range slice is rejected before the
// driver is invoked.
func TestAllowRejection(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	_, end := p.MemoryBounds()
	called := false
	platform := &recordingPlatform{drv: &fakeDriver{onAllow: func(AppID, int, *AppSlice) ReturnCode {
		called = true
		return Success
	}}}

	shim := sim.New()
	shim.Script(sim.Action{Reason: arch.SyscallFired, Syscall: arch.Allow, Args: [4]arch.Addr{0, 0, end + 1, 1}})
	newSP, _ := shim.SwitchTo(p, p.stackPointer, &p.archState)
	p.stackPointer = newSP
	require.NoError(t, k.dispatchSyscall(platform, shim, p))
	require.False(t, called)
	w0, _, _, _ := shim.SyscallArgs(p, p.stackPointer)
	require.Equal(t, int32(ReturnEINVAL), int32(w0))
}

// Scenario 6 + property P6: fault then restart.
func TestFaultRestart(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	origKMB := p.kernelMemoryBreak
	_, ok := p.DequeueTask() // drain the init task so the queue starts empty
	require.True(t, ok)

	err = p.FaultState()
	require.NoError(t, err)

	require.Equal(t, Yielded, p.State())
	require.Equal(t, p.origStackPointer, p.stackPointer)
	require.Equal(t, p.origAppBreak, p.appBreak)
	require.Equal(t, origKMB, p.kernelMemoryBreak)
	for _, slot := range p.grantTable {
		require.Equal(t, arch.Addr(0), slot)
	}
	require.EqualValues(t, 1, p.DebugRecord().RestartCount)

	task, ok := p.DequeueTask()
	require.True(t, ok)
	require.Equal(t, TaskFunctionCall, task.Kind)
	require.Equal(t, p.initCall, task.Call)
	_, ok = p.DequeueTask()
	require.False(t, ok)
}

func TestFaultPanicPolicyHalts(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyPanic, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	err = p.FaultState()
	require.Error(t, err)
	var haltErr *HaltError
	require.ErrorAs(t, err, &haltErr)
	require.Equal(t, Fault, p.State())
}

// Property P4: AddMPURegion rejects malformed requests and reuses an
// existing base entry when the new size is larger.
func TestAddMPURegion(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	require.False(t, p.AddMPURegion(0x100, 15))   // too small
	require.False(t, p.AddMPURegion(0x101, 16))   // base not aligned
	require.True(t, p.AddMPURegion(0x100, 16))
	require.True(t, p.AddMPURegion(0x100, 32)) // reuse, grow
	require.Equal(t, uint32(32), p.mpuRegions[0].Size)
}

// Property P5: set_syscall_return/syscall_args round-trip.
func TestSyscallReturnRoundTrip(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	shim := sim.New()
	shim.SetSyscallReturn(p, p.stackPointer, -7)
	w0, _, _, _ := shim.SyscallArgs(p, p.stackPointer)
	require.Equal(t, int32(-7), int32(w0))
}

func TestGrantLazyMaterialization(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()

	// Grant kinds are registered during board setup, before any process is
	// created, so each process's grant table has a slot for them.
	type counters struct{ n int }
	grant := NewGrant[counters](k)

	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)

	p := k.Processes()[0]
	require.Equal(t, arch.Addr(0), p.GrantPtr(grant.num))

	rc, err := grant.Enter(p.id, func(c *counters) ReturnCode {
		c.n++
		return Success
	})
	require.NoError(t, err)
	require.Equal(t, Success, rc)
	require.NotEqual(t, arch.Addr(0), p.GrantPtr(grant.num))

	seen := 0
	grant.Each(func(id AppID, c *counters) {
		seen++
		require.Equal(t, 1, c.n)
	})
	require.Equal(t, 1, seen)
}

func TestTaskQueueOverflowDrops(t *testing.T) {
	k := testKernel(t)
	hdr := defaultHeader()
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, PolicyRestart, func(arch.Addr) (Header, bool) { return hdr, true })
	require.NoError(t, err)
	p := k.Processes()[0]

	for i := 0; i < k.taskQueueCapacity*2; i++ {
		p.Schedule(arch.FunctionCall{})
	}
	require.Equal(t, k.taskQueueCapacity, p.tasks.Len())
	require.Greater(t, p.DebugRecord().DroppedCallbackCount, uint64(0))
}

// --- small test helpers ---

type recordingPlatform struct{ drv Driver }

func (r *recordingPlatform) WithDriver(drvNum int, fn func(Driver, bool) ReturnCode) ReturnCode {
	return fn(r.drv, true)
}

type nullPlatformTest struct{}

func (*nullPlatformTest) WithDriver(drvNum int, fn func(Driver, bool) ReturnCode) ReturnCode {
	return fn(nil, false)
}

type fakeDriver struct {
	onCommand   func(int, arch.Addr, arch.Addr, AppID) ReturnCode
	onSubscribe func(int, Callback, AppID) ReturnCode
	onAllow     func(AppID, int, *AppSlice) ReturnCode
}

func (d *fakeDriver) Command(cmdNum int, arg1, arg2 arch.Addr, caller AppID) ReturnCode {
	if d.onCommand != nil {
		return d.onCommand(cmdNum, arg1, arg2, caller)
	}
	return Success
}

func (d *fakeDriver) Subscribe(subNum int, cb Callback, caller AppID) ReturnCode {
	if d.onSubscribe != nil {
		return d.onSubscribe(subNum, cb, caller)
	}
	return Success
}

func (d *fakeDriver) Allow(caller AppID, which int, slice *AppSlice) ReturnCode {
	if d.onAllow != nil {
		return d.onAllow(caller, which, slice)
	}
	return Success
}
