package simchip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tocksim/kernel/internal/arch"
	"github.com/tocksim/kernel/internal/kernel"
)

type fakeHeader struct {
	totalSize, protectedSize, initOffset, minRAM uint32
	name                                         string
}

func (h *fakeHeader) TotalSize() uint32                   { return h.totalSize }
func (h *fakeHeader) IsApp() bool                         { return true }
func (h *fakeHeader) Enabled() bool                       { return true }
func (h *fakeHeader) MinimumAppRAMSize() uint32           { return h.minRAM }
func (h *fakeHeader) InitFunctionOffset() uint32          { return h.initOffset }
func (h *fakeHeader) ProtectedSize() uint32               { return h.protectedSize }
func (h *fakeHeader) PackageName() string                 { return h.name }
func (h *fakeHeader) NumberWriteableFlashRegions() int    { return 0 }
func (h *fakeHeader) WriteableFlashRegion(i int) (uint32, uint32) { return 0, 0 }

type nullPlatform struct{}

func (nullPlatform) WithDriver(drvNum int, fn func(kernel.Driver, bool) kernel.ReturnCode) kernel.ReturnCode {
	return fn(nil, false)
}

// TestRunStopsOnInjectedInterrupt drives kernel.Kernel.Run on a Chip while a
// separate goroutine injects an interrupt, mirroring how the simulator CLI
// would run the kernel loop alongside an external event source. The two
// goroutines are coordinated with golang.org/x/sync/errgroup, per
// SPEC_FULL.md section B's rationale for depending on it.
func TestRunStopsOnInjectedInterrupt(t *testing.T) {
	k := kernel.NewKernel(kernel.Config{
		Handle:               1,
		Slots:                2,
		TaskQueueCapacity:    4,
		TickDurationUs:       1000,
		MinQuantaThresholdUs: 10,
	})

	hdr := &fakeHeader{totalSize: 0x1000, protectedSize: 0x80, initOffset: 0x81, minRAM: 0x200, name: "app1"}
	_, _, err := k.LoadImage(0x20000, 0x10000000, 1<<20, kernel.PolicyRestart, func(arch.Addr) (kernel.Header, bool) {
		return hdr, true
	})
	require.NoError(t, err)

	chip := New()
	platform := nullPlatform{}

	g, ctx := errgroup.WithContext(context.Background())
	interrupted := make(chan struct{})

	g.Go(func() error {
		stop := func() bool {
			select {
			case <-interrupted:
				return true
			default:
				return chip.HasPendingInterrupts()
			}
		}
		return k.Run(platform, chip, stop)
	})

	g.Go(func() error {
		time.Sleep(5 * time.Millisecond)
		if err := chip.InjectInterrupt(ctx); err != nil {
			return err
		}
		close(interrupted)
		return nil
	})

	require.NoError(t, g.Wait())
	require.True(t, chip.HasPendingInterrupts())
}
