package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/tocksim/kernel/internal/arch/sim"
	"github.com/tocksim/kernel/internal/kernel"
	"github.com/tocksim/kernel/internal/klog"
)

type inspectCommand struct {
	board string
	image string
}

func (*inspectCommand) Name() string     { return "inspect" }
func (*inspectCommand) Synopsis() string { return "print per-process debug records without running the kernel loop" }
func (*inspectCommand) Usage() string {
	return "inspect -board <manifest.toml> -image <flash.bin> - print loaded process detail\n"
}

func (c *inspectCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.board, "board", "", "path to the board manifest (TOML)")
	f.StringVar(&c.image, "image", "", "path to the flash image file")
}

func (c *inspectCommand) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	logger, _ := args[0].(*logrus.Logger)

	board, img, err := loadBoardAndImage(c.board, c.image)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	defer img.Close()

	k := kernel.NewKernel(kernel.Config{
		Handle:               1,
		Slots:                board.Slots,
		TaskQueueCapacity:    board.TaskQueueCapacity,
		TickDurationUs:       board.KernelTickDurationUs,
		MinQuantaThresholdUs: board.MinQuantaThresholdUs,
		Logger:               klog.New(logger),
	})

	if err := loadAllProcesses(k, board, img.Bytes()); err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	shim := sim.New()
	for _, p := range k.Processes() {
		if p == nil {
			continue
		}
		memStart, memEnd := p.MemoryBounds()
		flashStart, flashEnd := p.FlashBounds()
		d := p.DebugRecord()
		fmt.Printf("=== %s ===\n", p.PackageName())
		fmt.Printf("  state:        %s\n", p.State())
		fmt.Printf("  flash window: %#08x..%#08x (app start %#08x)\n", uint32(flashStart), uint32(flashEnd), uint32(p.FlashAppStart()))
		fmt.Printf("  ram window:   %#08x..%#08x\n", uint32(memStart), uint32(memEnd))
		fmt.Printf("  stack ptr:    %#08x (min ever %#08x)\n", uint32(p.StackPointer()), uint32(d.MinStackPointer))
		fmt.Printf("  syscalls:     %d (dropped callbacks %d, restarts %d)\n", d.SyscallCount, d.DroppedCallbackCount, d.RestartCount)
		shim.FormatProcessDetail(p, p.StackPointer(), os.Stdout)
	}

	return subcommands.ExitSuccess
}
