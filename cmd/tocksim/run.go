package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/tocksim/kernel/internal/arch"
	"github.com/tocksim/kernel/internal/arch/sim"
	"github.com/tocksim/kernel/internal/boardcfg"
	"github.com/tocksim/kernel/internal/flashimage"
	"github.com/tocksim/kernel/internal/kernel"
	"github.com/tocksim/kernel/internal/klog"
	"github.com/tocksim/kernel/internal/simchip"
	"github.com/tocksim/kernel/internal/tbf"
)

type runCommand struct {
	board    string
	image    string
	script   string
	maxTicks int
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "load a flash image and drive the kernel to completion or a fault" }
func (*runCommand) Usage() string {
	return "run -board <manifest.toml> -image <flash.bin> [-script <scenario.toml>] - run the simulator\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.board, "board", "", "path to the board manifest (TOML)")
	f.StringVar(&c.image, "image", "", "path to the flash image file")
	f.StringVar(&c.script, "script", "", "optional scripted syscall scenario (TOML)")
	f.IntVar(&c.maxTicks, "max-ticks", 1000, "stop after this many scheduler sweeps, counted whether or not work is pending")
}

func (c *runCommand) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	chip := simchip.New()
	if c.script != "" {
		if err := loadScript(chip.Shim(), c.script); err != nil {
			fmt.Println(err)
			return subcommands.ExitFailure
		}
	}

	platform := &nullPlatform{}

	ticks := 0
	stop := func() bool {
		ticks++
		return ticks > c.maxTicks
	}

	if err := k.Run(platform, chip, stop); err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	printSummary(k)
	return subcommands.ExitSuccess
}

func loadBoardAndImage(boardPath, imagePath string) (*boardcfg.Board, *flashimage.Image, error) {
	if boardPath == "" || imagePath == "" {
		return nil, nil, fmt.Errorf("tocksim: -board and -image are required")
	}
	board, err := boardcfg.Load(boardPath)
	if err != nil {
		return nil, nil, err
	}
	img, err := flashimage.Open(imagePath)
	if err != nil {
		return nil, nil, err
	}
	return board, img, nil
}

// loadAllProcesses repeatedly runs kernel.Kernel.LoadImage over the flash
// image, advancing past each header whether or not it produced a live
// process (spec.md section 4.2: a disabled or padding image still
// advances the flash pointer by its declared total_size).
func loadAllProcesses(k *kernel.Kernel, board *boardcfg.Board, flash []byte) error {
	flashAddr := arch.Addr(board.FlashBase)
	ramBase := arch.Addr(board.RAMBase)
	ramRemaining := board.RAMSize
	flashEnd := arch.Addr(board.FlashBase + board.FlashSize)

	headerAt := func(addr arch.Addr) (kernel.Header, bool) {
		off := uint32(addr) - board.FlashBase
		h, ok := tbf.ParseAndValidate(flash, off)
		if !ok {
			return nil, false
		}
		return h, true
	}

	for flashAddr < flashEnd {
		flashConsumed, ramConsumed, err := k.LoadImage(flashAddr, ramBase, ramRemaining, board.FaultPolicy(), headerAt)
		if flashConsumed == 0 {
			// No valid header here: no more apps in flash.
			break
		}
		if err != nil {
			return err
		}
		flashAddr += arch.Addr(flashConsumed)
		ramBase += arch.Addr(ramConsumed)
		if ramConsumed > ramRemaining {
			break
		}
		ramRemaining -= ramConsumed
	}
	return nil
}

// nullPlatform has no registered drivers; every syscall targeting one
// reports ENODEVICE. Board-specific driver wiring is out of this
// repository's scope (spec.md section 1: "driver/capsule implementations"
// are external collaborators).
type nullPlatform struct{}

func (*nullPlatform) WithDriver(drvNum int, fn func(kernel.Driver, bool) kernel.ReturnCode) kernel.ReturnCode {
	return fn(nil, false)
}

// scriptFile is the TOML shape of a scripted scenario: a flat list of
// actions consumed, in order, by the shared architecture shim.
type scriptFile struct {
	Actions []scriptAction `toml:"action"`
}

type scriptAction struct {
	Reason  string     `toml:"reason"` // "syscall", "fault", "other"
	Syscall string     `toml:"syscall"` // "yield", "subscribe", "command", "allow", "memop"
	Args    [4]uint32  `toml:"args"`
}

func loadScript(shim *sim.Shim, path string) error {
	var sf scriptFile
	if _, err := toml.DecodeFile(path, &sf); err != nil {
		return fmt.Errorf("tocksim: script: %w", err)
	}
	for _, a := range sf.Actions {
		act := sim.Action{
			Args: [4]arch.Addr{arch.Addr(a.Args[0]), arch.Addr(a.Args[1]), arch.Addr(a.Args[2]), arch.Addr(a.Args[3])},
		}
		switch a.Reason {
		case "fault":
			act.Reason = arch.Fault
		case "syscall":
			act.Reason = arch.SyscallFired
			act.Syscall = parseSyscallName(a.Syscall)
		default:
			act.Reason = arch.Other
		}
		shim.Script(act)
	}
	return nil
}

func parseSyscallName(name string) arch.Syscall {
	switch name {
	case "yield":
		return arch.Yield
	case "subscribe":
		return arch.Subscribe
	case "command":
		return arch.Command
	case "allow":
		return arch.Allow
	case "memop":
		return arch.Memop
	default:
		return arch.Yield
	}
}

func printSummary(k *kernel.Kernel) {
	for _, p := range k.Processes() {
		if p == nil {
			continue
		}
		d := p.DebugRecord()
		fmt.Printf("%-16s state=%-8s syscalls=%-4d dropped=%-3d restarts=%d\n",
			p.PackageName(), p.State(), d.SyscallCount, d.DroppedCallbackCount, d.RestartCount)
	}
}
