// Package boardcfg loads a board manifest: process slot count, RAM/flash
// window, tick timing, and default fault policy. This is the Go-native
// analogue of the teacher's runsc/config package (config.NewFromFlags),
// substituting a declarative TOML board file for the container runtime's
// flag-derived Config (SPEC_FULL.md section A).
package boardcfg

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/tocksim/kernel/internal/kernel"
)

// Board is the parsed manifest. Each field's toml tag names its key in the
// manifest, in the teacher's own config-struct style.
type Board struct {
	Name string `toml:"name"`

	Slots             int    `toml:"process_slots"`
	TaskQueueCapacity int    `toml:"task_queue_capacity"`
	FlashBase         uint32 `toml:"flash_base"`
	FlashSize         uint32 `toml:"flash_size"`
	RAMBase           uint32 `toml:"ram_base"`
	RAMSize           uint32 `toml:"ram_size"`

	KernelTickDurationUs   uint32 `toml:"kernel_tick_duration_us"`
	MinQuantaThresholdUs   uint32 `toml:"min_quanta_threshold_us"`

	FaultPolicyName string `toml:"fault_policy"` // "panic" or "restart"
}

// Load parses a board manifest from path.
func Load(path string) (*Board, error) {
	var b Board
	if _, err := toml.DecodeFile(path, &b); err != nil {
		return nil, fmt.Errorf("boardcfg: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Board) validate() error {
	if b.Slots <= 0 {
		return fmt.Errorf("boardcfg: process_slots must be positive")
	}
	if b.TaskQueueCapacity <= 0 {
		return fmt.Errorf("boardcfg: task_queue_capacity must be positive")
	}
	if b.RAMSize == 0 {
		return fmt.Errorf("boardcfg: ram_size must be nonzero")
	}
	switch b.FaultPolicyName {
	case "", "restart", "panic":
	default:
		return fmt.Errorf("boardcfg: unknown fault_policy %q", b.FaultPolicyName)
	}
	return nil
}

// FaultPolicy maps the manifest's string to the kernel package's enum,
// defaulting to Restart (a single mis-flashed app shouldn't take a whole
// board down).
func (b *Board) FaultPolicy() kernel.FaultPolicy {
	if b.FaultPolicyName == "panic" {
		return kernel.PolicyPanic
	}
	return kernel.PolicyRestart
}
