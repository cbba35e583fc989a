// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package netdev

import (
	"fmt"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"gvisor.dev/softnet/pkg/log"
)

// WatchdogPolicy selects what happens when a device keeps stalling.
type WatchdogPolicy string

const (
	// WatchdogEscalate resets the device on every stall and invokes the
	// registry fatal handler once the hit threshold is reached within the
	// window.
	WatchdogEscalate WatchdogPolicy = "escalate"

	// WatchdogReset only resets the device.
	WatchdogReset WatchdogPolicy = "reset"
)

// Config holds the tunables of the device layer. The zero value is not
// valid; start from DefaultConfig.
type Config struct {
	// MaxQueueLen is the maximum number of packets pending on a transmit
	// soft queue.
	MaxQueueLen int `toml:"max_queue_len"`

	// BlockTimeout bounds every quiescence wait: blocking a device,
	// disabling a receive context.
	BlockTimeout time.Duration `toml:"block_timeout"`

	// BlockPollInterval is the sleep between two quiescence checks.
	BlockPollInterval time.Duration `toml:"block_poll_interval"`

	// AssertOnTimeout turns quiescence timeouts into panics.
	AssertOnTimeout bool `toml:"assert_on_timeout"`

	// DebugBlockDelay is slept at the end of every device block, to
	// simulate slow completions.
	DebugBlockDelay time.Duration `toml:"debug_block_delay"`

	// WatchdogTimeout is the default transmit timeout of devices whose
	// driver handles timeouts.
	WatchdogTimeout time.Duration `toml:"watchdog_timeout"`

	// WatchdogPeriod is the interval between two watchdog sweeps.
	WatchdogPeriod time.Duration `toml:"watchdog_period"`

	// WatchdogHitThreshold is the number of stalls within WatchdogWindow
	// that triggers escalation.
	WatchdogHitThreshold int `toml:"watchdog_hit_threshold"`

	WatchdogWindow time.Duration  `toml:"watchdog_window"`
	WatchdogPolicy WatchdogPolicy `toml:"watchdog_policy"`

	// PollQuantum is the time slice of one poll unit invocation.
	PollQuantum time.Duration `toml:"poll_quantum"`

	// Workers is the number of poll workers. Zero means one per CPU.
	Workers int `toml:"workers"`

	// MaxPollUnits bounds the number of poll units.
	MaxPollUnits int `toml:"max_poll_units"`

	// DefaultWeight is the poll budget of receive contexts added without
	// an explicit weight.
	DefaultWeight int `toml:"default_weight"`

	// SoftwareGRO enables software receive aggregation for devices
	// without hardware aggregation.
	SoftwareGRO bool `toml:"software_gro"`

	LogLevel log.Level `toml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueLen:          1000,
		BlockTimeout:         5 * time.Second,
		BlockPollInterval:    time.Millisecond,
		WatchdogTimeout:      5 * time.Second,
		WatchdogPeriod:       time.Second,
		WatchdogHitThreshold: 3,
		WatchdogWindow:       5 * time.Minute,
		WatchdogPolicy:       WatchdogEscalate,
		PollQuantum:          2 * time.Millisecond,
		MaxPollUnits:         1024,
		DefaultWeight:        64,
		SoftwareGRO:          true,
		LogLevel:             log.Info,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("decoding %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, fmt.Errorf("%q: unknown keys %v", path, undecoded)
	}
	return c, c.Validate()
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() (e error) {
	positive := func(name string, v int64) {
		if v <= 0 {
			e = multierr.Append(e, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("max_queue_len", int64(c.MaxQueueLen))
	positive("block_timeout", int64(c.BlockTimeout))
	positive("block_poll_interval", int64(c.BlockPollInterval))
	positive("watchdog_timeout", int64(c.WatchdogTimeout))
	positive("watchdog_period", int64(c.WatchdogPeriod))
	positive("watchdog_hit_threshold", int64(c.WatchdogHitThreshold))
	positive("watchdog_window", int64(c.WatchdogWindow))
	positive("poll_quantum", int64(c.PollQuantum))
	positive("max_poll_units", int64(c.MaxPollUnits))
	positive("default_weight", int64(c.DefaultWeight))
	if c.Workers < 0 {
		e = multierr.Append(e, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.DebugBlockDelay < 0 {
		e = multierr.Append(e, fmt.Errorf("debug_block_delay must not be negative, got %v", c.DebugBlockDelay))
	}
	if c.BlockPollInterval > c.BlockTimeout {
		e = multierr.Append(e, fmt.Errorf("block_poll_interval %v exceeds block_timeout %v", c.BlockPollInterval, c.BlockTimeout))
	}
	switch c.WatchdogPolicy {
	case WatchdogEscalate, WatchdogReset:
	default:
		e = multierr.Append(e, fmt.Errorf("unknown watchdog_policy %q", c.WatchdogPolicy))
	}
	return e
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}
