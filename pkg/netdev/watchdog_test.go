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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type watchdogFixture struct {
	*fixture
	clock  *fakeClock
	fatals []error
}

func newWatchdogFixture(t *testing.T, policy WatchdogPolicy) *watchdogFixture {
	cfg := testConfig()
	cfg.WatchdogTimeout = time.Second
	cfg.WatchdogHitThreshold = 2
	cfg.WatchdogWindow = time.Minute
	cfg.WatchdogPolicy = policy
	w := &watchdogFixture{clock: newFakeClock()}
	w.fixture = newFixture(t, fixtureOptions{
		cfg: cfg,
		dev: DeviceOptions{TxQueues: 2},
		regOpts: RegistryOptions{
			Clock: w.clock,
			FatalHandler: func(err error) {
				w.fatals = append(w.fatals, err)
			},
		},
	})
	w.bringUp()
	return w
}

// stall stops hardware queue i and lets the clock run past the timeout.
func (w *watchdogFixture) stall(i int) {
	w.dev.StopHWQueue(i)
	w.clock.Advance(2 * time.Second)
}

func TestWatchdogTimeout(t *testing.T) {
	w := newWatchdogFixture(t, WatchdogEscalate)

	w.dev.StopHWQueue(1)
	w.clock.Advance(500 * time.Millisecond)
	w.reg.WatchdogSweep()
	if len(w.drv.timeouts) != 0 {
		t.Fatalf("timeout reported before the deadline: %v", w.drv.timeouts)
	}

	w.clock.Advance(time.Second)
	w.reg.WatchdogSweep()
	if diff := cmp.Diff([]int{1}, w.drv.timeouts); diff != "" {
		t.Errorf("timeouts mismatch (-want +got):\n%s", diff)
	}
	if got := w.dev.Stats().WatchdogHits.Value(); got != 1 {
		t.Errorf("watchdog hits = %d, want 1", got)
	}
	if len(w.fatals) != 0 {
		t.Errorf("escalated after one hit: %v", w.fatals)
	}

	// The timestamp was refreshed: no second hit until another timeout.
	w.reg.WatchdogSweep()
	if len(w.drv.timeouts) != 1 {
		t.Errorf("timeouts = %v, want one", w.drv.timeouts)
	}

	w.clock.Advance(2 * time.Second)
	w.reg.WatchdogSweep()
	if len(w.fatals) != 1 {
		t.Fatalf("fatal handler called %d times, want 1", len(w.fatals))
	}
}

func TestWatchdogWindow(t *testing.T) {
	w := newWatchdogFixture(t, WatchdogEscalate)
	w.stall(0)
	w.reg.WatchdogSweep()
	w.dev.WakeHWQueue(0)
	w.run()

	// The first hit has left the window when the second one happens.
	w.clock.Advance(2 * time.Minute)
	w.stall(0)
	w.reg.WatchdogSweep()
	if got := w.dev.Stats().WatchdogHits.Value(); got != 2 {
		t.Errorf("watchdog hits = %d, want 2", got)
	}
	if len(w.fatals) != 0 {
		t.Errorf("escalated on hits outside the window: %v", w.fatals)
	}
}

func TestWatchdogResetPolicy(t *testing.T) {
	w := newWatchdogFixture(t, WatchdogReset)
	for i := 0; i < 4; i++ {
		w.stall(0)
		w.reg.WatchdogSweep()
	}
	if diff := cmp.Diff([]int{0, 0, 0, 0}, w.drv.timeouts); diff != "" {
		t.Errorf("timeouts mismatch (-want +got):\n%s", diff)
	}
	if len(w.fatals) != 0 {
		t.Errorf("reset policy escalated: %v", w.fatals)
	}
}

func TestWatchdogSkipsIdleDevices(t *testing.T) {
	w := newWatchdogFixture(t, WatchdogEscalate)
	w.dev.SetWatchdogTimeout(0)
	w.stall(0)
	w.reg.WatchdogSweep()
	if len(w.drv.timeouts) != 0 {
		t.Errorf("timeout reported with the watchdog off: %v", w.drv.timeouts)
	}

	w.dev.SetWatchdogTimeout(time.Second)
	if err := w.dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.reg.WatchdogSweep()
	if len(w.drv.timeouts) != 0 {
		t.Errorf("timeout reported on a closed device: %v", w.drv.timeouts)
	}
}

func TestCarrierSync(t *testing.T) {
	w := newWatchdogFixture(t, WatchdogEscalate)
	admitting := func() []bool {
		var got []bool
		for i := 0; i < w.dev.NumTxQueues(); i++ {
			got = append(got, w.dev.TxQueue(i).Admitting())
		}
		return got
	}
	if diff := cmp.Diff([]bool{true, true}, admitting()); diff != "" {
		t.Fatalf("queues after Open mismatch (-want +got):\n%s", diff)
	}

	w.dev.SetCarrier(false)
	w.reg.WatchdogSweep()
	if diff := cmp.Diff([]bool{false, false}, admitting()); diff != "" {
		t.Errorf("queues without carrier mismatch (-want +got):\n%s", diff)
	}
	if err := w.dev.Transmit(w.tr.pkts(1)); err == nil {
		t.Errorf("Transmit without carrier succeeded")
	}

	w.dev.SetCarrier(true)
	w.reg.WatchdogSweep()
	if diff := cmp.Diff([]bool{true, true}, admitting()); diff != "" {
		t.Errorf("queues with carrier back mismatch (-want +got):\n%s", diff)
	}
	if err := w.dev.Transmit(w.tr.pkts(2)); err != nil {
		t.Errorf("Transmit: %v", err)
	}
}

func TestWatchdogRecord(t *testing.T) {
	var wd watchdog
	base := time.Unix(0, 0)
	for i, tc := range []struct {
		at   time.Duration
		want int
	}{
		{0, 1},
		{10 * time.Second, 2},
		{30 * time.Second, 3},
		{65 * time.Second, 2},
		{200 * time.Second, 1},
	} {
		if got := wd.record(base.Add(tc.at), time.Minute); got != tc.want {
			t.Errorf("record %d at %v = %d, want %d", i, tc.at, got, tc.want)
		}
	}
}
