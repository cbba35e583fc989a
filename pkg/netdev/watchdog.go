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
	"sync"
	"time"
)

// watchdog is the stall history of a device.
type watchdog struct {
	mu sync.Mutex
	// +checklocks:mu
	hits []time.Time
}

// record adds a hit at now, forgets hits older than window and returns the
// number of hits left.
func (w *watchdog) record(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hits = append(w.hits, now)
	i := 0
	for i < len(w.hits) && now.Sub(w.hits[i]) > window {
		i++
	}
	w.hits = append(w.hits[:0], w.hits[i:]...)
	return len(w.hits)
}

// watchdogSweep is run periodically for every connected device.
func (d *Device) watchdogSweep(now time.Time) {
	d.syncQueueStates()

	timeout := d.WatchdogTimeout()
	tt, ok := d.driver.(TxTimeouter)
	if !ok || timeout <= 0 || !d.hasFlags(flagPresent|flagRunning) {
		return
	}
	for _, q := range d.txq {
		if !q.xoff.Load() || now.Sub(q.LastTransmit()) <= timeout {
			continue
		}
		d.stats.WatchdogHits.Increment()
		d.rlog.Warningf("tx queue %d timed out after %v", q.index, now.Sub(q.LastTransmit()))
		tt.TxTimeout(d, q.index)
		q.touch(now)

		hits := d.wd.record(now, d.cfg.WatchdogWindow)
		if hits >= d.cfg.WatchdogHitThreshold && d.cfg.WatchdogPolicy == WatchdogEscalate {
			d.reg.fatal(fmt.Errorf("%s: %d transmit timeouts within %v", d.name, hits, d.cfg.WatchdogWindow))
		}
	}
}

// syncQueueStates starts or stops the soft queues in bulk to follow the
// presence, running and carrier states.
func (d *Device) syncQueueStates() {
	f := d.flags.Load()
	want := f&(flagPresent|flagRunning|flagCarrier) == flagPresent|flagRunning|flagCarrier
	started := f&flagQueuesStarted != 0
	switch {
	case want && !started:
		d.log.Debugf("starting soft queues")
		d.StartAllQueues()
	case !want && started:
		d.log.Debugf("stopping soft queues")
		d.StopAllQueues()
	}
}
