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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

var errNotYet = errors.New("condition not met")

// waitFor polls cond every BlockPollInterval until it holds or BlockTimeout
// elapses. On timeout it warns, or panics if AssertOnTimeout is set, and
// returns false.
func (d *Device) waitFor(what string, cond func() bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.BlockTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(d.cfg.BlockPollInterval), ctx)
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}, b)
	if err == nil {
		return true
	}
	d.stats.Timeouts.Increment()
	d.assertf("timed out after %v waiting for %s", d.cfg.BlockTimeout, what)
	return false
}

// assertf reports a broken expectation: a panic with AssertOnTimeout, a
// warning otherwise.
func (d *Device) assertf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if d.cfg.AssertOnTimeout {
		panic(fmt.Sprintf("%s: %s", d.name, msg))
	}
	d.log.Warningf("%s", msg)
}

// Block quiesces the device: every soft queue is flushed and blocked, no
// drainer is inside the driver and no receive poll is running when Block
// returns. Blocking a blocked device is a no-op.
func (d *Device) Block() {
	if d.testAndSetFlags(flagBlocked) {
		return
	}
	d.log.Debugf("blocking")
	for _, q := range d.txq {
		q.block()
		d.waitFor(fmt.Sprintf("tx queue %d schedule claim", q.index), func() bool {
			return q.scheduled.CompareAndSwap(false, true)
		})
		d.waitFor(fmt.Sprintf("tx queue %d drain", q.index), func() bool {
			return !q.processing.Load()
		})
	}
	d.waitFor("receive polls", func() bool {
		return d.rxInFlight.Load() == 0
	})
	if delay := d.cfg.DebugBlockDelay; delay > 0 {
		time.Sleep(delay)
	}
}

// Unblock re-opens the soft queues and restarts receive polls requested
// while the device was blocked.
func (d *Device) Unblock() {
	// A poll activated while blocked counts itself in flight before it
	// sees the flag and leaves.
	d.waitFor("receive polls before unblock", func() bool {
		return d.rxInFlight.Load() == 0
	})
	for _, q := range d.txq {
		q.scheduled.Store(false)
		if q.unblock() {
			d.scheduleQueue(q)
		}
	}
	d.clearFlags(flagBlocked)
	d.reactivateRx()
	d.log.Debugf("unblocked")
}

// Open brings the device up. The device is left blocked: the owner calls
// Unblock once it is ready for traffic.
func (d *Device) Open() error {
	if d.Running() {
		return nil
	}
	d.setFlags(flagRunning)
	if err := d.driver.Open(d); err != nil {
		d.clearFlags(flagRunning)
		return fmt.Errorf("opening %s: %w", d.name, err)
	}
	if _, ok := d.driver.(TxTimeouter); ok && d.WatchdogTimeout() == 0 {
		d.SetWatchdogTimeout(d.cfg.WatchdogTimeout)
	}
	d.Block()
	d.setFlags(flagUp | flagPromisc)
	d.syncRxMode()
	d.log.Infof("opened")
	return nil
}

// Close brings the device down. Closing a closed device is a no-op.
func (d *Device) Close() error {
	if !d.Running() {
		return nil
	}
	d.Block()
	// Wait for drainers that got in before the queues were blocked.
	for _, q := range d.txq {
		g := q.lock()
		g.waitXmit()
		g.unlock()
	}
	d.clearFlags(flagRunning)
	d.driver.Stop(d)
	d.clearFlags(flagUp)
	d.log.Infof("closed")
	return nil
}
