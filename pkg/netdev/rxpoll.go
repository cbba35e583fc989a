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
	"gvisor.dev/softnet/pkg/pktbuf"
	"gvisor.dev/softnet/pkg/pollunit"
)

// pollWork classifies what a receive context needs.
type pollWork uint8

const (
	// workPoll means the driver must be polled.
	workPoll pollWork = 1 << iota

	// workFlush means held packets must go upstream now.
	workFlush
)

const (
	// stackPushMin is the number of held packets above which they are
	// always flushed.
	stackPushMin = 3

	// maxFlushSkips is the number of turns a small batch may wait for more
	// packets while the driver keeps delivering.
	maxFlushSkips = 3

	// skipAfterFlush is the skip count right after a flush. Under steady
	// traffic it makes every third turn a flush turn.
	skipAfterFlush = 2
)

// pendingWork decides what c needs given the number of turns since the last
// flush.
func (c *RxContext) pendingWork(skip int) pollWork {
	s := c.state.Load()
	if s&rxDisabled != 0 {
		return 0
	}
	if s&rxDisable != 0 {
		// Disable is waiting: hand over what is held, never poll.
		if c.pending.Len() > 0 {
			return workFlush
		}
		return 0
	}
	var w pollWork
	if s&rxSched != 0 {
		w |= workPoll
	}
	switch n := c.pending.Len(); {
	case n == 0:
	case n > stackPushMin:
		w |= workFlush
	case w&workPoll == 0:
		w |= workFlush
	case skip == 0 || skip > maxFlushSkips:
		w |= workFlush
	}
	return w
}

// turn runs one flush and poll step and returns the new skip count.
func (c *RxContext) turn(w pollWork, skip int) int {
	if w&workFlush != 0 {
		c.flush()
		skip = skipAfterFlush
	} else {
		skip++
	}
	if w&workPoll != 0 {
		c.dev.stats.Rx.Polls.Increment()
		c.poll(c, c.weight)
		if c.gro != nil {
			c.gro.flush(&c.pending)
		}
	}
	return skip
}

// flush delivers the held packets upstream.
func (c *RxContext) flush() {
	d := c.dev
	var batch pktbuf.List
	batch.Join(&c.pending)
	n := uint64(batch.Len())

	up := d.upstream.Load()
	if up == nil {
		batch.ReleaseAll()
		d.stats.Rx.Dropped.IncrementBy(n)
		return
	}
	d.stats.Rx.Flushes.Increment()
	d.stats.Rx.Delivered.IncrementBy(n)
	(*up).Deliver(d, c.id, &batch)
	// Upstream owns the packets, but must not leave them on our list.
	if !batch.Empty() {
		d.rlog.Warningf("upstream left %d packets on the delivered list", batch.Len())
		batch.ReleaseAll()
	}
}

// pollLoop is the dedicated unit callback of c.
func (c *RxContext) pollLoop(u *pollunit.Unit) {
	d := c.dev
	d.rxInFlight.Add(1)
	defer d.rxInFlight.Add(-1)

	skip := 0
	for {
		if d.Blocked() {
			// Unblock re-activates the unit if a poll is still requested.
			c.dropPending()
			u.SetState(pollunit.Suspended)
			return
		}
		w := c.pendingWork(skip)
		if w == 0 {
			u.SetState(pollunit.Suspended)
			return
		}
		skip = c.turn(w, skip)
		if c.pendingWork(skip) == 0 {
			u.SetState(pollunit.Suspended)
			return
		}
		if yield, err := u.ShouldYield(); err != nil || yield {
			d.stats.Rx.Yields.Increment()
			u.SetState(pollunit.Ready)
			return
		}
	}
}

// backupPoll is the backup unit callback. It serves the receive contexts
// without a dedicated unit round robin, one turn at a time, and never defers
// a flush.
func (d *Device) backupPoll(u *pollunit.Unit, _ any) {
	d.rxInFlight.Add(1)
	defer d.rxInFlight.Add(-1)

	for {
		if d.Blocked() {
			for _, c := range d.RxContexts() {
				if c.unit == nil {
					c.dropPending()
				}
			}
			u.SetState(pollunit.Suspended)
			return
		}
		c, w := d.nextBackupWork()
		if c == nil {
			u.SetState(pollunit.Suspended)
			return
		}
		c.turn(w, 0)
		if yield, err := u.ShouldYield(); err != nil || yield {
			d.stats.Rx.Yields.Increment()
			u.SetState(pollunit.Ready)
			return
		}
	}
}

// nextBackupWork returns the first backup served context with work and
// moves it to the tail of the list.
func (d *Device) nextBackupWork() (*RxContext, pollWork) {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	for i, c := range d.rxContexts {
		if c.unit != nil {
			continue
		}
		if w := c.pendingWork(0); w != 0 {
			copy(d.rxContexts[i:], d.rxContexts[i+1:])
			d.rxContexts[len(d.rxContexts)-1] = c
			return c, w
		}
	}
	return nil, 0
}

// reactivateRx re-activates contexts whose poll was requested while the
// device was blocked.
func (d *Device) reactivateRx() {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	backup := false
	for _, c := range d.rxContexts {
		if c.state.Load()&(rxSched|rxDisabled) != rxSched {
			continue
		}
		if c.unit != nil {
			c.unit.Activate()
		} else {
			backup = true
		}
	}
	if backup {
		d.backupUnit.Activate()
	}
}
