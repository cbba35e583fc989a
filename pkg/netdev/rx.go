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
	"sync/atomic"

	"gvisor.dev/softnet/pkg/pktbuf"
	"gvisor.dev/softnet/pkg/pollunit"
)

// Receive context states.
const (
	// rxSched means a poll is requested, or the context is owned by
	// Disable.
	rxSched uint32 = 1 << iota

	// rxDisable is the intent of a pending Disable.
	rxDisable

	// rxDisabled means the context is disabled and never polled.
	rxDisabled
)

// RxContext is the receive state of one hardware receive queue.
type RxContext struct {
	dev    *Device
	id     uint32
	poll   PollFunc
	weight int

	state atomic.Uint32

	// unit is the dedicated poll unit, nil when the context is served by
	// the device backup unit.
	unit *pollunit.Unit

	// pending and gro are owned by the running poll turn. The driver
	// appends to pending through Receive from inside its poll callback.
	pending pktbuf.List
	gro     *groTable
}

// AddRxContext creates a receive context polled by poll with the given
// budget. A weight of zero or less selects the configured default.
//
// The context gets a dedicated poll unit when possible and falls back to
// the device backup unit otherwise.
func (d *Device) AddRxContext(poll PollFunc, weight int) *RxContext {
	if weight <= 0 {
		weight = d.cfg.DefaultWeight
	}
	c := &RxContext{
		dev:    d,
		poll:   poll,
		weight: weight,
	}
	c.pending.Init()

	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	d.nextRxID++
	c.id = d.nextRxID

	d.reg.mu.Lock()
	class, caps := d.class, d.caps
	d.reg.mu.Unlock()
	if d.cfg.SoftwareGRO && !caps.Has(CapHWAggregation) {
		c.gro = newGROTable(&d.stats)
	}

	var err error
	if class == "" {
		err = &ErrNotConnected{Device: d.name}
	} else {
		c.unit, err = d.reg.sched.Create(class, fmt.Sprintf("%s-rx%d", d.name, c.id), runRxContext, c)
	}
	if err != nil {
		d.log.Warningf("rx context %d: no dedicated poll unit, using the backup unit: %v", c.id, err)
		c.unit = nil
	} else if d.defaultUnit == nil {
		d.defaultUnit = c.unit
	}
	d.rxContexts = append(d.rxContexts, c)
	return c
}

func runRxContext(u *pollunit.Unit, arg any) {
	arg.(*RxContext).pollLoop(u)
}

// ID returns the context id, unique within the device.
func (c *RxContext) ID() uint32 {
	return c.id
}

// Device returns the owning device.
func (c *RxContext) Device() *Device {
	return c.dev
}

// Weight returns the poll budget.
func (c *RxContext) Weight() int {
	return c.weight
}

// Dedicated returns whether the context has its own poll unit.
func (c *RxContext) Dedicated() bool {
	return c.unit != nil
}

// Scheduled returns whether a poll is requested.
func (c *RxContext) Scheduled() bool {
	return c.state.Load()&rxSched != 0
}

// Disabled returns whether the context is disabled.
func (c *RxContext) Disabled() bool {
	return c.state.Load()&rxDisabled != 0
}

func (c *RxContext) pollUnit() *pollunit.Unit {
	if c.unit != nil {
		return c.unit
	}
	return c.dev.backupUnit
}

func (c *RxContext) activate() {
	c.pollUnit().Activate()
}

// Schedule requests a poll. Called by the driver from its interrupt
// handler. It returns false if a poll was already requested or the context
// is being disabled.
func (c *RxContext) Schedule() bool {
	for {
		s := c.state.Load()
		if s&(rxSched|rxDisable|rxDisabled) != 0 {
			return false
		}
		if c.state.CompareAndSwap(s, s|rxSched) {
			c.activate()
			return true
		}
	}
}

// Complete withdraws the poll request. Called by the driver from its poll
// callback once the hardware queue is empty, before re-enabling its
// interrupt.
func (c *RxContext) Complete() {
	c.state.And(^rxSched)
}

// Receive hands a received packet to the context. It must only be called
// from the poll callback.
func (c *RxContext) Receive(pkt *pktbuf.Buffer) {
	d := c.dev
	d.stats.Rx.Packets.Increment()
	d.stats.Rx.Bytes.IncrementBy(uint64(pkt.Len()))
	if c.gro != nil {
		c.gro.receive(pkt, &c.pending)
		return
	}
	c.pending.PushBack(pkt)
}

// Disable stops polling of the context and waits for a running poll turn to
// finish. The context stays disabled until Enable.
//
// Once the intent is set the poll loop flushes what the context holds and
// stops calling the driver, so a driver that never completes cannot hold
// Disable off. Disable returns false, leaving the context enabled, if the
// poll unit does not suspend within BlockTimeout.
func (c *RxContext) Disable() bool {
	if c.Disabled() {
		return true
	}
	c.state.Or(rxDisable)
	ok := c.dev.waitFor(fmt.Sprintf("rx context %d disable", c.id), func() bool {
		return c.pollUnit().CheckState() == pollunit.Suspended
	})
	if ok {
		c.state.Or(rxSched | rxDisabled)
	}
	c.state.And(^rxDisable)
	return ok
}

// Enable re-allows polling of a disabled context.
func (c *RxContext) Enable() {
	c.state.And(^(rxSched | rxDisabled))
}

// BindVector binds the dedicated poll unit to an interrupt vector, so that
// Device.Interrupt(vector) schedules the context.
func (c *RxContext) BindVector(vector int) error {
	if c.unit == nil {
		return ErrSharedPollUnit
	}
	return c.unit.BindVector(vector)
}

// Remove disables the context, drops what it holds and destroys its poll
// unit.
func (c *RxContext) Remove() {
	d := c.dev
	disabled := c.Disable()
	if !disabled {
		// The running turn still owns pending. Keep the intent so that it
		// flushes and stops polling.
		c.state.Or(rxDisable)
	}

	d.rxMu.Lock()
	for i, o := range d.rxContexts {
		if o == c {
			d.rxContexts = append(d.rxContexts[:i], d.rxContexts[i+1:]...)
			break
		}
	}
	if c.unit != nil && d.defaultUnit == c.unit {
		d.defaultUnit = nil
		for _, o := range d.rxContexts {
			if o.unit != nil {
				d.defaultUnit = o.unit
				break
			}
		}
	}
	d.rxMu.Unlock()

	if disabled {
		c.dropPending()
	}
	if c.unit != nil {
		c.unit.Unref()
	}
}

// dropPending releases held packets and counts them as dropped.
func (c *RxContext) dropPending() {
	if c.gro != nil {
		c.gro.flush(&c.pending)
	}
	if n := c.pending.ReleaseAll(); n > 0 {
		c.dev.stats.Rx.Dropped.IncrementBy(uint64(n))
	}
}

// Interrupt schedules the receive context bound to vector. It returns
// false if no context of d is bound to it or a poll was already requested.
func (d *Device) Interrupt(vector int) bool {
	u := d.reg.sched.LookupVector(vector)
	if u == nil {
		return false
	}
	c, ok := u.Arg().(*RxContext)
	if !ok || c.dev != d {
		return false
	}
	return c.Schedule()
}

// DefaultPollUnit returns the poll unit of the first receive context with a
// dedicated unit, or nil.
func (d *Device) DefaultPollUnit() *pollunit.Unit {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return d.defaultUnit
}

// RxContexts returns the receive contexts in service order.
func (d *Device) RxContexts() []*RxContext {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return append([]*RxContext(nil), d.rxContexts...)
}
