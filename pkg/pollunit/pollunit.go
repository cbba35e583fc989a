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

// Package pollunit provides poll units: schedulable units of deferred work
// run by a pool of worker goroutines.
//
// A unit is activated to make it runnable. A worker then invokes its
// callback; at most one invocation of a given unit is active at any time.
// Inside the callback, the unit decides whether it is done (Suspended) or
// wants to be invoked again (Ready), typically after ShouldYield reported
// that its time slice is used up.
package pollunit

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Errors returned by the scheduler and its units.
var (
	ErrClosed       = errors.New("pollunit: scheduler closed")
	ErrUnknownClass = errors.New("pollunit: unknown service class")
	ErrUnitLimit    = errors.New("pollunit: unit limit reached")
	ErrVectorInUse  = errors.New("pollunit: vector already bound")
	ErrNotRunning   = errors.New("pollunit: unit is not running")
)

// State is the scheduling state reported by and requested from a unit.
type State int

const (
	// Suspended means the unit is neither queued nor running. Set from the
	// callback, it means "do not invoke me again until activated".
	Suspended State = iota

	// Ready means the unit is queued or running. Set from the callback, it
	// means "invoke me again".
	Ready
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Func is the callback of a unit.
type Func func(u *Unit, arg any)

// Unit status values.
const (
	statusIdle int32 = iota
	statusQueued
	statusRunning
	// statusRearmed is statusRunning with an activation that arrived during
	// the invocation.
	statusRearmed
	statusDead
)

// NoVector is the vector of an unbound unit.
const NoVector = -1

// Unit is a schedulable unit of work.
type Unit struct {
	sched *Scheduler
	class string
	name  string
	fn    Func
	arg   any

	status atomic.Int32
	refs   atomic.Int32
	vector atomic.Int32

	// The following fields are only touched by the invoking worker.
	start time.Time
	next  State

	invocations atomic.Uint64
	resubmits   atomic.Uint64
}

// Name returns the unit name given at creation.
func (u *Unit) Name() string {
	return u.name
}

// Class returns the service class of the unit.
func (u *Unit) Class() string {
	return u.class
}

// Arg returns the callback argument given at creation.
func (u *Unit) Arg() any {
	return u.arg
}

// Activate makes the unit runnable. Activating a queued unit is a no-op;
// activating a running unit makes it run again once the current invocation
// returns.
func (u *Unit) Activate() {
	for {
		switch s := u.status.Load(); s {
		case statusIdle:
			if u.status.CompareAndSwap(s, statusQueued) {
				u.sched.enqueue(u)
				return
			}
		case statusRunning:
			if u.status.CompareAndSwap(s, statusRearmed) {
				return
			}
		default:
			// Queued, rearmed or dead.
			return
		}
	}
}

// CheckState returns Suspended if the unit is neither queued nor running.
func (u *Unit) CheckState() State {
	switch u.status.Load() {
	case statusIdle, statusDead:
		return Suspended
	default:
		return Ready
	}
}

// SetState records, from inside the callback, what should happen once the
// callback returns. Outside of the callback, Ready is equivalent to Activate
// and Suspended has no effect.
func (u *Unit) SetState(s State) {
	switch u.status.Load() {
	case statusRunning, statusRearmed:
		u.next = s
	default:
		if s == Ready {
			u.Activate()
		}
	}
}

// ShouldYield reports whether the current invocation has used up its time
// slice. It must be called from inside the callback.
func (u *Unit) ShouldYield() (bool, error) {
	switch u.status.Load() {
	case statusRunning, statusRearmed:
	default:
		return false, ErrNotRunning
	}
	if u.sched.stopping.Load() {
		return true, nil
	}
	if u.sched.opts.Yield != nil {
		return u.sched.opts.Yield(u), nil
	}
	return u.sched.now().Sub(u.start) >= u.sched.opts.Quantum, nil
}

// Ref takes an additional reference on the unit.
func (u *Unit) Ref() {
	if u.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("pollunit: Ref of released unit %q", u.name))
	}
}

// Unref drops a reference. The last reference destroys the unit: it will not
// be invoked again and its vector binding is dropped. A running invocation
// is allowed to finish.
func (u *Unit) Unref() {
	switch n := u.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("pollunit: Unref of released unit %q", u.name))
	}
	u.status.Store(statusDead)
	u.UnbindVector()
	u.sched.release(u)
}

// BindVector associates the unit with an interrupt vector.
func (u *Unit) BindVector(vector int) error {
	return u.sched.bindVector(u, vector)
}

// UnbindVector drops the vector association, if any.
func (u *Unit) UnbindVector() {
	u.sched.unbindVector(u)
}

// Vector returns the bound vector or NoVector.
func (u *Unit) Vector() int {
	return int(u.vector.Load())
}

// Invocations returns the number of times the callback was invoked.
func (u *Unit) Invocations() uint64 {
	return u.invocations.Load()
}

// Resubmits returns the number of invocations that ended in Ready.
func (u *Unit) Resubmits() uint64 {
	return u.resubmits.Load()
}

// run invokes the callback once. It is called by a worker after dequeueing u.
func (u *Unit) run() {
	if !u.status.CompareAndSwap(statusQueued, statusRunning) {
		// Destroyed while queued.
		return
	}
	u.start = u.sched.now()
	u.next = Suspended
	u.invocations.Add(1)
	u.fn(u, u.arg)

	if u.next == Ready {
		u.resubmits.Add(1)
		if u.requeue() {
			u.sched.enqueue(u)
		}
		return
	}
	if u.status.CompareAndSwap(statusRunning, statusIdle) {
		return
	}
	// Rearmed while running.
	if u.requeue() {
		u.sched.enqueue(u)
	}
}

// requeue moves a running unit back to queued. It fails if the unit was
// destroyed during the invocation.
func (u *Unit) requeue() bool {
	for {
		s := u.status.Load()
		if s == statusDead {
			return false
		}
		if u.status.CompareAndSwap(s, statusQueued) {
			return true
		}
	}
}
