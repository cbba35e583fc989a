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

package pollunit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/softnet/pkg/log"
)

// DefaultClass is always registered.
const DefaultClass = "default"

// Options configures a Scheduler.
type Options struct {
	// Workers is the number of worker goroutines. Zero means one.
	Workers int

	// MaxUnits bounds the number of live units. Zero means 1024.
	MaxUnits int

	// Quantum is the time slice after which ShouldYield returns true.
	// Zero means 2ms.
	Quantum time.Duration

	// Yield, if set, replaces the time slice check of ShouldYield.
	Yield func(u *Unit) bool

	// Clock, if set, replaces time.Now.
	Clock func() time.Time
}

// Scheduler runs units on a pool of worker goroutines.
type Scheduler struct {
	opts Options

	// runq holds queued units. A unit is queued at most once and the number
	// of units is bounded by MaxUnits, so sends never block.
	runq chan *Unit

	mu sync.Mutex
	// +checklocks:mu
	classes map[string]int
	// +checklocks:mu
	units int
	// +checklocks:mu
	vectors map[int]*Unit
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	cancel context.CancelFunc
	// +checklocks:mu
	group *errgroup.Group

	stopping atomic.Bool

	invocations atomic.Uint64
}

// NewScheduler creates a scheduler. Workers are started by Start; until
// then queued units can be run with RunQueued.
func NewScheduler(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxUnits <= 0 {
		opts.MaxUnits = 1024
	}
	if opts.Quantum <= 0 {
		opts.Quantum = 2 * time.Millisecond
	}
	return &Scheduler{
		opts:    opts,
		runq:    make(chan *Unit, opts.MaxUnits),
		classes: map[string]int{DefaultClass: 0},
		vectors: make(map[int]*Unit),
	}
}

func (s *Scheduler) now() time.Time {
	if s.opts.Clock != nil {
		return s.opts.Clock()
	}
	return time.Now()
}

// AddClass registers a service class. Registering an existing class is a
// no-op.
func (s *Scheduler) AddClass(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.classes[name]; !ok {
		s.classes[name] = 0
	}
	return nil
}

// RemoveClass unregisters a service class. Existing units of the class keep
// running; new ones cannot be created.
func (s *Scheduler) RemoveClass(name string) {
	if name == DefaultClass {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.classes, name)
}

// Create creates a unit in the given service class. The unit starts
// suspended with one reference.
func (s *Scheduler) Create(class, name string, fn Func, arg any) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.classes[class]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	if s.units >= s.opts.MaxUnits {
		return nil, ErrUnitLimit
	}
	s.units++
	s.classes[class]++
	u := &Unit{
		sched: s,
		class: class,
		name:  name,
		fn:    fn,
		arg:   arg,
	}
	u.refs.Store(1)
	u.vector.Store(NoVector)
	log.Debugf("pollunit: created unit %q in class %q", name, class)
	return u, nil
}

func (s *Scheduler) release(u *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units--
	if _, ok := s.classes[u.class]; ok {
		s.classes[u.class]--
	}
}

// Units returns the number of live units.
func (s *Scheduler) Units() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units
}

func (s *Scheduler) bindVector(u *Unit, vector int) error {
	if vector < 0 {
		return fmt.Errorf("pollunit: invalid vector %d", vector)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.vectors[vector]; ok && cur != u {
		return fmt.Errorf("%w: vector %d bound to %q", ErrVectorInUse, vector, cur.name)
	}
	if old := int(u.vector.Load()); old != NoVector && old != vector {
		delete(s.vectors, old)
	}
	s.vectors[vector] = u
	u.vector.Store(int32(vector))
	return nil
}

func (s *Scheduler) unbindVector(u *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := int(u.vector.Load()); v != NoVector {
		if s.vectors[v] == u {
			delete(s.vectors, v)
		}
		u.vector.Store(NoVector)
	}
}

// LookupVector returns the unit bound to vector, or nil.
func (s *Scheduler) LookupVector(vector int) *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectors[vector]
}

func (s *Scheduler) enqueue(u *Unit) {
	select {
	case s.runq <- u:
	default:
		// Only reachable when destroyed units still occupy queue slots.
		go func() { s.runq <- u }()
	}
}

func (s *Scheduler) invoke(u *Unit) {
	s.invocations.Add(1)
	u.run()
}

// Invocations returns the total number of callback invocations.
func (s *Scheduler) Invocations() uint64 {
	return s.invocations.Load()
}

// Start launches the worker goroutines. They run until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.group != nil {
		return fmt.Errorf("pollunit: scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.group.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	log.Infof("pollunit: started %d workers", s.opts.Workers)
	return nil
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.runq:
			s.invoke(u)
		}
	}
}

// RunQueued runs queued units on the calling goroutine until the run queue
// is empty or max invocations were made. It returns the number of
// invocations. It is meant for schedulers without workers.
func (s *Scheduler) RunQueued(max int) int {
	n := 0
	for n < max {
		select {
		case u := <-s.runq:
			s.invoke(u)
			n++
		default:
			return n
		}
	}
	return n
}

// Stop stops the workers and waits for running invocations to return.
// Units still queued are never invoked. Stop is idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopping.Store(true)
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return group.Wait()
}
