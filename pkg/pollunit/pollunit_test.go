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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestActivateRunsOnce(t *testing.T) {
	s := NewScheduler(Options{})
	calls := 0
	u, err := s.Create(DefaultClass, "u", func(*Unit, any) { calls++ }, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	u.Activate()
	u.Activate()
	if got := u.CheckState(); got != Ready {
		t.Errorf("CheckState() after Activate = %v, want %v", got, Ready)
	}
	if n := s.RunQueued(10); n != 1 {
		t.Errorf("RunQueued() = %d, want 1", n)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if got := u.CheckState(); got != Suspended {
		t.Errorf("CheckState() after run = %v, want %v", got, Suspended)
	}
}

func TestSetStateReadyResubmits(t *testing.T) {
	s := NewScheduler(Options{})
	calls := 0
	u, err := s.Create(DefaultClass, "u", func(u *Unit, _ any) {
		calls++
		if calls < 3 {
			u.SetState(Ready)
		}
	}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	u.Activate()
	if n := s.RunQueued(10); n != 3 {
		t.Errorf("RunQueued() = %d, want 3", n)
	}
	if got := u.Resubmits(); got != 2 {
		t.Errorf("Resubmits() = %d, want 2", got)
	}
}

func TestActivateWhileRunning(t *testing.T) {
	s := NewScheduler(Options{})
	calls := 0
	u, err := s.Create(DefaultClass, "u", func(u *Unit, _ any) {
		calls++
		if calls == 1 {
			u.Activate()
		}
		if got := u.CheckState(); got != Ready {
			t.Errorf("CheckState() inside callback = %v, want %v", got, Ready)
		}
	}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	u.Activate()
	s.RunQueued(10)
	if calls != 2 {
		t.Errorf("callback ran %d times, want 2", calls)
	}
}

func TestShouldYield(t *testing.T) {
	var yield atomic.Bool
	s := NewScheduler(Options{Yield: func(*Unit) bool { return yield.Load() }})
	var got []bool
	u, err := s.Create(DefaultClass, "u", func(u *Unit, _ any) {
		y, err := u.ShouldYield()
		if err != nil {
			t.Errorf("ShouldYield failed: %v", err)
		}
		got = append(got, y)
	}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	u.Activate()
	s.RunQueued(1)
	yield.Store(true)
	u.Activate()
	s.RunQueued(1)
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("ShouldYield results = %v, want [false true]", got)
	}
	if _, err := u.ShouldYield(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ShouldYield outside callback: got %v, want %v", err, ErrNotRunning)
	}
}

func TestQuantum(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewScheduler(Options{
		Quantum: time.Millisecond,
		Clock:   func() time.Time { return now },
	})
	var got []bool
	u, _ := s.Create(DefaultClass, "u", func(u *Unit, _ any) {
		y, _ := u.ShouldYield()
		got = append(got, y)
		now = now.Add(time.Millisecond)
		y, _ = u.ShouldYield()
		got = append(got, y)
	}, nil)
	u.Activate()
	s.RunQueued(1)
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("ShouldYield results = %v, want [false true]", got)
	}
}

func TestCreateErrors(t *testing.T) {
	s := NewScheduler(Options{MaxUnits: 1})
	if _, err := s.Create("nope", "u", func(*Unit, any) {}, nil); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("Create in unknown class: got %v, want %v", err, ErrUnknownClass)
	}
	if err := s.AddClass("net"); err != nil {
		t.Fatalf("AddClass failed: %v", err)
	}
	u, err := s.Create("net", "u", func(*Unit, any) {}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create("net", "v", func(*Unit, any) {}, nil); !errors.Is(err, ErrUnitLimit) {
		t.Errorf("Create beyond limit: got %v, want %v", err, ErrUnitLimit)
	}
	u.Unref()
	if _, err := s.Create("net", "v", func(*Unit, any) {}, nil); err != nil {
		t.Errorf("Create after Unref failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := s.Create("net", "w", func(*Unit, any) {}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after Stop: got %v, want %v", err, ErrClosed)
	}
}

func TestUnrefPreventsRun(t *testing.T) {
	s := NewScheduler(Options{})
	calls := 0
	u, _ := s.Create(DefaultClass, "u", func(*Unit, any) { calls++ }, nil)
	u.Activate()
	u.Unref()
	u.Activate()
	s.RunQueued(10)
	if calls != 0 {
		t.Errorf("destroyed unit ran %d times", calls)
	}
	if got := s.Units(); got != 0 {
		t.Errorf("Units() = %d, want 0", got)
	}
}

func TestVectors(t *testing.T) {
	s := NewScheduler(Options{})
	a, _ := s.Create(DefaultClass, "a", func(*Unit, any) {}, nil)
	b, _ := s.Create(DefaultClass, "b", func(*Unit, any) {}, nil)
	if err := a.BindVector(7); err != nil {
		t.Fatalf("BindVector failed: %v", err)
	}
	if err := b.BindVector(7); !errors.Is(err, ErrVectorInUse) {
		t.Errorf("second BindVector: got %v, want %v", err, ErrVectorInUse)
	}
	if got := s.LookupVector(7); got != a {
		t.Errorf("LookupVector(7) = %v, want a", got)
	}
	a.Unref()
	if got := s.LookupVector(7); got != nil {
		t.Errorf("LookupVector(7) after Unref = %v, want nil", got)
	}
	if err := b.BindVector(7); err != nil {
		t.Errorf("BindVector after release failed: %v", err)
	}
	if got := b.Vector(); got != 7 {
		t.Errorf("Vector() = %d, want 7", got)
	}
}

func TestWorkers(t *testing.T) {
	s := NewScheduler(Options{Workers: 4})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	const n = 16
	var wg sync.WaitGroup
	var active, maxActive atomic.Int32
	units := make([]*Unit, n)
	for i := range units {
		u, err := s.Create(DefaultClass, "u", func(u *Unit, arg any) {
			if a := active.Add(1); a > maxActive.Load() {
				maxActive.Store(a)
			}
			active.Add(-1)
			arg.(*sync.WaitGroup).Done()
		}, &wg)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		units[i] = u
	}
	wg.Add(n)
	for _, u := range units {
		u.Activate()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("units were not run")
	}
	if got := s.Invocations(); got != n {
		t.Errorf("Invocations() = %d, want %d", got, n)
	}
}
