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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/softnet/pkg/pktbuf"
	"gvisor.dev/softnet/pkg/pollunit"
)

// fakeDriver accepts every buffer unless xmit says otherwise and completes
// accepted buffers immediately.
type fakeDriver struct {
	mu sync.Mutex
	// sent holds the hash of every accepted packet, in order.
	sent     []uint32
	queues   []int
	calls    int
	openErr  error
	opens    int
	stops    int
	rxModes  int
	timeouts []int

	// xmit, if set, decides the outcome of call number call (from 1).
	xmit func(call int, tb *TxBuffer, d *Device) TxStatus

	inXmit  [8]atomic.Int32
	overlap atomic.Bool
}

func (f *fakeDriver) Open(d *Device) error {
	f.mu.Lock()
	f.opens++
	err := f.openErr
	f.mu.Unlock()
	if err == nil {
		d.StartAllQueues()
	}
	return err
}

func (f *fakeDriver) Stop(*Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeDriver) StartXmit(tb *TxBuffer, d *Device) TxStatus {
	if f.inXmit[tb.Queue].Add(1) != 1 {
		f.overlap.Store(true)
	}
	defer f.inXmit[tb.Queue].Add(-1)

	f.mu.Lock()
	f.calls++
	call, xmit := f.calls, f.xmit
	f.mu.Unlock()

	status := TxOK
	if xmit != nil {
		status = xmit(call, tb, d)
	}
	if status == TxOK {
		f.mu.Lock()
		f.sent = append(f.sent, tb.Pkt.Hash)
		f.queues = append(f.queues, tb.Queue)
		f.mu.Unlock()
		tb.Complete()
	}
	return status
}

func (f *fakeDriver) TxTimeout(d *Device, queue int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, queue)
}

func (f *fakeDriver) SetRxMode(*Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxModes++
}

func (f *fakeDriver) sentHashes() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.sent...)
}

func (f *fakeDriver) numCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recorder is an Upstream that remembers the hash of every delivered
// packet.
type recorder struct {
	mu      sync.Mutex
	got     []uint32
	batches int
	rxq     map[uint32]int
}

func (r *recorder) Deliver(_ *Device, rxQueue uint32, pkts *pktbuf.List) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	if r.rxq == nil {
		r.rxq = make(map[uint32]int)
	}
	for !pkts.Empty() {
		p := pkts.PopFront()
		r.got = append(r.got, p.Hash)
		r.rxq[rxQueue]++
		p.Release()
	}
}

func (r *recorder) hashes() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.got...)
}

// tracker counts released packets.
type tracker struct {
	released atomic.Int64
}

func (tr *tracker) pkt(id uint32, frags ...[]byte) *pktbuf.Buffer {
	if len(frags) == 0 {
		frags = [][]byte{{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}}
	}
	b := pktbuf.New(frags...)
	b.Hash = id
	b.OnRelease(func(*pktbuf.Buffer) {
		tr.released.Add(1)
	})
	return b
}

func (tr *tracker) pkts(ids ...uint32) *pktbuf.List {
	l := &pktbuf.List{}
	for _, id := range ids {
		l.PushBack(tr.pkt(id))
	}
	return l
}

func seq(from, to uint32) []uint32 {
	var ids []uint32
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockTimeout = 200 * time.Millisecond
	cfg.BlockPollInterval = time.Millisecond
	cfg.SoftwareGRO = false
	cfg.Workers = 2
	return cfg
}

type fixture struct {
	t   *testing.T
	reg *Registry
	drv *fakeDriver
	dev *Device
	ul  *Uplink
	up  *recorder
	tr  tracker
}

type fixtureOptions struct {
	cfg     Config
	dev     DeviceOptions
	regOpts RegistryOptions
	caps    Capabilities
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.cfg.MaxQueueLen == 0 {
		opts.cfg = testConfig()
	}
	reg, err := NewRegistry(opts.cfg, opts.regOpts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		if err := reg.Teardown(); err != nil {
			t.Errorf("Teardown: %v", err)
		}
	})
	f := &fixture{
		t:   t,
		reg: reg,
		drv: &fakeDriver{},
		up:  &recorder{},
	}
	if f.dev, err = reg.AllocDevice("test0", f.drv, opts.dev); err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	if f.ul, err = reg.Connect(f.dev, opts.caps, f.up); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return f
}

// bringUp opens and unblocks the device.
func (f *fixture) bringUp() {
	f.t.Helper()
	if err := f.dev.Open(); err != nil {
		f.t.Fatalf("Open: %v", err)
	}
	f.dev.Unblock()
}

// start runs the scheduler workers and the watchdog.
func (f *fixture) start() {
	f.t.Helper()
	if err := f.reg.Start(context.Background()); err != nil {
		f.t.Fatalf("Start: %v", err)
	}
}

// run runs queued poll units on the test goroutine.
func (f *fixture) run() int {
	return f.reg.Scheduler().RunQueued(10000)
}

// waitUntil polls cond for up to five seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	if err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}, b); err != nil {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// yieldAlways makes every ShouldYield call report an exhausted slice.
func yieldAlways() RegistryOptions {
	return RegistryOptions{
		Scheduler: pollunit.NewScheduler(pollunit.Options{
			Yield: func(*pollunit.Unit) bool { return true },
		}),
	}
}
