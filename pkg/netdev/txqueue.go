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
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/softnet/pkg/pktbuf"
)

// Soft queue states.
const (
	txUnblocked uint32 = 1 << iota
	txStarted

	txAdmit = txUnblocked | txStarted
)

// TxQueue is the soft queue in front of one hardware transmit queue.
//
// Producers append under the queue lock. A producer then tries to become
// the drainer by taking the transmit lock, which only one goroutine holds
// while it is inside Driver.StartXmit. The queue lock is dropped during the
// hardware call, so a producer failing to take the transmit lock while the
// drainer is busy can leave: the drainer re-reads the list after it
// re-takes the queue lock.
type TxQueue struct {
	dev    *Device
	index  int
	maxLen int

	mu sync.Mutex
	// +checklocks:mu
	pending pktbuf.List
	// +checklocks:mu
	state uint32

	// pendingLen and stateView mirror pending.Len() and state as of the
	// last release of the queue lock, for readers that must not take it.
	pendingLen atomic.Int64
	stateView  atomic.Uint32

	// xmitMu is the transmit lock. It is only ever acquired through
	// queueGuard.tryXmit.
	xmitMu sync.Mutex

	// processing is set while the holder of the transmit lock is between
	// the pop of a packet and the re-acquisition of the queue lock.
	processing atomic.Bool

	// xoff is the hardware stopped state.
	xoff atomic.Bool

	// scheduled is set while the queue is on the device output list, and
	// claimed by Device.Block.
	scheduled atomic.Bool

	// lastTx is the time of the last transmission or hardware stop, in
	// nanoseconds since the epoch.
	lastTx atomic.Int64

	stats TxQueueStats
}

func newTxQueue(d *Device, index, maxLen int) *TxQueue {
	q := &TxQueue{
		dev:    d,
		index:  index,
		maxLen: maxLen,
	}
	q.pending.Init()
	return q
}

// queueGuard witnesses that the queue lock of q is held.
type queueGuard struct {
	q *TxQueue
}

// xmitGuard witnesses that the transmit lock of q is held.
type xmitGuard struct {
	q *TxQueue
}

func (q *TxQueue) lock() queueGuard {
	q.mu.Lock()
	return queueGuard{q}
}

func (q *TxQueue) tryLock() (queueGuard, bool) {
	if !q.mu.TryLock() {
		return queueGuard{}, false
	}
	return queueGuard{q}, true
}

func (g queueGuard) unlock() {
	q := g.q
	q.pendingLen.Store(int64(q.pending.Len()))
	q.stateView.Store(q.state)
	q.mu.Unlock()
}

// tryXmit tries to take the transmit lock. Requiring a queueGuard keeps the
// lock order.
func (g queueGuard) tryXmit() (xmitGuard, bool) {
	if !g.q.xmitMu.TryLock() {
		return xmitGuard{}, false
	}
	return xmitGuard{g.q}, true
}

// waitXmit waits until the transmit lock is free. Holders never wait for
// the queue lock while holding it.
func (g queueGuard) waitXmit() {
	g.q.xmitMu.Lock()
	g.q.xmitMu.Unlock()
}

func (x xmitGuard) unlock() {
	x.q.xmitMu.Unlock()
}

// Index returns the queue index.
func (q *TxQueue) Index() int {
	return q.index
}

// Len returns the number of pending packets. It does not take the queue
// lock: every holder of the queue lock drains or reschedules.
func (q *TxQueue) Len() int {
	return int(q.pendingLen.Load())
}

// Admitting returns whether the queue is unblocked and started.
func (q *TxQueue) Admitting() bool {
	return q.stateView.Load()&txAdmit == txAdmit
}

// Stopped returns whether the hardware queue is stopped.
func (q *TxQueue) Stopped() bool {
	return q.xoff.Load()
}

// Stats returns the queue statistics.
func (q *TxQueue) Stats() *TxQueueStats {
	return &q.stats
}

// LastTransmit returns the time of the last transmission.
func (q *TxQueue) LastTransmit() time.Time {
	return time.Unix(0, q.lastTx.Load())
}

func (q *TxQueue) touch(now time.Time) {
	q.lastTx.Store(now.UnixNano())
}

// enqueue admits packets from in. When not everything fits, it admits what
// does from the head of in and returns the number left behind in in, which
// the caller releases once the queue lock is dropped.
func (g queueGuard) enqueue(in *pktbuf.List) int {
	q := g.q
	if q.pending.Len()+in.Len() <= q.maxLen {
		q.pending.Join(in)
		return 0
	}
	if room := q.maxLen - q.pending.Len(); room > 0 {
		q.pending.AppendN(in, room)
	}
	return in.Len()
}

// detach moves every pending packet to out.
func (g queueGuard) detach(out *pktbuf.List) {
	out.Join(&g.q.pending)
}

// dropList releases pkts and counts them as dropped on q.
func (q *TxQueue) dropList(pkts *pktbuf.List) {
	if n := pkts.ReleaseAll(); n > 0 {
		q.stats.Dropped.IncrementBy(uint64(n))
		q.dev.stats.Tx.Dropped.IncrementBy(uint64(n))
	}
}

// block flushes the queue and stops admission.
func (q *TxQueue) block() {
	var free pktbuf.List
	g := q.lock()
	g.detach(&free)
	q.state &^= txUnblocked
	g.unlock()
	q.dropList(&free)
}

// unblock re-allows admission and reports whether packets are pending.
func (q *TxQueue) unblock() bool {
	g := q.lock()
	defer g.unlock()
	q.state |= txUnblocked
	return !q.pending.Empty()
}

func (q *TxQueue) start() {
	g := q.lock()
	q.state |= txStarted
	g.unlock()
}

func (q *TxQueue) stop() {
	var free pktbuf.List
	g := q.lock()
	q.state &^= txStarted
	g.detach(&free)
	g.unlock()
	q.dropList(&free)
}

func (d *Device) queue(i int) (*TxQueue, error) {
	if i < 0 || i >= len(d.txq) {
		return nil, ErrInvalidQueue
	}
	return d.txq[i], nil
}

// BlockQueue flushes soft queue i and stops admission until UnblockQueue.
func (d *Device) BlockQueue(i int) error {
	q, err := d.queue(i)
	if err != nil {
		return err
	}
	q.block()
	return nil
}

// UnblockQueue re-allows admission on soft queue i.
func (d *Device) UnblockQueue(i int) error {
	q, err := d.queue(i)
	if err != nil {
		return err
	}
	if q.unblock() {
		d.scheduleQueue(q)
	}
	return nil
}

// StartQueue allows admission on soft queue i, if it is also unblocked.
func (d *Device) StartQueue(i int) error {
	q, err := d.queue(i)
	if err != nil {
		return err
	}
	q.start()
	return nil
}

// StopQueue stops admission on soft queue i and drops what it holds.
func (d *Device) StopQueue(i int) error {
	q, err := d.queue(i)
	if err != nil {
		return err
	}
	q.stop()
	return nil
}

// StartAllQueues starts every soft queue.
func (d *Device) StartAllQueues() {
	for _, q := range d.txq {
		q.start()
	}
	d.setFlags(flagQueuesStarted)
}

// StopAllQueues stops every soft queue.
func (d *Device) StopAllQueues() {
	d.clearFlags(flagQueuesStarted)
	for _, q := range d.txq {
		q.stop()
	}
}

// StopHWQueue marks hardware queue i as stopped. Called by the driver when
// its ring is full.
func (d *Device) StopHWQueue(i int) error {
	q, err := d.queue(i)
	if err != nil {
		return err
	}
	if !q.xoff.Swap(true) {
		q.touch(d.reg.clock.Now())
	}
	return nil
}

// WakeHWQueue clears the stopped state of hardware queue i and schedules a
// drain. Called by the driver once ring space is available again.
func (d *Device) WakeHWQueue(i int) error {
	q, err := d.queue(i)
	if err != nil {
		return err
	}
	if q.xoff.Swap(false) {
		d.scheduleQueue(q)
	}
	return nil
}

// HWQueueStopped returns whether hardware queue i is stopped. It is false
// for an invalid index.
func (d *Device) HWQueueStopped(i int) bool {
	q, err := d.queue(i)
	return err == nil && q.xoff.Load()
}
