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
	"go.uber.org/multierr"
	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/pktbuf"
	"gvisor.dev/softnet/pkg/pollunit"
)

// Transmit admits pkts on the soft queues and drains what it can. It always
// takes ownership of every packet; the returned error reports how many were
// dropped at admission (see Dropped).
func (d *Device) Transmit(pkts *pktbuf.List) error {
	if !d.Connected() {
		n := pkts.ReleaseAll()
		d.stats.Tx.Dropped.IncrementBy(uint64(n))
		return &ErrNotConnected{Device: d.name, Dropped: n}
	}
	if len(d.txq) == 1 {
		return d.txq[0].transmit(pkts)
	}

	// Split by queue, keeping the relative order of each queue's packets.
	perQueue := make([]pktbuf.List, len(d.txq))
	for !pkts.Empty() {
		pkt := pkts.PopFront()
		perQueue[d.selectQueue(pkt)].PushBack(pkt)
	}
	var err error
	for i := range perQueue {
		if perQueue[i].Empty() {
			continue
		}
		err = multierr.Append(err, d.txq[i].transmit(&perQueue[i]))
	}
	return err
}

func (d *Device) selectQueue(pkt *pktbuf.Buffer) int {
	if pkt.Queue >= 0 && pkt.Queue < len(d.txq) {
		return pkt.Queue
	}
	return int(pkt.Hash % uint32(len(d.txq)))
}

func (q *TxQueue) transmit(in *pktbuf.List) error {
	var free pktbuf.List
	g := q.lock()
	if st := q.state; st&txAdmit != txAdmit {
		g.unlock()
		n := in.Len()
		q.dropList(in)
		if st&txStarted == 0 {
			return &ErrQueueStopped{Queue: q.index, Dropped: n}
		}
		return &ErrQueueBlocked{Queue: q.index, Dropped: n}
	}
	overflow := g.enqueue(in)
	g.drain(&free)
	g.unlock()

	q.dev.releaseFree(&free)
	if overflow > 0 {
		q.dev.stats.Tx.QueueFull.IncrementBy(uint64(overflow))
		q.dropList(in)
		return &ErrQueueFull{Queue: q.index, Dropped: overflow}
	}
	return nil
}

// releaseFree releases packets discarded by a drain. They were already
// counted.
func (d *Device) releaseFree(free *pktbuf.List) {
	free.ReleaseAll()
}

// drain hands pending packets to the driver until the list is empty, the
// hardware queue stops or the iteration cap is reached. It returns whether
// work is left. Discarded packets are moved to free.
//
// Whenever drain leaves with processing still set by another goroutine,
// that goroutine will re-take the queue lock and re-read the list, so no
// reschedule is needed.
func (g queueGuard) drain(free *pktbuf.List) bool {
	q := g.q
	d := q.dev
	for i := 0; !q.pending.Empty(); i++ {
		if i >= q.maxLen {
			d.rescheduleQueue(q)
			return true
		}
		x, ok := g.tryXmit()
		if !ok {
			if !q.processing.Load() {
				// The holder is past its queue lock re-acquisition and
				// will not look at the list again.
				d.rescheduleQueue(q)
			}
			return true
		}
		q.processing.Store(true)
		if q.xoff.Load() {
			q.processing.Store(false)
			x.unlock()
			return true
		}
		pkt := q.pending.PopFront()
		g.unlock()

		tb, err := d.translate(q, pkt)
		if err != nil {
			q.processing.Store(false)
			x.unlock()
			d.stats.Tx.TranslateErrors.Increment()
			d.stats.Tx.Dropped.Increment()
			q.stats.Dropped.Increment()
			if d.rlog.IsLogging(log.Debug) {
				d.rlog.Debugf("tx queue %d: dropping packet: %v", q.index, err)
			}
			free.PushBack(pkt)
			g = q.lock()
			continue
		}
		n := uint64(pkt.Len())
		status := d.driver.StartXmit(tb, d)
		q.processing.Store(false)
		x.unlock()
		g = q.lock()

		if status != TxOK {
			tb.Destroy()
			q.pending.PushFront(pkt)
			q.stats.Requeued.Increment()
			d.stats.Tx.Busy.Increment()
			if q.xoff.Load() {
				return true
			}
			d.rescheduleQueue(q)
			return true
		}
		q.stats.Packets.Increment()
		q.stats.Bytes.IncrementBy(n)
		d.stats.Tx.Packets.Increment()
		d.stats.Tx.Bytes.IncrementBy(n)
		q.touch(d.reg.clock.Now())
	}
	return false
}

// translate builds the native buffer for pkt.
func (d *Device) translate(q *TxQueue, pkt *pktbuf.Buffer) (*TxBuffer, error) {
	if pkt.NumFrags() > d.maxSG {
		return nil, ErrSGOverflow
	}
	tb := newTxBuffer()
	tb.Pkt = pkt
	tb.Segments = append(tb.Segments[:0], pkt.Frags()...)
	tb.Offload = pkt.Offload
	tb.Queue = q.index
	if t, ok := d.driver.(TxTranslator); ok {
		if err := t.TranslateTx(tb, d); err != nil {
			tb.Destroy()
			return nil, err
		}
	}
	return tb, nil
}

func (d *Device) rescheduleQueue(q *TxQueue) {
	d.stats.Tx.Reschedules.Increment()
	d.scheduleQueue(q)
}

// scheduleQueue puts q on the output list and activates the transmit unit,
// unless q is already scheduled or claimed by Block.
func (d *Device) scheduleQueue(q *TxQueue) {
	if !q.scheduled.CompareAndSwap(false, true) {
		return
	}
	d.outMu.Lock()
	d.outList = append(d.outList, q)
	d.outMu.Unlock()
	d.txUnit.Activate()
}

// processTxQueues is the transmit unit callback.
func (d *Device) processTxQueues(*pollunit.Unit, any) {
	d.outMu.Lock()
	list := d.outList
	d.outList = nil
	d.outMu.Unlock()

	for _, q := range list {
		q.scheduled.Store(false)
		g, ok := q.tryLock()
		if !ok {
			// The holder drains or reschedules.
			continue
		}
		var free pktbuf.List
		g.drain(&free)
		g.unlock()
		d.releaseFree(&free)
	}
}
