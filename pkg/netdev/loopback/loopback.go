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

// Package loopback provides a simulated NIC whose transmitted frames come
// back on its receive rings.
//
// Transmit rings have a fixed capacity. A full ring stops its hardware
// queue, and completing buffers (CompleteTx, or immediately with
// Options.AutoComplete) wakes it again. Completed frames are copied onto the
// receive ring selected by their flow hash and an interrupt is raised.
package loopback

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/netdev"
	"gvisor.dev/softnet/pkg/pktbuf"
	"gvisor.dev/softnet/pkg/pollunit"
)

// Options configures a NIC.
type Options struct {
	TxQueues int
	RxQueues int

	// RingSize is the capacity of each transmit ring. Zero means 256.
	RingSize int

	// Weight is the receive poll budget. Zero selects the device default.
	Weight int

	// VectorBase, if not negative, binds receive ring i to interrupt
	// vector VectorBase+i.
	VectorBase int

	// AutoComplete completes every buffer as soon as it is transmitted.
	AutoComplete bool

	// MaxSG is the number of fragments the NIC accepts per packet.
	MaxSG int

	// Faults inject failures.
	Faults Faults
}

// Faults are fault injection hooks. Nil hooks never fire.
type Faults struct {
	// Busy makes StartXmit refuse a buffer without stopping the queue.
	Busy func(tb *netdev.TxBuffer) bool

	// Translate makes translation of a buffer fail.
	Translate func(tb *netdev.TxBuffer) error

	// Open makes Open fail.
	Open func() error
}

// Stats are NIC side counters.
type Stats struct {
	Transmitted atomic.Uint64
	Completed   atomic.Uint64
	Looped      atomic.Uint64
	Resets      atomic.Uint64
	RxModes     atomic.Uint64
}

type txRing struct {
	mu sync.Mutex
	// +checklocks:mu
	bufs []*netdev.TxBuffer
}

type rxRing struct {
	mu sync.Mutex
	// +checklocks:mu
	frames pktbuf.List
	ctx    *netdev.RxContext
}

// NIC is a simulated loopback NIC.
type NIC struct {
	opts Options
	dev  *netdev.Device
	log  log.Logger

	tx []*txRing
	rx []*rxRing

	open  atomic.Bool
	stats Stats

	// ringFull, if set, runs when a transmit ring fills up, before the
	// hardware queue is stopped.
	ringFull func(queue int)
}

var _ interface {
	netdev.Driver
	netdev.TxTimeouter
	netdev.RxModeSetter
	netdev.TxTranslator
} = (*NIC)(nil)

// New allocates a NIC and its device in r.
func New(r *netdev.Registry, name string, opts Options) (*NIC, error) {
	if opts.TxQueues <= 0 {
		opts.TxQueues = 1
	}
	if opts.RxQueues <= 0 {
		opts.RxQueues = 1
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 256
	}
	n := &NIC{
		opts: opts,
		log:  log.Log().With("nic", name),
		tx:   make([]*txRing, opts.TxQueues),
		rx:   make([]*rxRing, opts.RxQueues),
	}
	for i := range n.tx {
		n.tx[i] = &txRing{}
	}
	for i := range n.rx {
		n.rx[i] = &rxRing{}
		n.rx[i].frames.Init()
	}
	dev, err := r.AllocDevice(name, n, netdev.DeviceOptions{
		TxQueues:     opts.TxQueues,
		MaxSG:        opts.MaxSG,
		HardwareAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, byte(len(name))},
	})
	if err != nil {
		return nil, err
	}
	n.dev = dev
	return n, nil
}

// Device returns the device of the NIC.
func (n *NIC) Device() *netdev.Device {
	return n.dev
}

// Stats returns the NIC counters.
func (n *NIC) Stats() *Stats {
	return &n.stats
}

// Connect connects the device and adds one receive context per receive
// ring.
func (n *NIC) Connect(r *netdev.Registry, caps netdev.Capabilities, up netdev.Upstream) (*netdev.Uplink, error) {
	ul, err := r.Connect(n.dev, caps|netdev.CapSG, up)
	if err != nil {
		return nil, err
	}
	for i, ring := range n.rx {
		ring.ctx = n.dev.AddRxContext(func(c *netdev.RxContext, budget int) int {
			return n.poll(ring, c, budget)
		}, n.opts.Weight)
		if n.opts.VectorBase >= 0 {
			if err := ring.ctx.BindVector(n.opts.VectorBase + i); err != nil {
				n.log.Warningf("rx ring %d: %v", i, err)
			}
		}
	}
	return ul, nil
}

// Open implements netdev.Driver.Open.
func (n *NIC) Open(d *netdev.Device) error {
	if f := n.opts.Faults.Open; f != nil {
		if err := f(); err != nil {
			return err
		}
	}
	n.open.Store(true)
	d.StartAllQueues()
	return nil
}

// Stop implements netdev.Driver.Stop. Buffers still on the transmit rings
// are completed without being looped back.
func (n *NIC) Stop(d *netdev.Device) {
	n.open.Store(false)
	for i := range n.tx {
		n.resetRing(i)
	}
}

// StartXmit implements netdev.Driver.StartXmit.
func (n *NIC) StartXmit(tb *netdev.TxBuffer, d *netdev.Device) netdev.TxStatus {
	if !n.open.Load() {
		panic(fmt.Sprintf("loopback %s: transmit while stopped", d.Name()))
	}
	if f := n.opts.Faults.Busy; f != nil && f(tb) {
		return netdev.TxBusy
	}
	ring := n.tx[tb.Queue]
	ring.mu.Lock()
	if len(ring.bufs) >= n.opts.RingSize {
		ring.mu.Unlock()
		n.stopQueue(d, tb.Queue)
		return netdev.TxBusy
	}
	ring.bufs = append(ring.bufs, tb)
	full := len(ring.bufs) >= n.opts.RingSize
	ring.mu.Unlock()
	n.stats.Transmitted.Add(1)

	if n.opts.AutoComplete {
		n.CompleteTx(tb.Queue, 1)
		return netdev.TxOK
	}
	if full {
		if n.ringFull != nil {
			n.ringFull(tb.Queue)
		}
		n.stopQueue(d, tb.Queue)
	}
	return netdev.TxOK
}

// stopQueue stops hardware queue i, then wakes it again if completions
// freed ring space before the stop was visible to them.
func (n *NIC) stopQueue(d *netdev.Device, queue int) {
	d.StopHWQueue(queue)
	if n.PendingTx(queue) < n.opts.RingSize {
		d.WakeHWQueue(queue)
	}
}

// CompleteTx completes up to max buffers of transmit ring queue, loops
// them back and wakes the hardware queue. It returns the number completed.
func (n *NIC) CompleteTx(queue, max int) int {
	ring := n.tx[queue]
	ring.mu.Lock()
	k := min(max, len(ring.bufs))
	done := make([]*netdev.TxBuffer, k)
	copy(done, ring.bufs)
	ring.bufs = append(ring.bufs[:0], ring.bufs[k:]...)
	ring.mu.Unlock()

	for _, tb := range done {
		frame := make([]byte, 0, tb.Len())
		for _, s := range tb.Segments {
			frame = append(frame, s...)
		}
		hash := tb.Pkt.Hash
		tb.Complete()
		n.stats.Completed.Add(1)

		pkt := pktbuf.New(frame)
		pkt.Hash = hash
		n.inject(int(hash%uint32(len(n.rx))), pkt)
	}
	if k > 0 && n.open.Load() {
		n.dev.WakeHWQueue(queue)
	}
	return k
}

// PendingTx returns the number of buffers on transmit ring queue.
func (n *NIC) PendingTx(queue int) int {
	ring := n.tx[queue]
	ring.mu.Lock()
	defer ring.mu.Unlock()
	return len(ring.bufs)
}

// Inject places a frame on receive ring queue and raises its interrupt.
func (n *NIC) Inject(queue int, pkt *pktbuf.Buffer) {
	n.inject(queue, pkt)
}

func (n *NIC) inject(queue int, pkt *pktbuf.Buffer) {
	ring := n.rx[queue]
	ring.mu.Lock()
	ring.frames.PushBack(pkt)
	ring.mu.Unlock()
	n.stats.Looped.Add(1)
	n.interrupt(queue)
}

func (n *NIC) interrupt(queue int) {
	ring := n.rx[queue]
	if ring.ctx == nil {
		return
	}
	if n.opts.VectorBase >= 0 && ring.ctx.Dedicated() {
		n.dev.Interrupt(n.opts.VectorBase + queue)
		return
	}
	ring.ctx.Schedule()
}

func (n *NIC) poll(ring *rxRing, c *netdev.RxContext, budget int) int {
	done := 0
	for done < budget {
		ring.mu.Lock()
		pkt := ring.frames.PopFront()
		ring.mu.Unlock()
		if pkt == nil {
			break
		}
		c.Receive(pkt)
		done++
	}
	if done < budget {
		c.Complete()
		// Frames that raced with Complete lost their interrupt.
		ring.mu.Lock()
		more := !ring.frames.Empty()
		ring.mu.Unlock()
		if more {
			c.Schedule()
		}
	}
	return done
}

// DropRx releases every frame waiting on the receive rings.
func (n *NIC) DropRx() int {
	total := 0
	for _, ring := range n.rx {
		ring.mu.Lock()
		total += ring.frames.ReleaseAll()
		ring.mu.Unlock()
	}
	return total
}

func (n *NIC) resetRing(queue int) {
	ring := n.tx[queue]
	ring.mu.Lock()
	bufs := ring.bufs
	ring.bufs = nil
	ring.mu.Unlock()
	for _, tb := range bufs {
		tb.Complete()
	}
}

// TxTimeout implements netdev.TxTimeouter.TxTimeout.
func (n *NIC) TxTimeout(d *netdev.Device, queue int) {
	n.stats.Resets.Add(1)
	n.log.Warningf("resetting tx ring %d", queue)
	n.resetRing(queue)
	d.WakeHWQueue(queue)
}

// SetRxMode implements netdev.RxModeSetter.SetRxMode.
func (n *NIC) SetRxMode(d *netdev.Device) {
	n.stats.RxModes.Add(1)
	n.log.Debugf("rx mode: promisc=%t multicast=%d", d.Promisc(), len(d.MulticastList()))
}

// TranslateTx implements netdev.TxTranslator.TranslateTx.
func (n *NIC) TranslateTx(tb *netdev.TxBuffer, d *netdev.Device) error {
	if f := n.opts.Faults.Translate; f != nil {
		return f(tb)
	}
	return nil
}

// DefaultPollUnit returns the poll unit of the first receive ring, if it
// has a dedicated one.
func (n *NIC) DefaultPollUnit() *pollunit.Unit {
	return n.dev.DefaultPollUnit()
}
