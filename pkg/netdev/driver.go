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

	"gvisor.dev/softnet/pkg/pktbuf"
)

// TxStatus is the result of Driver.StartXmit.
type TxStatus int

const (
	// TxOK means the driver took ownership of the buffer.
	TxOK TxStatus = iota

	// TxBusy means the driver refused the buffer. Ownership stays with the
	// caller, which will retry later.
	TxBusy
)

func (s TxStatus) String() string {
	if s == TxOK {
		return "ok"
	}
	return "busy"
}

// Capabilities are the offload capabilities of a device.
type Capabilities uint32

const (
	// CapSG means the device can transmit multi-fragment buffers.
	CapSG Capabilities = 1 << iota

	// CapCsum means the device computes L4 checksums.
	CapCsum

	// CapTSO means the device segments TCP buffers.
	CapTSO

	// CapHWAggregation means the device aggregates received segments
	// itself, which disables software GRO.
	CapHWAggregation

	// CapMultiQueue means the device has more than one transmit queue.
	CapMultiQueue
)

// Has returns whether all of want are set.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// TxBuffer is the driver side view of a packet being transmitted.
type TxBuffer struct {
	// Pkt is the packet. The driver must not release it directly; it calls
	// Complete once the hardware is done.
	Pkt *pktbuf.Buffer

	// Segments are the scatter-gather entries.
	Segments [][]byte

	Offload pktbuf.Offload

	// Queue is the soft queue the packet was drained from.
	Queue int
}

var txBufferPool = sync.Pool{
	New: func() any {
		return &TxBuffer{}
	},
}

func newTxBuffer() *TxBuffer {
	return txBufferPool.Get().(*TxBuffer)
}

// Len returns the number of bytes described by the segments.
func (tb *TxBuffer) Len() int {
	n := 0
	for _, s := range tb.Segments {
		n += len(s)
	}
	return n
}

// Destroy frees the buffer without touching the packet.
func (tb *TxBuffer) Destroy() {
	clear(tb.Segments)
	*tb = TxBuffer{Segments: tb.Segments[:0]}
	txBufferPool.Put(tb)
}

// Complete reports the end of transmission and releases the packet. tb
// must not be used afterwards.
func (tb *TxBuffer) Complete() {
	pkt := tb.Pkt
	tb.Destroy()
	pkt.Release()
}

// Driver is the hardware side of a device.
type Driver interface {
	// Open brings the hardware up.
	Open(d *Device) error

	// Stop brings the hardware down. No StartXmit call is in progress or
	// will be made until the next Open.
	Stop(d *Device)

	// StartXmit hands a buffer to the hardware. It is never called
	// concurrently for the same queue.
	StartXmit(tb *TxBuffer, d *Device) TxStatus
}

// TxTimeouter is implemented by drivers that recover from transmit stalls.
type TxTimeouter interface {
	// TxTimeout is called by the watchdog when queue has been stopped by
	// the hardware for longer than the device watchdog timeout.
	TxTimeout(d *Device, queue int)
}

// RxModeSetter is implemented by drivers with receive filters.
type RxModeSetter interface {
	// SetRxMode programs the promiscuous flag and the multicast list.
	SetRxMode(d *Device)
}

// TxTranslator is implemented by drivers that need to adjust or veto the
// native buffer built from a packet.
type TxTranslator interface {
	TranslateTx(tb *TxBuffer, d *Device) error
}

// PollFunc is the driver receive poll callback. It hands at most budget
// packets to c.Receive and returns the number handed. It calls c.Complete
// once the hardware has nothing left.
type PollFunc func(c *RxContext, budget int) int

// Upstream consumes received packets.
type Upstream interface {
	// Deliver takes ownership of every packet in pkts. rxQueue is the id of
	// the receive context the packets arrived on.
	Deliver(d *Device, rxQueue uint32, pkts *pktbuf.List)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(d *Device, rxQueue uint32, pkts *pktbuf.List)

// Deliver implements Upstream.Deliver.
func (f UpstreamFunc) Deliver(d *Device, rxQueue uint32, pkts *pktbuf.List) {
	f(d, rxQueue, pkts)
}
