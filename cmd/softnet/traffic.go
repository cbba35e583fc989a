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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/netdev"
	"gvisor.dev/softnet/pkg/netdev/loopback"
	"gvisor.dev/softnet/pkg/pktbuf"
)

// trafficOptions describes a loopback traffic run.
type trafficOptions struct {
	Devices   int
	TxQueues  int
	RxQueues  int
	RingSize  int
	Producers int
	Packets   int
	Batch     int
	Payload   int

	// CompleteEvery is the period of the transmit completion loop. Zero
	// completes buffers as they are transmitted.
	CompleteEvery time.Duration

	// Drain bounds the wait for looped back packets.
	Drain time.Duration
}

// trafficResult sums a run over all devices.
type trafficResult struct {
	Sent      uint64
	Rejected  uint64
	Delivered uint64
	Frames    uint64
}

// counter is an Upstream counting delivered wire segments.
type counter struct {
	frames   atomic.Uint64
	segments atomic.Uint64
}

// Deliver implements netdev.Upstream.Deliver.
func (c *counter) Deliver(_ *netdev.Device, _ uint32, pkts *pktbuf.List) {
	for !pkts.Empty() {
		p := pkts.PopFront()
		n := uint64(p.Offload.Segments)
		if n == 0 {
			n = 1
		}
		c.frames.Add(1)
		c.segments.Add(n)
		p.Release()
	}
}

// flow builds the TCP/IPv4 segments of one producer.
type flow struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	tcp     layers.TCP
	seq     uint32
	payload []byte
	buf     gopacket.SerializeBuffer
}

func newFlow(id, payload int) *flow {
	f := &flow{
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 1, byte(id)},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 2, byte(id)},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 1, byte(id)),
		},
		tcp: layers.TCP{
			SrcPort: layers.TCPPort(20000 + id),
			DstPort: 5001,
			Ack:     1,
			ACK:     true,
			Window:  65535,
		},
		seq:     1,
		payload: make([]byte, payload),
		buf:     gopacket.NewSerializeBuffer(),
	}
	for i := range f.payload {
		f.payload[i] = byte(id + i)
	}
	return f
}

// next returns the next segment of the flow.
func (f *flow) next(hash uint32) (*pktbuf.Buffer, error) {
	f.tcp.Seq = f.seq
	if err := f.tcp.SetNetworkLayerForChecksum(&f.ip); err != nil {
		return nil, err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(f.buf, opts, &f.eth, &f.ip, &f.tcp, gopacket.Payload(f.payload)); err != nil {
		return nil, err
	}
	f.seq += uint32(len(f.payload))
	pkt := pktbuf.New(append([]byte(nil), f.buf.Bytes()...))
	pkt.Hash = hash
	return pkt, nil
}

type trafficDevice struct {
	nic *loopback.NIC
	ul  *netdev.Uplink
	up  counter
}

// runTraffic pushes packets through loopback devices registered in reg and
// waits for them to come back.
func runTraffic(ctx context.Context, reg *netdev.Registry, opts trafficOptions) (trafficResult, error) {
	var res trafficResult
	devs := make([]*trafficDevice, opts.Devices)
	for i := range devs {
		td := &trafficDevice{}
		nic, err := loopback.New(reg, fmt.Sprintf("lo%d", i), loopback.Options{
			TxQueues:     opts.TxQueues,
			RxQueues:     opts.RxQueues,
			RingSize:     opts.RingSize,
			VectorBase:   i * opts.RxQueues,
			AutoComplete: opts.CompleteEvery == 0,
		})
		if err != nil {
			return res, err
		}
		td.nic = nic
		if td.ul, err = nic.Connect(reg, 0, &td.up); err != nil {
			return res, err
		}
		if err := td.ul.Open(); err != nil {
			return res, err
		}
		td.ul.Unblock()
		devs[i] = td
	}

	var sent, rejected atomic.Uint64
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	completers, cctx := errgroup.WithContext(ctx)
	if opts.CompleteEvery > 0 {
		for _, td := range devs {
			completers.Go(func() error {
				completeLoop(cctx, td.nic, opts)
				return nil
			})
		}
	}

	producers, pctx := errgroup.WithContext(ctx)
	for _, td := range devs {
		for p := 0; p < opts.Producers; p++ {
			producers.Go(func() error {
				f := newFlow(p, opts.Payload)
				for n := 0; n < opts.Packets; n += opts.Batch {
					if err := pctx.Err(); err != nil {
						return err
					}
					var l pktbuf.List
					for i := 0; i < opts.Batch && n+i < opts.Packets; i++ {
						pkt, err := f.next(uint32(p))
						if err != nil {
							return err
						}
						l.PushBack(pkt)
					}
					k := uint64(l.Len())
					err := td.ul.Transmit(&l)
					dropped := uint64(netdev.Dropped(err))
					sent.Add(k - dropped)
					rejected.Add(dropped)
					if err != nil {
						var full *netdev.ErrQueueFull
						if !errors.As(err, &full) {
							log.Debugf("%s: transmit: %v", td.nic.Device().Name(), err)
						}
					}
				}
				return nil
			})
		}
	}
	if err := producers.Wait(); err != nil {
		return res, err
	}

	delivered := func() (segs, frames uint64) {
		for _, td := range devs {
			segs += td.up.segments.Load()
			frames += td.up.frames.Load()
		}
		return segs, frames
	}
	wctx, wcancel := context.WithTimeout(ctx, opts.Drain)
	defer wcancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), wctx)
	waitErr := backoff.Retry(func() error {
		if segs, _ := delivered(); segs < sent.Load() {
			return fmt.Errorf("%d of %d packets delivered", segs, sent.Load())
		}
		return nil
	}, b)

	cancel()
	err := multierr.Append(completers.Wait(), waitErr)
	res.Sent = sent.Load()
	res.Rejected = rejected.Load()
	res.Delivered, res.Frames = delivered()
	return res, err
}

// completeLoop completes transmit buffers of nic periodically.
func completeLoop(ctx context.Context, nic *loopback.NIC, opts trafficOptions) {
	ticker := time.NewTicker(opts.CompleteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for q := 0; q < opts.TxQueues; q++ {
				nic.CompleteTx(q, opts.RingSize)
			}
		}
	}
}
