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
	"strconv"
	"sync/atomic"
)

// StatCounter is a monotonically increasing counter.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// TxStats are transmit path statistics of a device.
type TxStats struct {
	// Packets and Bytes count packets accepted by the driver.
	Packets StatCounter
	Bytes   StatCounter

	// Dropped counts every packet released without being handed to the
	// driver: overflow, blocked or stopped queues, translation failures
	// and queues flushed by block or stop.
	Dropped StatCounter

	// QueueFull counts packets rejected because the soft queue was full.
	QueueFull StatCounter

	// Busy counts driver refusals.
	Busy StatCounter

	// Reschedules counts drain passes that gave up and handed the queue to
	// the transmit poll unit.
	Reschedules StatCounter

	TranslateErrors StatCounter
}

// RxStats are receive path statistics of a device.
type RxStats struct {
	// Packets and Bytes count packets handed in by the driver.
	Packets StatCounter
	Bytes   StatCounter

	// Delivered counts packets handed upstream, after aggregation.
	Delivered StatCounter

	Dropped StatCounter

	// Flushes counts upstream deliveries.
	Flushes StatCounter

	// Polls counts driver poll callbacks.
	Polls StatCounter

	// Yields counts poll loops that gave up their time slice with work
	// left.
	Yields StatCounter

	// GROMerged counts packets merged into an earlier one.
	GROMerged StatCounter
}

// Stats are the statistics of a device.
type Stats struct {
	Tx TxStats
	Rx RxStats

	// WatchdogHits counts transmit timeouts reported to the driver.
	WatchdogHits StatCounter

	// Timeouts counts quiescence waits that gave up.
	Timeouts StatCounter
}

// Each calls fn for every counter, in a fixed order.
func (s *Stats) Each(fn func(name string, v uint64)) {
	for _, c := range []struct {
		name string
		c    *StatCounter
	}{
		{"tx_packets", &s.Tx.Packets},
		{"tx_bytes", &s.Tx.Bytes},
		{"tx_dropped", &s.Tx.Dropped},
		{"tx_queue_full", &s.Tx.QueueFull},
		{"tx_busy", &s.Tx.Busy},
		{"tx_reschedules", &s.Tx.Reschedules},
		{"tx_translate_errors", &s.Tx.TranslateErrors},
		{"rx_packets", &s.Rx.Packets},
		{"rx_bytes", &s.Rx.Bytes},
		{"rx_delivered", &s.Rx.Delivered},
		{"rx_dropped", &s.Rx.Dropped},
		{"rx_flushes", &s.Rx.Flushes},
		{"rx_polls", &s.Rx.Polls},
		{"rx_yields", &s.Rx.Yields},
		{"rx_gro_merged", &s.Rx.GROMerged},
		{"watchdog_hits", &s.WatchdogHits},
		{"block_timeouts", &s.Timeouts},
	} {
		fn(c.name, c.c.Value())
	}
}

// TxQueueStats are per soft queue statistics.
type TxQueueStats struct {
	Packets  StatCounter
	Bytes    StatCounter
	Dropped  StatCounter
	Requeued StatCounter
}

// Each calls fn for every counter, in a fixed order.
func (s *TxQueueStats) Each(fn func(name string, v uint64)) {
	fn("packets", s.Packets.Value())
	fn("bytes", s.Bytes.Value())
	fn("dropped", s.Dropped.Value())
	fn("requeued", s.Requeued.Value())
}
