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
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Sentinel errors.
var (
	ErrSGOverflow       = errors.New("netdev: packet has more fragments than the device can map")
	ErrDuplicateName    = errors.New("netdev: device name in use")
	ErrAlreadyConnected = errors.New("netdev: device already connected")
	ErrUnknownDevice    = errors.New("netdev: unknown device")
	ErrSharedPollUnit   = errors.New("netdev: receive context uses the shared poll unit")
	ErrInvalidQueue     = errors.New("netdev: invalid queue index")
)

// ErrQueueFull is returned by Transmit when the soft queue could not admit
// every packet. The rejected packets were released and counted as dropped.
type ErrQueueFull struct {
	Queue   int
	Dropped int
}

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("tx queue %d full: %d packets dropped", e.Queue, e.Dropped)
}

// ErrQueueBlocked is returned by Transmit when the soft queue is blocked for
// administrative reasons.
type ErrQueueBlocked struct {
	Queue   int
	Dropped int
}

func (e *ErrQueueBlocked) Error() string {
	return fmt.Sprintf("tx queue %d blocked: %d packets dropped", e.Queue, e.Dropped)
}

// ErrQueueStopped is returned by Transmit when the soft queue is not
// started.
type ErrQueueStopped struct {
	Queue   int
	Dropped int
}

func (e *ErrQueueStopped) Error() string {
	return fmt.Sprintf("tx queue %d stopped: %d packets dropped", e.Queue, e.Dropped)
}

// ErrNotConnected is returned when the device is not connected to an
// upstream.
type ErrNotConnected struct {
	Device  string
	Dropped int
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("device %s not connected: %d packets dropped", e.Device, e.Dropped)
}

// Dropped returns the number of packets a Transmit error reports as not
// accepted. It looks into combined errors.
func Dropped(err error) int {
	n := 0
	for _, e := range multierr.Errors(err) {
		switch e := e.(type) {
		case *ErrQueueFull:
			n += e.Dropped
		case *ErrQueueBlocked:
			n += e.Dropped
		case *ErrQueueStopped:
			n += e.Dropped
		case *ErrNotConnected:
			n += e.Dropped
		}
	}
	return n
}
