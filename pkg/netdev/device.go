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

// Package netdev implements the soft-queue and poll-dispatch engine of a
// network device layer.
//
// A Device sits between a Driver and an Upstream stack. Outbound packets
// are admitted into per hardware queue soft queues (TxQueue) and drained
// into Driver.StartXmit. Inbound packets are collected by receive contexts
// (RxContext) whose poll loops run on pollunit units and flush batches
// upstream.
//
// Lock order: TxQueue queue lock, then TxQueue transmit lock. The transmit
// lock is only ever tried while the queue lock is held. The receive context
// list lock is a leaf.
package netdev

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/pollunit"
)

// Handle identifies a connected device in its registry.
type Handle uint64

// Device flags.
const (
	flagPresent uint32 = 1 << iota
	flagRunning
	flagUp
	flagPromisc
	flagCarrier
	flagConnected
	flagBlocked

	// flagQueuesStarted records that the watchdog started the soft queues
	// in bulk.
	flagQueuesStarted
)

const defaultMaxSG = 17

// DeviceOptions configures a new device.
type DeviceOptions struct {
	// TxQueues is the number of transmit queues. Zero means one.
	TxQueues int

	// MTU defaults to 1500.
	MTU int

	// MaxSG is the number of scatter-gather entries the hardware accepts
	// per packet. Zero means 17.
	MaxSG int

	// WatchdogTimeout overrides the configured transmit timeout.
	WatchdogTimeout time.Duration

	HardwareAddr net.HardwareAddr
}

// Device is a network device.
type Device struct {
	name   string
	reg    *Registry
	cfg    *Config
	driver Driver
	log    log.Logger
	rlog   log.Logger

	mtu   int
	maxSG int
	addr  net.HardwareAddr

	flags atomic.Uint32

	// The following fields are set by Connect and cleared by Disconnect,
	// under reg.mu.
	handle Handle
	caps   Capabilities
	class  string

	upstream atomic.Pointer[Upstream]

	txq []*TxQueue

	// txUnit runs the sweep over outList.
	txUnit *pollunit.Unit
	outMu  sync.Mutex
	// +checklocks:outMu
	outList []*TxQueue

	// backupUnit polls receive contexts without a dedicated unit.
	backupUnit *pollunit.Unit

	rxMu sync.Mutex
	// +checklocks:rxMu
	rxContexts []*RxContext
	// +checklocks:rxMu
	nextRxID uint32
	// +checklocks:rxMu
	defaultUnit *pollunit.Unit

	// rxInFlight counts running receive poll invocations.
	rxInFlight atomic.Int32

	mcMu sync.Mutex
	// +checklocks:mcMu
	mcList []net.HardwareAddr

	watchdogTimeout atomic.Int64
	wd              watchdog

	stats Stats
}

func (d *Device) hasFlags(f uint32) bool {
	return d.flags.Load()&f == f
}

func (d *Device) setFlags(f uint32) {
	d.flags.Or(f)
}

func (d *Device) clearFlags(f uint32) {
	d.flags.And(^f)
}

// testAndSetFlags sets f and returns whether any of it was already set.
func (d *Device) testAndSetFlags(f uint32) bool {
	return d.flags.Or(f)&f != 0
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Handle returns the registry handle, or zero if not connected.
func (d *Device) Handle() Handle {
	d.reg.mu.Lock()
	defer d.reg.mu.Unlock()
	return d.handle
}

// Capabilities returns the capabilities given at Connect.
func (d *Device) Capabilities() Capabilities {
	d.reg.mu.Lock()
	defer d.reg.mu.Unlock()
	return d.caps
}

// MTU returns the device MTU.
func (d *Device) MTU() int {
	return d.mtu
}

// HardwareAddr returns the device MAC address.
func (d *Device) HardwareAddr() net.HardwareAddr {
	return d.addr
}

// NumTxQueues returns the number of transmit queues.
func (d *Device) NumTxQueues() int {
	return len(d.txq)
}

// TxQueue returns transmit queue i, or nil for an invalid index.
func (d *Device) TxQueue(i int) *TxQueue {
	q, _ := d.queue(i)
	return q
}

// Stats returns the device statistics.
func (d *Device) Stats() *Stats {
	return &d.stats
}

// Connected returns whether the device is connected to an upstream.
func (d *Device) Connected() bool {
	return d.hasFlags(flagConnected)
}

// Running returns whether the device was opened and not closed since.
func (d *Device) Running() bool {
	return d.hasFlags(flagRunning)
}

// Up returns whether the device is administratively up.
func (d *Device) Up() bool {
	return d.hasFlags(flagUp)
}

// Promisc returns whether the device is in promiscuous mode.
func (d *Device) Promisc() bool {
	return d.hasFlags(flagPromisc)
}

// Blocked returns whether the device is blocked.
func (d *Device) Blocked() bool {
	return d.hasFlags(flagBlocked)
}

// Present returns whether the hardware is attached.
func (d *Device) Present() bool {
	return d.hasFlags(flagPresent)
}

// Carrier returns the link state.
func (d *Device) Carrier() bool {
	return d.hasFlags(flagCarrier)
}

// SetCarrier records a link state change reported by the driver. Soft
// queues follow on the next watchdog sweep.
func (d *Device) SetCarrier(on bool) {
	if on {
		if !d.testAndSetFlags(flagCarrier) {
			d.log.Infof("link up")
		}
		return
	}
	if d.flags.And(^flagCarrier)&flagCarrier != 0 {
		d.log.Infof("link down")
	}
}

// Attach marks the hardware present.
func (d *Device) Attach() {
	d.setFlags(flagPresent)
}

// Detach marks the hardware absent and stops every soft queue.
func (d *Device) Detach() {
	if d.flags.And(^flagPresent)&flagPresent != 0 {
		d.StopAllQueues()
	}
}

// SetPromisc changes the promiscuous flag and reprograms the receive
// filters of an up device.
func (d *Device) SetPromisc(on bool) {
	if on {
		d.setFlags(flagPromisc)
	} else {
		d.clearFlags(flagPromisc)
	}
	d.syncRxMode()
}

// SetMulticastList replaces the multicast filter list.
func (d *Device) SetMulticastList(addrs []net.HardwareAddr) {
	d.mcMu.Lock()
	d.mcList = append(d.mcList[:0], addrs...)
	d.mcMu.Unlock()
	d.syncRxMode()
}

// MulticastList returns a copy of the multicast filter list.
func (d *Device) MulticastList() []net.HardwareAddr {
	d.mcMu.Lock()
	defer d.mcMu.Unlock()
	return append([]net.HardwareAddr(nil), d.mcList...)
}

func (d *Device) syncRxMode() {
	if !d.Up() {
		return
	}
	if rs, ok := d.driver.(RxModeSetter); ok {
		rs.SetRxMode(d)
	}
}

// WatchdogTimeout returns the transmit timeout, zero if the watchdog is
// off for this device.
func (d *Device) WatchdogTimeout() time.Duration {
	return time.Duration(d.watchdogTimeout.Load())
}

// SetWatchdogTimeout changes the transmit timeout. Zero disables the
// watchdog for this device.
func (d *Device) SetWatchdogTimeout(t time.Duration) {
	d.watchdogTimeout.Store(int64(t))
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%d)", d.name, d.Handle())
}
