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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/pktbuf"
	"gvisor.dev/softnet/pkg/pollunit"
)

// Clock abstracts time for the watchdog and transmit timestamps.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Scheduler runs the poll units. If nil, the registry creates one from
	// the configuration and owns it.
	Scheduler *pollunit.Scheduler

	// Clock defaults to the wall clock.
	Clock Clock

	// FatalHandler is called when a device keeps stalling. The default logs
	// and panics.
	FatalHandler func(error)
}

// Registry owns the devices of a process.
type Registry struct {
	cfg       Config
	sched     *pollunit.Scheduler
	ownSched  bool
	clock     Clock
	fatalFunc func(error)

	mu sync.Mutex
	// devices holds the connected devices, ordered by handle.
	// +checklocks:mu
	devices *btree.BTreeG[*Device]
	// names holds every allocated device.
	// +checklocks:mu
	names map[string]*Device
	// +checklocks:mu
	nextHandle Handle
	// +checklocks:mu
	cancel context.CancelFunc
	// +checklocks:mu
	group *errgroup.Group
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config, opts RegistryOptions) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	r := &Registry{
		cfg:       cfg,
		sched:     opts.Scheduler,
		clock:     opts.Clock,
		fatalFunc: opts.FatalHandler,
		devices: btree.NewG(2, func(a, b *Device) bool {
			return a.handle < b.handle
		}),
		names: make(map[string]*Device),
	}
	if r.sched == nil {
		r.sched = pollunit.NewScheduler(pollunit.Options{
			Workers:  cfg.workers(),
			MaxUnits: cfg.MaxPollUnits,
			Quantum:  cfg.PollQuantum,
		})
		r.ownSched = true
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	return r, nil
}

// Config returns the configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Scheduler returns the poll unit scheduler.
func (r *Registry) Scheduler() *pollunit.Scheduler {
	return r.sched
}

func (r *Registry) fatal(err error) {
	if r.fatalFunc != nil {
		r.fatalFunc(err)
		return
	}
	log.Warningf("FATAL: %v", err)
	panic(err)
}

// AllocDevice creates a device driven by drv. The device is present with
// its carrier on, closed and not connected.
func (r *Registry) AllocDevice(name string, drv Driver, opts DeviceOptions) (*Device, error) {
	if name == "" || drv == nil {
		return nil, errors.New("netdev: device needs a name and a driver")
	}
	if opts.TxQueues <= 0 {
		opts.TxQueues = 1
	}
	if opts.MTU <= 0 {
		opts.MTU = 1500
	}
	if opts.MaxSG <= 0 {
		opts.MaxSG = defaultMaxSG
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	d := &Device{
		name:   name,
		reg:    r,
		cfg:    &r.cfg,
		driver: drv,
		log:    log.Log().With("dev", name),
		mtu:    opts.MTU,
		maxSG:  opts.MaxSG,
		addr:   opts.HardwareAddr,
	}
	d.rlog = log.RateLimitedLogger(d.log, time.Second)
	d.txq = make([]*TxQueue, opts.TxQueues)
	for i := range d.txq {
		d.txq[i] = newTxQueue(d, i, r.cfg.MaxQueueLen)
	}
	var err error
	if d.txUnit, err = r.sched.Create(pollunit.DefaultClass, name+"-tx", d.processTxQueues, d); err != nil {
		return nil, fmt.Errorf("creating tx unit of %q: %w", name, err)
	}
	if d.backupUnit, err = r.sched.Create(pollunit.DefaultClass, name+"-rx-backup", d.backupPoll, d); err != nil {
		d.txUnit.Unref()
		return nil, fmt.Errorf("creating backup rx unit of %q: %w", name, err)
	}
	d.SetWatchdogTimeout(opts.WatchdogTimeout)
	d.setFlags(flagPresent | flagCarrier)
	r.names[name] = d
	return d, nil
}

// FreeDevice destroys a device that is not connected.
func (r *Registry) FreeDevice(d *Device) error {
	r.mu.Lock()
	if d.handle != 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, d.name)
	}
	delete(r.names, d.name)
	r.mu.Unlock()

	for _, c := range d.RxContexts() {
		c.Remove()
	}
	for _, q := range d.txq {
		q.stop()
	}
	d.txUnit.Unref()
	d.backupUnit.Unref()
	return nil
}

// Connect attaches d to the upstream stack and registers it. Receive
// contexts added from then on get dedicated poll units in the device
// service class.
func (r *Registry) Connect(d *Device, caps Capabilities, up Upstream) (*Uplink, error) {
	if up == nil {
		return nil, errors.New("netdev: nil upstream")
	}
	if len(d.txq) > 1 {
		caps |= CapMultiQueue
	}
	class := "netdev/" + d.name
	if err := r.sched.AddClass(class); err != nil {
		return nil, fmt.Errorf("registering service class of %s: %w", d.name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[d.name] != d {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, d.name)
	}
	if d.handle != 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, d.name)
	}
	r.nextHandle++
	d.handle = r.nextHandle
	d.caps = caps
	d.class = class
	d.upstream.Store(&up)
	r.devices.ReplaceOrInsert(d)
	d.setFlags(flagConnected)
	d.log.Infof("connected as %d", d.handle)
	return &Uplink{dev: d}, nil
}

// Disconnect closes the device registered as h, removes its receive
// contexts and unregisters it. The device can be freed afterwards.
func (r *Registry) Disconnect(h Handle) error {
	d := r.Lookup(h)
	if d == nil {
		return fmt.Errorf("%w: handle %d", ErrUnknownDevice, h)
	}
	err := d.Close()
	for _, c := range d.RxContexts() {
		c.Remove()
	}

	r.mu.Lock()
	r.devices.Delete(d)
	class := d.class
	d.handle = 0
	d.class = ""
	d.upstream.Store(nil)
	d.clearFlags(flagConnected)
	r.mu.Unlock()

	r.sched.RemoveClass(class)
	d.log.Infof("disconnected")
	return err
}

// Lookup returns the connected device with handle h, or nil.
func (r *Registry) Lookup(h Handle) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, _ := r.devices.Get(&Device{handle: h})
	return d
}

// LookupName returns the allocated device called name, or nil.
func (r *Registry) LookupName(name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[name]
}

// Devices returns the connected devices in handle order.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := make([]*Device, 0, r.devices.Len())
	r.devices.Ascend(func(d *Device) bool {
		ds = append(ds, d)
		return true
	})
	return ds
}

// Start starts the scheduler, if owned, and the watchdog.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return errors.New("netdev: registry already started")
	}
	if r.ownSched {
		if err := r.sched.Start(ctx); err != nil {
			return err
		}
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	r.group.Go(func() error {
		r.watchdogLoop(ctx)
		return nil
	})
	return nil
}

func (r *Registry) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.WatchdogPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.WatchdogSweep()
		}
	}
}

// WatchdogSweep runs one watchdog pass over the connected devices.
func (r *Registry) WatchdogSweep() {
	now := r.clock.Now()
	for _, d := range r.Devices() {
		d.watchdogSweep(now)
	}
}

// Teardown disconnects and frees every device, then stops the watchdog and
// the owned scheduler.
func (r *Registry) Teardown() error {
	var err error
	for _, d := range r.Devices() {
		err = multierr.Append(err, r.Disconnect(d.Handle()))
	}
	r.mu.Lock()
	all := make([]*Device, 0, len(r.names))
	for _, d := range r.names {
		all = append(all, d)
	}
	cancel, group := r.cancel, r.group
	r.mu.Unlock()
	for _, d := range all {
		err = multierr.Append(err, r.FreeDevice(d))
	}

	if cancel != nil {
		cancel()
		err = multierr.Append(err, group.Wait())
	}
	if r.ownSched {
		err = multierr.Append(err, r.sched.Stop())
	}
	return err
}

// Uplink is the handle given to the upstream stack by Connect.
type Uplink struct {
	dev *Device
}

// Device returns the device.
func (u *Uplink) Device() *Device {
	return u.dev
}

// Handle returns the registry handle.
func (u *Uplink) Handle() Handle {
	return u.dev.Handle()
}

// Transmit sends packets. See Device.Transmit.
func (u *Uplink) Transmit(pkts *pktbuf.List) error {
	return u.dev.Transmit(pkts)
}

// Open opens the device.
func (u *Uplink) Open() error {
	return u.dev.Open()
}

// Close closes the device.
func (u *Uplink) Close() error {
	return u.dev.Close()
}

// Block blocks the device.
func (u *Uplink) Block() {
	u.dev.Block()
}

// Unblock unblocks the device.
func (u *Uplink) Unblock() {
	u.dev.Unblock()
}

// SetPromisc sets the promiscuous mode.
func (u *Uplink) SetPromisc(on bool) {
	u.dev.SetPromisc(on)
}

// SetMulticastList replaces the multicast filter list.
func (u *Uplink) SetMulticastList(addrs []net.HardwareAddr) {
	u.dev.SetMulticastList(addrs)
}

// Stats returns the device statistics.
func (u *Uplink) Stats() *Stats {
	return &u.dev.stats
}

// DefaultPollUnit returns the device default poll unit, or nil.
func (u *Uplink) DefaultPollUnit() *pollunit.Unit {
	return u.dev.DefaultPollUnit()
}
