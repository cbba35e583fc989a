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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/softnet/pkg/pollunit"
)

func TestRegistryHandles(t *testing.T) {
	reg, err := NewRegistry(testConfig(), RegistryOptions{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer func() {
		if err := reg.Teardown(); err != nil {
			t.Errorf("Teardown: %v", err)
		}
	}()

	var names []string
	for _, name := range []string{"eth0", "eth1", "eth2"} {
		d, err := reg.AllocDevice(name, &fakeDriver{}, DeviceOptions{})
		if err != nil {
			t.Fatalf("AllocDevice(%s): %v", name, err)
		}
		if _, err := reg.Connect(d, 0, &recorder{}); err != nil {
			t.Fatalf("Connect(%s): %v", name, err)
		}
		names = append(names, name)
	}
	if _, err := reg.AllocDevice("eth1", &fakeDriver{}, DeviceOptions{}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("AllocDevice(eth1) = %v, want %v", err, ErrDuplicateName)
	}

	var got []string
	var handles []Handle
	for _, d := range reg.Devices() {
		got = append(got, d.Name())
		handles = append(handles, d.Handle())
	}
	if diff := cmp.Diff(names, got); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Handle{1, 2, 3}, handles); diff != "" {
		t.Errorf("handles mismatch (-want +got):\n%s", diff)
	}
	if d := reg.Lookup(2); d == nil || d.Name() != "eth1" {
		t.Errorf("Lookup(2) = %v, want eth1", d)
	}
	if d := reg.LookupName("eth2"); d == nil || d.Handle() != 3 {
		t.Errorf("LookupName(eth2) = %v, want handle 3", d)
	}

	eth1 := reg.Lookup(2)
	if _, err := reg.Connect(eth1, 0, &recorder{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want %v", err, ErrAlreadyConnected)
	}
	if err := reg.FreeDevice(eth1); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("FreeDevice of a connected device = %v, want %v", err, ErrAlreadyConnected)
	}
	if err := reg.Disconnect(2); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if reg.Lookup(2) != nil || eth1.Connected() {
		t.Errorf("eth1 still registered after Disconnect")
	}
	if err := reg.Disconnect(2); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second Disconnect = %v, want %v", err, ErrUnknownDevice)
	}
	var nc *ErrNotConnected
	var tr tracker
	if err := eth1.Transmit(tr.pkts(1, 2)); !errors.As(err, &nc) || nc.Dropped != 2 {
		t.Errorf("Transmit on a disconnected device = %v, want ErrNotConnected", err)
	}
	if err := reg.FreeDevice(eth1); err != nil {
		t.Errorf("FreeDevice: %v", err)
	}
	if reg.LookupName("eth1") != nil {
		t.Errorf("eth1 still allocated after FreeDevice")
	}

	// Handles are not reused.
	d, err := reg.AllocDevice("eth1", &fakeDriver{}, DeviceOptions{})
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	if _, err := reg.Connect(d, 0, &recorder{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if d.Handle() != 4 {
		t.Errorf("handle = %d, want 4", d.Handle())
	}
}

func TestMultiQueueCapability(t *testing.T) {
	f := newFixture(t, fixtureOptions{dev: DeviceOptions{TxQueues: 4}, caps: CapSG})
	if caps := f.dev.Capabilities(); !caps.Has(CapMultiQueue | CapSG) {
		t.Errorf("capabilities = %v, want multi-queue and SG", caps)
	}
}

func TestDedicatedUnitFallback(t *testing.T) {
	// Room for the tx unit, the backup unit and one receive unit.
	sched := pollunit.NewScheduler(pollunit.Options{MaxUnits: 3})
	f := newFixture(t, fixtureOptions{regOpts: RegistryOptions{Scheduler: sched}})
	f.bringUp()

	var order []string
	poll := func(name string) PollFunc {
		return func(c *RxContext, _ int) int {
			order = append(order, name)
			c.Receive(f.tr.pkt(c.ID()))
			c.Complete()
			return 1
		}
	}
	c1 := f.dev.AddRxContext(poll("c1"), 0)
	c2 := f.dev.AddRxContext(poll("c2"), 0)
	if !c1.Dedicated() || c2.Dedicated() {
		t.Fatalf("dedicated = %t, %t; want true, false", c1.Dedicated(), c2.Dedicated())
	}
	if got := f.dev.DefaultPollUnit(); got != c1.pollUnit() {
		t.Errorf("default poll unit is not the first dedicated unit")
	}
	c1.Schedule()
	c2.Schedule()
	f.run()
	if diff := cmp.Diff([]string{"c1", "c2"}, order); diff != "" {
		t.Errorf("poll order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{c1.ID(), c2.ID()}, f.up.hashes()); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}

	// Removing the owner of the default unit hands the role over.
	c1.Remove()
	if got := f.dev.DefaultPollUnit(); got != nil {
		t.Errorf("default poll unit = %v after removing its only owner", got)
	}
}

func TestTeardownReleasesUnits(t *testing.T) {
	sched := pollunit.NewScheduler(pollunit.Options{})
	reg, err := NewRegistry(testConfig(), RegistryOptions{Scheduler: sched})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, name := range []string{"a0", "b0"} {
		d, err := reg.AllocDevice(name, &fakeDriver{}, DeviceOptions{TxQueues: 2})
		if err != nil {
			t.Fatalf("AllocDevice: %v", err)
		}
		if _, err := reg.Connect(d, 0, &recorder{}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := d.Open(); err != nil {
			t.Fatalf("Open: %v", err)
		}
		d.Unblock()
		d.AddRxContext(func(*RxContext, int) int { return 0 }, 0)
	}
	if sched.Units() == 0 {
		t.Fatalf("no poll units created")
	}
	if err := reg.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if got := sched.Units(); got != 0 {
		t.Errorf("%d poll units left after Teardown", got)
	}
	if got := len(reg.Devices()); got != 0 {
		t.Errorf("%d devices left after Teardown", got)
	}
}

func TestNewRegistryRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueLen = -1
	if _, err := NewRegistry(cfg, RegistryOptions{}); err == nil {
		t.Errorf("NewRegistry accepted a negative queue length")
	}
}
