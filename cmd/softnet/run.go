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
	"flag"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"go.uber.org/multierr"
	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/metric"
	"gvisor.dev/softnet/pkg/netdev"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	opts       trafficOptions
	metricsOut string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "push traffic through loopback devices and export statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - creates loopback devices, transmits TCP segments on them and
waits for the segments to come back on the receive side. Device statistics
are written in the Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.opts.Devices, "devices", 1, "number of loopback devices.")
	f.IntVar(&r.opts.TxQueues, "tx-queues", 2, "transmit queues per device.")
	f.IntVar(&r.opts.RxQueues, "rx-queues", 2, "receive rings per device.")
	f.IntVar(&r.opts.RingSize, "ring-size", 256, "transmit ring capacity.")
	f.IntVar(&r.opts.Producers, "producers", 4, "transmitting goroutines per device, one TCP flow each.")
	f.IntVar(&r.opts.Packets, "packets", 10000, "packets per producer.")
	f.IntVar(&r.opts.Batch, "batch", 32, "packets per Transmit call.")
	f.IntVar(&r.opts.Payload, "payload", 1200, "TCP payload bytes per packet.")
	f.DurationVar(&r.opts.CompleteEvery, "complete-every", 0, "transmit completion period. Zero completes on transmit.")
	f.DurationVar(&r.opts.Drain, "drain", 10*time.Second, "how long to wait for looped back packets.")
	f.StringVar(&r.metricsOut, "metrics-out", "", "file to write the statistics to. Stdout when empty.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || r.opts.Devices <= 0 || r.opts.Producers <= 0 || r.opts.Batch <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*netdev.Config)

	reg, err := netdev.NewRegistry(*conf, netdev.RegistryOptions{})
	if err != nil {
		Fatalf("%v", err)
	}
	if err := reg.Start(ctx); err != nil {
		Fatalf("starting registry: %v", err)
	}

	start := time.Now()
	res, runErr := runTraffic(ctx, reg, r.opts)
	elapsed := time.Since(start)
	if runErr != nil {
		log.Warningf("traffic run: %v", runErr)
	}

	snap := metric.NewSnapshot(time.Now())
	snap.AddRegistry(reg)
	if err := writeSnapshot(snap, r.metricsOut); err != nil {
		runErr = multierr.Append(runErr, err)
	}
	if err := reg.Teardown(); err != nil {
		runErr = multierr.Append(runErr, err)
	}

	Infof("sent %d packets (%d rejected), delivered %d in %d frames, in %v", res.Sent, res.Rejected, res.Delivered, res.Frames, elapsed)
	if runErr != nil {
		Fatalf("%v", runErr)
	}
	return subcommands.ExitSuccess
}

func writeSnapshot(snap *metric.Snapshot, path string) (err error) {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, f.Close())
		}()
		w = f
	}
	return snap.Write(w)
}
