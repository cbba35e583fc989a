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
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/softnet/pkg/metric"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct{}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "summarize an exported statistics file"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [<file>] - reads Prometheus text data written by "run" from file, or
stdin, and prints one line per device.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Stats) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Stats) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	var in io.Reader = os.Stdin
	switch f.NArg() {
	case 0:
	case 1:
		file, err := os.Open(f.Arg(0))
		if err != nil {
			Fatalf("%v", err)
		}
		defer file.Close()
		in = file
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	data, err := metric.Parse(in)
	if err != nil {
		Fatalf("parsing statistics: %v", err)
	}
	if err := summarize(os.Stdout, data); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// summaryColumns are the per device counters printed by summarize.
var summaryColumns = []string{
	"tx_packets",
	"tx_dropped",
	"tx_busy",
	"rx_packets",
	"rx_delivered",
	"rx_dropped",
	"rx_gro_merged",
	"watchdog_hits",
}

// summarize writes one line per device found in data.
func summarize(w io.Writer, data metric.Data) error {
	devices := make(map[string]bool)
	for _, m := range data[metric.Prefix+"tx_packets"].GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "device" {
				devices[l.GetValue()] = true
			}
		}
	}
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "device\t")
	for _, c := range summaryColumns {
		fmt.Fprintf(tw, "%s\t", c)
	}
	fmt.Fprintln(tw)
	for _, dev := range names {
		fmt.Fprintf(tw, "%s\t", dev)
		for _, c := range summaryColumns {
			v, err := data.Value(metric.Prefix+c, map[string]string{"device": dev})
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%.0f\t", v)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
