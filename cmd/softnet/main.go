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

// Binary softnet drives the device layer through simulated loopback NICs.
package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/softnet/pkg/log"
	"gvisor.dev/softnet/pkg/netdev"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file. Defaults apply when empty.")
	logPath    = flag.String("log", "", "file to write logs to, %PID% is replaced by the process ID. Logs go to stderr when empty.")
	logFormat  = flag.String("log-format", "text", "log format: text or json.")
	debug      = flag.Bool("debug", false, "enable debug logging, overriding the configuration.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Stats), "")
	subcommands.Register(new(ShowConfig), "")

	flag.Parse()

	conf := netdev.DefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = netdev.LoadConfig(*configPath); err != nil {
			Fatalf("%v", err)
		}
	}
	if *debug {
		conf.LogLevel = log.Debug
	}

	var out io.Writer = os.Stderr
	f, err := log.OpenFile(*logPath)
	if err != nil {
		Fatalf("%v", err)
	}
	if f != nil {
		out = f
	}
	format := log.FormatText
	switch *logFormat {
	case "text":
	case "json":
		format = log.FormatJSON
	default:
		Fatalf("unknown log format %q", *logFormat)
	}
	log.SetTarget(log.NewBasicLogger(out, format))
	log.SetLevel(conf.LogLevel)
	log.Debugf("Args: %v", os.Args)

	status := subcommands.Execute(context.Background(), &conf)
	if f != nil {
		f.Close()
	}
	os.Exit(int(status))
}
