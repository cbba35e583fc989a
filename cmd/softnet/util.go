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
	"fmt"
	"os"

	"gvisor.dev/softnet/pkg/log"
)

// Fatalf logs to stderr and the log, then exits with status 128.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL: "+format, args...)
	os.Exit(128)
}

// Infof writes to stdout and logs.
func Infof(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
	log.Infof(format, args...)
}
