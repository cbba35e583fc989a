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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewBasicLogger(&buf, FormatText)
	l.SetLevel(Info)

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message emitted at info level: %q", out)
	}
	if got := strings.Count(out, "shown"); got != 2 {
		t.Errorf("got %d messages, want 2: %q", got, out)
	}
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = true at info level")
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewBasicLogger(&buf, FormatJSON)
	l.With("dev", "lo0").Warningf("queue %d stalled", 2)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v: %q", err, buf.String())
	}
	if m["dev"] != "lo0" {
		t.Errorf("dev field = %v, want lo0", m["dev"])
	}
	if m["msg"] != "queue 2 stalled" {
		t.Errorf("msg = %v, want %q", m["msg"], "queue 2 stalled")
	}
	if m["level"] != "warning" {
		t.Errorf("level = %v, want warning", m["level"])
	}
}

func TestRateLimited(t *testing.T) {
	var buf bytes.Buffer
	l := NewBasicLogger(&buf, FormatText)
	rl := RateLimitedLogger(l, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("drop %d", i)
	}
	if got := strings.Count(buf.String(), "drop"); got != 1 {
		t.Errorf("got %d messages through the limiter, want 1: %q", got, buf.String())
	}
}
