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

// Package metric exports device layer statistics in the Prometheus text
// format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/softnet/pkg/netdev"
	"gvisor.dev/softnet/pkg/pollunit"
)

// Prefix is prepended to every exported metric name.
const Prefix = "softnet_"

var (
	// ErrNotFound is returned by Value when no data point matches.
	ErrNotFound = errors.New("metric not found")

	// ErrAmbiguous is returned by Value when several data points match.
	ErrAmbiguous = errors.New("metric labels match several data points")
)

// Snapshot is a point in time collection of metric families.
type Snapshot struct {
	when     time.Time
	families map[string]*dto.MetricFamily
}

// NewSnapshot returns an empty snapshot taken at when.
func NewSnapshot(when time.Time) *Snapshot {
	return &Snapshot{
		when:     when,
		families: make(map[string]*dto.MetricFamily),
	}
}

func (s *Snapshot) family(name string, typ dto.MetricType, help string) *dto.MetricFamily {
	name = Prefix + name
	f, ok := s.families[name]
	if !ok {
		f = &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(help),
			Type: typ.Enum(),
		}
		s.families[name] = f
	}
	return f
}

func labelPairs(labels ...string) []*dto.LabelPair {
	pairs := make([]*dto.LabelPair, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}
	return pairs
}

// AddCounter adds a counter data point. labels alternate names and values.
func (s *Snapshot) AddCounter(name, help string, v uint64, labels ...string) {
	f := s.family(name, dto.MetricType_COUNTER, help)
	f.Metric = append(f.Metric, &dto.Metric{
		Label:       labelPairs(labels...),
		Counter:     &dto.Counter{Value: proto.Float64(float64(v))},
		TimestampMs: proto.Int64(s.when.UnixMilli()),
	})
}

// AddGauge adds a gauge data point. labels alternate names and values.
func (s *Snapshot) AddGauge(name, help string, v float64, labels ...string) {
	f := s.family(name, dto.MetricType_GAUGE, help)
	f.Metric = append(f.Metric, &dto.Metric{
		Label:       labelPairs(labels...),
		Gauge:       &dto.Gauge{Value: proto.Float64(v)},
		TimestampMs: proto.Int64(s.when.UnixMilli()),
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// AddDevice adds the counters and state of d and of its transmit queues.
func (s *Snapshot) AddDevice(d *netdev.Device) {
	name := d.Name()
	d.Stats().Each(func(stat string, v uint64) {
		s.AddCounter(stat, "Device counter "+stat+".", v, "device", name)
	})
	s.AddGauge("up", "Whether the device is up.", boolGauge(d.Up()), "device", name)
	s.AddGauge("carrier", "Whether the device has carrier.", boolGauge(d.Carrier()), "device", name)
	s.AddGauge("rx_contexts", "Number of receive contexts.", float64(len(d.RxContexts())), "device", name)
	for i := 0; i < d.NumTxQueues(); i++ {
		q := d.TxQueue(i)
		queue := strconv.Itoa(i)
		q.Stats().Each(func(stat string, v uint64) {
			s.AddCounter("txq_"+stat, "Transmit queue counter "+stat+".", v, "device", name, "queue", queue)
		})
		s.AddGauge("txq_stopped", "Whether the hardware queue is stopped.", boolGauge(q.Stopped()), "device", name, "queue", queue)
	}
}

// AddScheduler adds the poll unit scheduler figures.
func (s *Snapshot) AddScheduler(sched *pollunit.Scheduler) {
	s.AddGauge("poll_units", "Number of live poll units.", float64(sched.Units()))
	s.AddCounter("poll_invocations", "Number of poll unit invocations.", sched.Invocations())
}

// AddRegistry adds every connected device of r and its scheduler.
func (s *Snapshot) AddRegistry(r *netdev.Registry) {
	for _, d := range r.Devices() {
		s.AddDevice(d)
	}
	s.AddScheduler(r.Scheduler())
}

// Families returns the metric families sorted by name.
func (s *Snapshot) Families() []*dto.MetricFamily {
	names := make([]string, 0, len(s.families))
	for name := range s.families {
		names = append(names, name)
	}
	sort.Strings(names)
	fs := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		fs = append(fs, s.families[name])
	}
	return fs
}

// Write writes the snapshot in the Prometheus text format.
func (s *Snapshot) Write(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, f := range s.Families() {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("encoding %s: %w", f.GetName(), err)
		}
	}
	return nil
}

// Data is parsed Prometheus text data, keyed by metric name.
type Data map[string]*dto.MetricFamily

// Parse reads Prometheus text data.
func Parse(r io.Reader) (Data, error) {
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(r)
	if err != nil {
		return nil, err
	}
	return Data(families), nil
}

// Value returns the value of the single data point of metric name whose
// labels include wantLabels. Counters, gauges and untyped metrics are
// supported.
func (d Data) Value(name string, wantLabels map[string]string) (float64, error) {
	f, ok := d[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	var found *dto.Metric
	for _, m := range f.GetMetric() {
		if !hasLabels(m, wantLabels) {
			continue
		}
		if found != nil {
			return 0, fmt.Errorf("%w: %q %v", ErrAmbiguous, name, wantLabels)
		}
		found = m
	}
	if found == nil {
		return 0, fmt.Errorf("%w: %q %v", ErrNotFound, name, wantLabels)
	}
	switch f.GetType() {
	case dto.MetricType_COUNTER:
		return found.GetCounter().GetValue(), nil
	case dto.MetricType_GAUGE:
		return found.GetGauge().GetValue(), nil
	case dto.MetricType_UNTYPED:
		return found.GetUntyped().GetValue(), nil
	default:
		return 0, fmt.Errorf("metric %q has unsupported type %v", name, f.GetType())
	}
}

// Sum returns the sum of every data point of metric name whose labels
// include wantLabels.
func (d Data) Sum(name string, wantLabels map[string]string) float64 {
	f, ok := d[name]
	if !ok {
		return 0
	}
	var sum float64
	for _, m := range f.GetMetric() {
		if hasLabels(m, wantLabels) {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue() + m.GetUntyped().GetValue()
		}
	}
	return sum
}

// hasLabels reports whether want is a subset of the labels of m.
func hasLabels(m *dto.Metric, want map[string]string) bool {
	labels := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	for k, v := range want {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Names returns the metric names in sorted order.
func (d Data) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
