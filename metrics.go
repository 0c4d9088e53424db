// Copyright 2025 Edgeo SCADA
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

package s7

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonic or gauge-style int64 safe for concurrent use.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Add(delta int64) { c.v.Add(delta) }
func (c *Counter) Value() int64    { return c.v.Load() }
func (c *Counter) Reset()          { c.v.Store(0) }

// DefaultLatencyBounds are the histogram bucket upper bounds used when
// NewLatencyHistogram is called without arguments. Observations above the
// last bound land in an overflow bucket labelled "<last>+".
var DefaultLatencyBounds = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
}

// LatencyHistogram records round-trip times of S7 jobs.
type LatencyHistogram struct {
	mu     sync.Mutex
	bounds []time.Duration
	counts []int64 // len(bounds)+1, the last slot is overflow
	sum    time.Duration
	n      int64
	lo, hi time.Duration
}

// NewLatencyHistogram returns a histogram with the given ascending bucket
// bounds, or DefaultLatencyBounds when none are given.
func NewLatencyHistogram(bounds ...time.Duration) *LatencyHistogram {
	if len(bounds) == 0 {
		bounds = DefaultLatencyBounds
	}
	b := append([]time.Duration(nil), bounds...)
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	return &LatencyHistogram{bounds: b, counts: make([]int64, len(b)+1)}
}

// Observe records one sample.
func (h *LatencyHistogram) Observe(d time.Duration) {
	i := sort.Search(len(h.bounds), func(i int) bool { return d <= h.bounds[i] })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[i]++
	h.sum += d
	if h.n == 0 || d < h.lo {
		h.lo = d
	}
	if d > h.hi {
		h.hi = d
	}
	h.n++
}

// Stats returns a copy of the current distribution. Durations are
// reported in milliseconds.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := LatencyStats{
		Count:   h.n,
		Sum:     millis(h.sum),
		Buckets: make(map[string]int64, len(h.counts)),
	}
	for i, c := range h.counts {
		s.Buckets[h.label(i)] = c
	}
	if h.n == 0 {
		return s
	}
	s.Avg = s.Sum / float64(h.n)
	s.Min = millis(h.lo)
	s.Max = millis(h.hi)
	s.P95 = millis(h.quantile(0.95))
	return s
}

// quantile returns the upper bound of the bucket holding the q-th sample,
// capped at the observed maximum. Callers hold h.mu.
func (h *LatencyHistogram) quantile(q float64) time.Duration {
	rank := int64(q*float64(h.n) + 0.5)
	if rank < 1 {
		rank = 1
	}
	var seen int64
	for i, c := range h.counts {
		seen += c
		if seen >= rank && i < len(h.bounds) {
			return min(h.bounds[i], h.hi)
		}
	}
	return h.hi
}

func (h *LatencyHistogram) label(i int) string {
	if i == len(h.bounds) {
		return h.bounds[len(h.bounds)-1].String() + "+"
	}
	return h.bounds[i].String()
}

// Reset clears all samples.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.counts)
	h.sum, h.n, h.lo, h.hi = 0, 0, 0, 0
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// LatencyStats is a point-in-time view of a LatencyHistogram, in milliseconds.
type LatencyStats struct {
	Count   int64            `json:"count"`
	Sum     float64          `json:"sum_ms"`
	Avg     float64          `json:"avg_ms"`
	Min     float64          `json:"min_ms"`
	Max     float64          `json:"max_ms"`
	P95     float64          `json:"p95_ms"`
	Buckets map[string]int64 `json:"buckets"`
}

// FunctionMetrics tracks the jobs sent with one S7 function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Timeouts Counter
	Latency  *LatencyHistogram
}

// Metrics holds the counters of a Client. All fields are safe for
// concurrent use.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Timeouts        Counter
	// ItemErrors counts items rejected by the PLC with a return code.
	ItemErrors    Counter
	Reconnections Counter
	ActiveConns   Counter
	BytesRead     Counter
	BytesWritten  Counter
	Latency       *LatencyHistogram

	mu    sync.RWMutex
	funcs map[FunctionCode]*FunctionMetrics
}

// NewMetrics returns zeroed metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
		funcs:   make(map[FunctionCode]*FunctionMetrics),
	}
}

// ForFunction returns the metrics for fc, creating them on first use.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	m.mu.RLock()
	fm, ok := m.funcs[fc]
	m.mu.RUnlock()
	if ok {
		return fm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fm, ok = m.funcs[fc]; !ok {
		fm = &FunctionMetrics{Latency: NewLatencyHistogram()}
		m.funcs[fc] = fm
	}
	return fm
}

// observe records one job/ack exchange. Latency is only sampled for
// exchanges that completed.
func (m *Metrics) observe(fc FunctionCode, d time.Duration, err error) {
	fm := m.ForFunction(fc)
	m.RequestsTotal.Add(1)
	fm.Requests.Add(1)
	switch {
	case err == nil:
		m.RequestsSuccess.Add(1)
		m.Latency.Observe(d)
		fm.Latency.Observe(d)
	case errors.Is(err, ErrTimeout):
		m.Timeouts.Add(1)
		fm.Timeouts.Add(1)
		fallthrough
	default:
		m.RequestsErrors.Add(1)
		fm.Errors.Add(1)
	}
}

// FunctionSnapshot is the exported view of a FunctionMetrics.
type FunctionSnapshot struct {
	Requests int64        `json:"requests"`
	Errors   int64        `json:"errors"`
	Timeouts int64        `json:"timeouts"`
	Latency  LatencyStats `json:"latency"`
}

// Snapshot is a consistent-enough copy of Metrics for reporting. Counters
// are read one by one, so concurrent traffic may skew totals slightly.
type Snapshot struct {
	RequestsTotal   int64                       `json:"requests_total"`
	RequestsSuccess int64                       `json:"requests_success"`
	RequestsErrors  int64                       `json:"requests_errors"`
	Timeouts        int64                       `json:"timeouts"`
	ItemErrors      int64                       `json:"item_errors"`
	Reconnections   int64                       `json:"reconnections"`
	ActiveConns     int64                       `json:"active_conns"`
	BytesRead       int64                       `json:"bytes_read"`
	BytesWritten    int64                       `json:"bytes_written"`
	Latency         LatencyStats                `json:"latency"`
	Functions       map[string]FunctionSnapshot `json:"functions,omitempty"`
}

// Snapshot copies the current values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RequestsTotal:   m.RequestsTotal.Value(),
		RequestsSuccess: m.RequestsSuccess.Value(),
		RequestsErrors:  m.RequestsErrors.Value(),
		Timeouts:        m.Timeouts.Value(),
		ItemErrors:      m.ItemErrors.Value(),
		Reconnections:   m.Reconnections.Value(),
		ActiveConns:     m.ActiveConns.Value(),
		BytesRead:       m.BytesRead.Value(),
		BytesWritten:    m.BytesWritten.Value(),
		Latency:         m.Latency.Stats(),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.funcs) > 0 {
		s.Functions = make(map[string]FunctionSnapshot, len(m.funcs))
	}
	for fc, fm := range m.funcs {
		s.Functions[fc.String()] = FunctionSnapshot{
			Requests: fm.Requests.Value(),
			Errors:   fm.Errors.Value(),
			Timeouts: fm.Timeouts.Value(),
			Latency:  fm.Latency.Stats(),
		}
	}
	return s
}

// Collect flattens a Snapshot into a map, for expvar-style exporters.
func (m *Metrics) Collect() map[string]interface{} {
	s := m.Snapshot()
	out := map[string]interface{}{
		"requests_total":   s.RequestsTotal,
		"requests_success": s.RequestsSuccess,
		"requests_errors":  s.RequestsErrors,
		"timeouts":         s.Timeouts,
		"item_errors":      s.ItemErrors,
		"reconnections":    s.Reconnections,
		"active_conns":     s.ActiveConns,
		"bytes_read":       s.BytesRead,
		"bytes_written":    s.BytesWritten,
		"latency":          s.Latency,
	}
	if len(s.Functions) == 0 {
		return out
	}
	funcs := make(map[string]interface{}, len(s.Functions))
	for name, f := range s.Functions {
		funcs[name] = map[string]interface{}{
			"requests": f.Requests,
			"errors":   f.Errors,
			"timeouts": f.Timeouts,
			"latency":  f.Latency,
		}
	}
	out["functions"] = funcs
	return out
}

// Reset zeroes every counter except ActiveConns, which tracks live state.
func (m *Metrics) Reset() {
	for _, c := range []*Counter{
		&m.RequestsTotal, &m.RequestsSuccess, &m.RequestsErrors, &m.Timeouts,
		&m.ItemErrors, &m.Reconnections, &m.BytesRead, &m.BytesWritten,
	} {
		c.Reset()
	}
	m.Latency.Reset()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, fm := range m.funcs {
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Timeouts.Reset()
		fm.Latency.Reset()
	}
}
