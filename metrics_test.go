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
	"io"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	var c Counter

	c.Add(7)
	c.Add(-3)
	if c.Value() != 4 {
		t.Errorf("expected 4, got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("after Reset: expected 0, got %d", c.Value())
	}
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(800 * time.Microsecond)
	h.Observe(3 * time.Millisecond)
	h.Observe(40 * time.Millisecond)
	h.Observe(7 * time.Second)

	stats := h.Stats()
	if stats.Count != 4 {
		t.Errorf("Count: expected 4, got %d", stats.Count)
	}
	if stats.Min < 0.7 || stats.Min > 0.9 {
		t.Errorf("Min: expected ~0.8, got %.2f", stats.Min)
	}
	if stats.Buckets["1ms"] != 1 || stats.Buckets["5ms"] != 1 || stats.Buckets["50ms"] != 1 {
		t.Errorf("unexpected buckets: %v", stats.Buckets)
	}
	if stats.Buckets["5s+"] != 1 {
		t.Errorf("Bucket 5s+: expected 1, got %d", stats.Buckets["5s+"])
	}

	h.Reset()
	if s := h.Stats(); s.Count != 0 || s.Sum != 0 {
		t.Errorf("after Reset: count=%d sum=%.2f", s.Count, s.Sum)
	}
}

func TestMetricsObserve(t *testing.T) {
	m := NewMetrics()

	m.observe(FuncReadVar, 2*time.Millisecond, nil)
	m.observe(FuncReadVar, 4*time.Millisecond, nil)
	m.observe(FuncWriteVar, time.Millisecond, errors.New("boom"))
	m.BytesRead.Add(480)

	collected := m.Collect()
	if collected["requests_total"] != int64(3) {
		t.Errorf("requests_total: expected 3, got %v", collected["requests_total"])
	}
	if collected["requests_success"] != int64(2) {
		t.Errorf("requests_success: expected 2, got %v", collected["requests_success"])
	}
	if collected["requests_errors"] != int64(1) {
		t.Errorf("requests_errors: expected 1, got %v", collected["requests_errors"])
	}
	if collected["bytes_read"] != int64(480) {
		t.Errorf("bytes_read: expected 480, got %v", collected["bytes_read"])
	}

	funcs, ok := collected["functions"].(map[string]interface{})
	if !ok {
		t.Fatalf("functions missing from %v", collected)
	}
	read, ok := funcs["ReadVar"].(map[string]interface{})
	if !ok {
		t.Fatalf("ReadVar missing from %v", funcs)
	}
	if read["requests"] != int64(2) {
		t.Errorf("ReadVar requests: expected 2, got %v", read["requests"])
	}
	write := funcs["WriteVar"].(map[string]interface{})
	if write["errors"] != int64(1) {
		t.Errorf("WriteVar errors: expected 1, got %v", write["errors"])
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.observe(FuncSetup, 5*time.Millisecond, nil)
	m.BytesWritten.Add(12)
	m.ItemErrors.Add(1)

	m.Reset()

	if m.RequestsTotal.Value() != 0 || m.BytesWritten.Value() != 0 || m.ItemErrors.Value() != 0 {
		t.Errorf("counters not reset: %v", m.Collect())
	}
	if m.ForFunction(FuncSetup).Requests.Value() != 0 {
		t.Error("per-function counters not reset")
	}
	if m.Latency.Stats().Count != 0 {
		t.Error("latency not reset")
	}
}

func TestForFunctionReturnsSameInstance(t *testing.T) {
	m := NewMetrics()

	fm := m.ForFunction(FuncReadVar)
	fm.Requests.Add(5)

	if got := m.ForFunction(FuncReadVar).Requests.Value(); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
	if got := m.ForFunction(FuncWriteVar).Requests.Value(); got != 0 {
		t.Errorf("WriteVar: expected 0, got %d", got)
	}
}

func TestLatencyHistogram_CustomBounds(t *testing.T) {
	h := NewLatencyHistogram(20*time.Millisecond, 2*time.Millisecond)

	for i := 0; i < 19; i++ {
		h.Observe(time.Millisecond)
	}
	h.Observe(30 * time.Millisecond)

	stats := h.Stats()
	if len(stats.Buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %v", stats.Buckets)
	}
	if stats.Buckets["2ms"] != 19 || stats.Buckets["20ms+"] != 1 {
		t.Errorf("unexpected buckets: %v", stats.Buckets)
	}
	if stats.P95 != 2 {
		t.Errorf("P95: expected 2, got %.2f", stats.P95)
	}
	if stats.Max != 30 {
		t.Errorf("Max: expected 30, got %.2f", stats.Max)
	}
}

func TestMetricsTimeouts(t *testing.T) {
	m := NewMetrics()

	m.observe(FuncReadVar, 0, ErrTimeout)
	m.observe(FuncReadVar, 0, io.EOF)

	if m.Timeouts.Value() != 1 || m.RequestsErrors.Value() != 2 {
		t.Errorf("timeouts=%d errors=%d", m.Timeouts.Value(), m.RequestsErrors.Value())
	}
	if got := m.ForFunction(FuncReadVar).Timeouts.Value(); got != 1 {
		t.Errorf("ReadVar timeouts: expected 1, got %d", got)
	}
	if m.Latency.Stats().Count != 0 {
		t.Error("failed exchanges must not be sampled")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	if s := m.Snapshot(); s.Functions != nil {
		t.Errorf("expected no functions, got %v", s.Functions)
	}

	m.observe(FuncSetup, 3*time.Millisecond, nil)
	m.ActiveConns.Add(1)
	m.Reset()
	m.observe(FuncReadVar, time.Millisecond, nil)

	s := m.Snapshot()
	if s.ActiveConns != 1 {
		t.Errorf("ActiveConns survives Reset: expected 1, got %d", s.ActiveConns)
	}
	if s.RequestsTotal != 1 || s.Functions["ReadVar"].Requests != 1 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
	if s.Functions["SetupCommunication"].Requests != 0 {
		t.Errorf("Setup: expected 0 after Reset, got %d", s.Functions["SetupCommunication"].Requests)
	}
}
