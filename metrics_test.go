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

package modbus

import (
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	var c Counter

	if c.Value() != 0 {
		t.Errorf("Initial value: expected 0, got %d", c.Value())
	}

	c.Add(5)
	if c.Value() != 5 {
		t.Errorf("After Add(5): expected 5, got %d", c.Value())
	}

	c.Add(-2)
	if c.Value() != 3 {
		t.Errorf("After Add(-2): expected 3, got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("After Reset: expected 0, got %d", c.Value())
	}
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()

	h.Observe(500 * time.Microsecond) // 0.5ms
	h.Observe(2 * time.Millisecond)
	h.Observe(10 * time.Millisecond)
	h.Observe(50 * time.Millisecond)
	h.Observe(100 * time.Millisecond)
	h.Observe(10 * time.Second) // overflow

	stats := h.Stats()

	if stats.Count != 6 {
		t.Errorf("Count: expected 6, got %d", stats.Count)
	}
	if stats.Min < 0.4 || stats.Min > 0.6 {
		t.Errorf("Min: expected ~0.5, got %.2f", stats.Min)
	}
	if stats.Max < 9999 || stats.Max > 10001 {
		t.Errorf("Max: expected ~10000, got %.2f", stats.Max)
	}
	if len(stats.Buckets) != len(stats.Bounds)+1 {
		t.Fatalf("Expected %d buckets, got %d", len(stats.Bounds)+1, len(stats.Buckets))
	}

	// Bounds: 0.1 0.5 1 5 10 50 100 500 1000 5000 +Inf
	expected := []int64{0, 1, 0, 1, 1, 1, 1, 0, 0, 0, 1}
	for i, want := range expected {
		if stats.Buckets[i] != want {
			t.Errorf("Bucket %d: expected %d, got %d", i, want, stats.Buckets[i])
		}
	}
}

func TestLatencyHistogramReset(t *testing.T) {
	h := NewLatencyHistogram()
	h.Observe(10 * time.Millisecond)
	h.Observe(20 * time.Millisecond)

	h.Reset()

	stats := h.Stats()
	if stats.Count != 0 {
		t.Errorf("Count after reset: expected 0, got %d", stats.Count)
	}
	if stats.Min != 0 || stats.Max != 0 {
		t.Errorf("Min/Max after reset: expected 0, got %.2f/%.2f", stats.Min, stats.Max)
	}
	for i, n := range stats.Buckets {
		if n != 0 {
			t.Errorf("Bucket %d after reset: expected 0, got %d", i, n)
		}
	}
}

func TestServerMetrics(t *testing.T) {
	m := NewServerMetrics()

	m.RequestsTotal.Add(10)
	m.RequestsSuccess.Add(8)
	m.Exceptions.Add(2)
	m.ActiveConns.Add(3)

	collected := m.Collect()
	if collected["requests_total"].(int64) != 10 {
		t.Errorf("requests_total: expected 10, got %v", collected["requests_total"])
	}
	if collected["exceptions"].(int64) != 2 {
		t.Errorf("exceptions: expected 2, got %v", collected["exceptions"])
	}
	if _, ok := collected["latency"].(LatencyStats); !ok {
		t.Errorf("latency: expected LatencyStats, got %T", collected["latency"])
	}

	m.Reset()
	if m.RequestsTotal.Value() != 0 {
		t.Errorf("RequestsTotal after reset: expected 0, got %d", m.RequestsTotal.Value())
	}
	if m.ActiveConns.Value() != 3 {
		t.Errorf("ActiveConns survives reset: expected 3, got %d", m.ActiveConns.Value())
	}
}
