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
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// latencyBounds are the histogram bucket upper bounds in milliseconds.
var latencyBounds = []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000}

// LatencyHistogram tracks the time a handler spends between decoding a
// request and finishing its response.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bound, plus one overflow bucket
	sum     float64 // ms
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)+1),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range latencyBounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Bounds:  latencyBounds,
		Buckets: make([]int64, len(h.buckets)),
	}
	copy(stats.Buckets, h.buckets)
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics in milliseconds. Buckets[i] counts
// observations in (Bounds[i-1], Bounds[i]]; Buckets[len(Bounds)] counts the
// observations above every bound.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Bounds  []float64
	Buckets []int64
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal   Counter // decoded requests
	RequestsSuccess Counter // register responses written
	Exceptions      Counter // exception responses written
	RequestsErrors  Counter // encode or write failures
	Aborted         Counter // connections closed before a full request arrived
	Rejected        Counter // connections refused by the connection cap
	ActiveConns     Counter
	TotalConns      Counter
	Latency         *LatencyHistogram
}

// NewServerMetrics creates a zeroed ServerMetrics.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{Latency: NewLatencyHistogram()}
}

// Collect returns all metrics as a map.
func (m *ServerMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"exceptions":       m.Exceptions.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"aborted":          m.Aborted.Value(),
		"rejected":         m.Rejected.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
		"latency":          m.Latency.Stats(),
	}
}

// Reset resets every counter except ActiveConns, which tracks live state.
func (m *ServerMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.Exceptions.Reset()
	m.RequestsErrors.Reset()
	m.Aborted.Reset()
	m.Rejected.Reset()
	m.TotalConns.Reset()
	m.Latency.Reset()
}
