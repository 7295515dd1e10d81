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

// Package promexport exposes server metrics and channel values to Prometheus.
package promexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	modbus "github.com/edgeo-scada/modbus-sim"
)

const namespace = "modbus_sim"

// ChannelReader is the part of modbus.ChannelBank the collector reads.
type ChannelReader interface {
	Channels() []modbus.Channel
}

// Collector is a prometheus.Collector reading a server's metrics and a
// channel bank on every scrape.
type Collector struct {
	metrics  *modbus.ServerMetrics
	channels ChannelReader

	requests     *prometheus.Desc
	responses    *prometheus.Desc
	aborted      *prometheus.Desc
	rejected     *prometheus.Desc
	connsTotal   *prometheus.Desc
	connsActive  *prometheus.Desc
	latency      *prometheus.Desc
	channelValue *prometheus.Desc
	channelOn    *prometheus.Desc
}

// NewCollector creates a collector. channels may be nil.
func NewCollector(metrics *modbus.ServerMetrics, channels ChannelReader) *Collector {
	return &Collector{
		metrics:  metrics,
		channels: channels,

		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Decoded requests.", nil, nil),
		responses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "responses_total"),
			"Responses by result.", []string{"result"}, nil),
		aborted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_aborted_total"),
			"Connections closed before a complete request arrived.", nil, nil),
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_rejected_total"),
			"Connections refused by the connection cap.", nil, nil),
		connsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_total"),
			"Accepted connections.", nil, nil),
		connsActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_active"),
			"Connections being handled.", nil, nil),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "request_duration_seconds"),
			"Time from decoded request to written response.", nil, nil),
		channelValue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "channel", "value"),
			"Stored channel value.", []string{"channel"}, nil),
		channelOn: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "channel", "enabled"),
			"1 if the channel is enabled.", []string{"channel"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.responses
	ch <- c.aborted
	ch <- c.rejected
	ch <- c.connsTotal
	ch <- c.connsActive
	ch <- c.latency
	ch <- c.channelValue
	ch <- c.channelOn
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.requests, m.RequestsTotal.Value())
	counter(c.responses, m.RequestsSuccess.Value(), "success")
	counter(c.responses, m.Exceptions.Value(), "exception")
	counter(c.responses, m.RequestsErrors.Value(), "error")
	counter(c.aborted, m.Aborted.Value())
	counter(c.rejected, m.Rejected.Value())
	counter(c.connsTotal, m.TotalConns.Value())
	ch <- prometheus.MustNewConstMetric(c.connsActive, prometheus.GaugeValue, float64(m.ActiveConns.Value()))

	stats := m.Latency.Stats()
	buckets := make(map[float64]uint64, len(stats.Bounds))
	var cumulative uint64
	for i, bound := range stats.Bounds {
		cumulative += uint64(stats.Buckets[i])
		buckets[bound/1000] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(c.latency, uint64(stats.Count), stats.Sum/1000, buckets)

	if c.channels == nil {
		return
	}
	for _, channel := range c.channels.Channels() {
		enabled := 0.0
		if channel.Enabled {
			enabled = 1
		}
		ch <- prometheus.MustNewConstMetric(c.channelValue, prometheus.GaugeValue, float64(channel.Value), channel.Label)
		ch <- prometheus.MustNewConstMetric(c.channelOn, prometheus.GaugeValue, enabled, channel.Label)
	}
}

// Handler returns an HTTP handler serving the collector, together with the
// Go runtime and process collectors, in the Prometheus exposition format.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
