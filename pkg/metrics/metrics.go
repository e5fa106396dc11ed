// Copyright 2024 The mstack Authors.
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

// Package metrics exposes live namespace state as Prometheus gauges.
// Rather than maintaining its own counters, Collector queries the
// namespace's own data structures at scrape time, the same way the
// reference sockstats exporter queries live kernel TCP info on every
// Collect rather than caching it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector reports point-in-time sizes of a namespace's live state.
type Collector struct {
	arpCacheSize func() int
	tcbCount     func() int
	routeCount   func() int

	arpDesc   *prometheus.Desc
	tcbDesc   *prometheus.Desc
	routeDesc *prometheus.Desc
}

// NewCollector constructs a Collector backed by the given snapshot
// functions.
func NewCollector(arpCacheSize, tcbCount, routeCount func() int) *Collector {
	return &Collector{
		arpCacheSize: arpCacheSize,
		tcbCount:     tcbCount,
		routeCount:   routeCount,
		arpDesc:      prometheus.NewDesc("mstack_arp_cache_entries", "Number of entries in the ARP cache.", nil, nil),
		tcbDesc:      prometheus.NewDesc("mstack_tcp_connections", "Number of live TCP control blocks.", nil, nil),
		routeDesc:    prometheus.NewDesc("mstack_routes", "Number of installed (non-default) routes.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.arpDesc
	ch <- c.tcbDesc
	ch <- c.routeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.arpDesc, prometheus.GaugeValue, float64(c.arpCacheSize()))
	ch <- prometheus.MustNewConstMetric(c.tcbDesc, prometheus.GaugeValue, float64(c.tcbCount()))
	ch <- prometheus.MustNewConstMetric(c.routeDesc, prometheus.GaugeValue, float64(c.routeCount()))
}
