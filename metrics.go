// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package mps

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus.Collector reporting one Mps instance's
// flight state, retransmission count, active epoch count and reassembly
// slot usage, per SPEC_FULL.md §11. Unlike the teacher's sibling caddy
// repo, which registers a package-level singleton via promauto
// (metrics.go's adminMetrics), an Mps instance is not a singleton — one
// process may run many concurrently — so Collector is instantiated per
// Mps and exposes its labels (the instance uuid) as a constant label
// rather than a package-global metric family.
type Collector struct {
	m *Mps

	flightState          *prometheus.Desc
	retransmissionsTotal *prometheus.Desc
	epochsActive         *prometheus.Desc
	reassemblySlotsInUse *prometheus.Desc
}

// newCollector builds a Collector for m, tagging every metric with m's
// instance id so multiplexed connections sharing a Registerer remain
// distinguishable (the same motivation behind putting the uuid in the
// "[mps:%s]" log prefix, see §11's uuid rationale).
func newCollector(m *Mps) *Collector {
	labels := prometheus.Labels{"instance": m.id.String()}
	return &Collector{
		m: m,
		flightState: prometheus.NewDesc(
			"mps_flight_state", "Current flight-exchange state (0=Done,1=Await,2=Receive,3=Send,4=Finalize).",
			nil, labels),
		retransmissionsTotal: prometheus.NewDesc(
			"mps_retransmissions_total", "Count of retransmissions triggered by the flight state machine.",
			nil, labels),
		epochsActive: prometheus.NewDesc(
			"mps_epochs_active", "Number of epochs currently referenced in the epoch registry.",
			nil, labels),
		reassemblySlotsInUse: prometheus.NewDesc(
			"mps_reassembly_slots_in_use", "Number of reassembly window slots holding in-progress messages.",
			nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.flightState
	ch <- c.retransmissionsTotal
	ch <- c.epochsActive
	ch <- c.reassemblySlotsInUse
}

// Collect implements prometheus.Collector. It reads the instance's
// current counters without mutating any of them. The flight state,
// retransmission count and slot usage are plain fields read without any
// lock, so a Collect running on another goroutine (such as Prometheus's
// scrape goroutine) is not synchronised with the caller's thread that
// drives Mps (spec.md §5).
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.flightState, prometheus.GaugeValue, float64(c.m.flightMachine.State()))
	ch <- prometheus.MustNewConstMetric(c.retransmissionsTotal, prometheus.CounterValue, float64(c.m.retransmissions))
	ch <- prometheus.MustNewConstMetric(c.epochsActive, prometheus.GaugeValue, float64(c.m.epochsActive()))
	ch <- prometheus.MustNewConstMetric(c.reassemblySlotsInUse, prometheus.GaugeValue, float64(c.m.reassemblySlotsInUse()))
}
