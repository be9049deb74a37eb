// Copyright 2025 Tom Barlow
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

// Package observability holds the Prometheus collectors shared by the
// broker and agent processes; span instrumentation lives in the separate
// internal/observability/tracing package, which this package does not
// re-export. Unlike internal/tracing's teacher design, which
// bridges the OpenTelemetry metric SDK to a Prometheus exporter, metrics
// here register directly against a prometheus.Registerer: spec.md's domain
// has no OTel-metric-API consumer, so the extra SDK layer buys nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collector set registered once per process.
type Metrics struct {
	RPCDispatchTotal    *prometheus.CounterVec
	RPCDispatchDuration *prometheus.HistogramVec

	SSHConnectAttemptsTotal *prometheus.CounterVec
	SSHTunnelState          *prometheus.GaugeVec

	AgentConnections prometheus.Gauge

	QueryCollectionDuration *prometheus.HistogramVec
	CounterStoreSize        prometheus.Gauge
}

// NewMetrics registers and returns the shared collector set against reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry served by
// promhttp.Handler, or prometheus.NewRegistry() in tests to avoid
// cross-test collector collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RPCDispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbroker_rpc_dispatch_total",
			Help: "Total RPC requests dispatched, by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCDispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetbroker_rpc_dispatch_duration_seconds",
			Help:    "RPC dispatch latency in seconds, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		SSHConnectAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbroker_ssh_connect_attempts_total",
			Help: "Total reverse SSH tunnel connection attempts, by outcome.",
		}, []string{"outcome"}),
		SSHTunnelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetbroker_ssh_tunnel_state",
			Help: "1 if the given agent's reverse tunnel is currently in this state, else 0.",
		}, []string{"agent_id", "state"}),
		AgentConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetbroker_agent_connections",
			Help: "Number of agents currently connected to this broker.",
		}),
		QueryCollectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetbroker_query_collection_duration_seconds",
			Help:    "get_etc_tables collection latency in seconds, by query mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"query_mode"}),
		CounterStoreSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetbroker_counter_store_size",
			Help: "Number of keys currently tracked by the rate/difference counter store.",
		}),
	}
}

// RecordRPCDispatch records one completed RPC dispatch. outcome is "ok" or
// "error".
func (m *Metrics) RecordRPCDispatch(method, outcome string, d time.Duration) {
	m.RPCDispatchTotal.WithLabelValues(method, outcome).Inc()
	m.RPCDispatchDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordSSHConnectAttempt records one reverse tunnel dial attempt. outcome
// is "ok" or "error".
func (m *Metrics) RecordSSHConnectAttempt(outcome string) {
	m.SSHConnectAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetSSHTunnelState sets agentID's gauge to 1 for active and 0 for every
// other entry in states, mirroring sshconn.Connector's state machine.
func (m *Metrics) SetSSHTunnelState(agentID string, states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1
		}
		m.SSHTunnelState.WithLabelValues(agentID, s).Set(v)
	}
}

// RecordQueryCollection records one completed get_etc_tables call.
func (m *Metrics) RecordQueryCollection(mode string, d time.Duration) {
	m.QueryCollectionDuration.WithLabelValues(mode).Observe(d.Seconds())
}
