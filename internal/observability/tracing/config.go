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

// Package tracing wires spec.md's broker and agent processes to the
// OpenTelemetry SDK for distributed tracing of RPC dispatch, reverse SSH
// tunnel connects, and get_etc_tables query collection.
package tracing

import (
	"time"
)

// Config holds tracing configuration for one process (broker or agent).
type Config struct {
	// Enabled controls whether tracing is active.
	Enabled bool

	// ServiceName identifies this process in traces ("fleetbroker-broker"
	// or "fleetbroker-agent").
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Sampling configures trace sampling.
	Sampling SamplingConfig

	// Exporters configures OTLP/console export destinations.
	Exporters []ExporterConfig

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates rate-based sampling (default: false - sample all).
	Enabled bool

	// Rate is the fraction of traces to sample (0.0 - 1.0).
	Rate float64

	// AlwaysSampleErrors samples all traces carrying an error attribute,
	// regardless of Rate.
	AlwaysSampleErrors bool
}

// ExporterConfig defines an OTLP or console export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp-grpc", "otlp-http", or "console".
	Type string

	// Endpoint is the OTLP receiver address.
	Endpoint string

	// Headers are additional headers for authentication.
	Headers map[string]string

	// TLS configures secure connections to Endpoint.
	TLS TLSConfig

	// Timeout is the export timeout.
	Timeout time.Duration
}

// TLSConfig configures TLS for an exporter connection.
type TLSConfig struct {
	Enabled           bool
	VerifyCertificate bool
	CACertPath        string
}

// DefaultConfig returns tracing configuration with sensible defaults.
// Tracing is disabled by default; an operator opts in via brokerd.yaml or
// agentd.yaml.
func DefaultConfig(serviceName string) Config {
	return Config{
		Enabled:        false,
		ServiceName:    serviceName,
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Enabled:            false,
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		Exporters:     nil,
		BatchSize:     512,
		BatchInterval: 5 * time.Second,
	}
}
