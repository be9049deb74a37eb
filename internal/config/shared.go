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

// Package config loads brokerd.yaml and agentd.yaml, the two static YAML
// configuration files read once at process startup.
package config

import (
	obstracing "github.com/tombee/fleetbroker/internal/observability/tracing"
)

// Log configures internal/log, shared verbatim between brokerd.yaml and
// agentd.yaml.
type Log struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// DefaultLog returns the production default logging configuration: JSON
// output at info level, no source annotation.
func DefaultLog() Log {
	return Log{Level: "info", Format: "json", AddSource: false}
}

// ObservabilityConfig is an alias of the tracing provider's own config type,
// so brokerd.yaml/agentd.yaml configure the same tracer-provider setup that
// internal/observability/tracing.NewProviderWithConfig consumes directly.
type ObservabilityConfig = obstracing.Config

// DefaultObservabilityConfig returns tracing disabled, matching a
// zero-touch default install; operators opt in by setting observability.
// enabled: true and naming at least one exporter.
func DefaultObservabilityConfig() ObservabilityConfig {
	cfg := obstracing.DefaultConfig("")
	cfg.Enabled = false
	return cfg
}
