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

package config

import (
	"fmt"
	"os"
	"time"

	fleeterrors "github.com/tombee/fleetbroker/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AgentConfig is the root of agentd.yaml: everything an agent process needs
// to dial the broker, authenticate, load monitoring packages and run its
// collection scheduler (spec.md §4.12, §4.11).
type AgentConfig struct {
	// Version is the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log Log `yaml:"log"`

	// BrokerAddr is the host:port the agent dials (or the local tunnel
	// endpoint, when reached through an SSH-connected broker).
	BrokerAddr string `yaml:"broker_addr"`

	TLS AgentTLSConfig `yaml:"tls"`

	// PackageDir is scanned at startup for monitoring package manifests
	// (spec.md §4.12's "load_pkg").
	PackageDir string `yaml:"package_dir"`

	// CounterStorePath is the on-disk path for the rate-counter store used
	// to compute deltas across collection runs.
	CounterStorePath string `yaml:"counter_store_path"`

	Scheduler SchedulerDefaults `yaml:"scheduler"`

	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// AgentTLSConfig names the client certificate material the agent presents
// to the broker listener.
type AgentTLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SchedulerDefaults configures the recurring-collection scheduler shared by
// every loaded table (individual tables may override interval/jitter in
// their own manifest).
type SchedulerDefaults struct {
	// Interval is the default polling period for a table with none
	// specified.
	Interval time.Duration `yaml:"interval,omitempty"`

	// Jitter bounds the random delay added before each run, spreading load
	// across concurrently-scheduled tables.
	Jitter time.Duration `yaml:"jitter,omitempty"`

	// MaxConcurrent caps how many table collections run at once.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// DefaultAgentConfig returns an AgentConfig with every optional field set to
// its production default.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Version: 1,
		Log:     DefaultLog(),
		Scheduler: SchedulerDefaults{
			Interval:      60 * time.Second,
			Jitter:        5 * time.Second,
			MaxConcurrent: 4,
		},
		Observability: DefaultObservabilityConfig(),
	}
}

// LoadAgentConfig reads and validates agentd.yaml at path. If path is
// empty, the XDG default location is used when present; otherwise the
// built-in defaults apply unchanged.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path == "" {
		defaultPath, err := AgentConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &fleeterrors.ConfigError{
				Key:    "agent_config_file",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &fleeterrors.ConfigError{
				Key:    "agent_config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &fleeterrors.ConfigError{
			Key:    "validation",
			Reason: "agent configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// Validate checks that every field required to connect to the broker and
// run the collection scheduler is present and well-formed.
func (c *AgentConfig) Validate() error {
	if c.BrokerAddr == "" {
		return fmt.Errorf("config: broker_addr is required")
	}
	if c.TLS.CAFile == "" {
		return fmt.Errorf("config: tls.ca_file is required")
	}
	if c.TLS.CertFile == "" {
		return fmt.Errorf("config: tls.cert_file is required")
	}
	if c.TLS.KeyFile == "" {
		return fmt.Errorf("config: tls.key_file is required")
	}
	if c.PackageDir == "" {
		return fmt.Errorf("config: package_dir is required")
	}
	if c.CounterStorePath == "" {
		return fmt.Errorf("config: counter_store_path is required")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("config: scheduler.max_concurrent must be positive")
	}
	return nil
}
