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

// BrokerConfig is the root of brokerd.yaml: everything the broker process
// needs to terminate TLS from the three peer classes (spec.md §3), supervise
// SSH-tunneled agents (§4.5) and serve the admin RPC surface (§4.10).
type BrokerConfig struct {
	// Version is the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log Log `yaml:"log"`

	Listen ListenConfig `yaml:"listen"`

	TLS TLSConfig `yaml:"tls"`

	SSH SSHDefaults `yaml:"ssh"`

	// AdminDBPath is the sqlite file backing persisted SSH tunnel
	// configuration (internal/broker/admin.SQLiteStore).
	AdminDBPath string `yaml:"admin_db_path"`

	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ListenConfig carries one TCP address per peer class, plus the wire
// encoding each listener speaks (spec.md §4.1: "selection is per-listener,
// never negotiated on the wire").
type ListenConfig struct {
	// Backend is the address backends dial to issue agent RPCs (e.g. ":7443").
	Backend string `yaml:"backend"`

	// Agent is the address agents dial directly (when not SSH-tunneled).
	Agent string `yaml:"agent"`

	// MetricsEngine is the address metrics engines dial to receive routed
	// telemetry.
	MetricsEngine string `yaml:"metrics_engine"`

	// Codec selects the per-listener wire encoding: "binary" (CBOR, default,
	// production) or "text" (JSON, development).
	Codec string `yaml:"codec,omitempty"`
}

// TLSConfig names the material used to terminate mutually-authenticated TLS
// and extract OrgId/AgentId from the peer certificate (spec.md §4.3).
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SSHDefaults configures the reverse-tunnel supervisors started for agents
// that cannot accept inbound connections (spec.md §4.5).
type SSHDefaults struct {
	// RetryInterval is how long a Connector waits between failed dial
	// attempts.
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`

	// KnownHostsFile pins the expected host key per hostname; a mismatch is
	// fatal and never retried.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// PrivateKeyFile is the broker's SSH client key used to authenticate to
	// jump hosts and agent hosts.
	PrivateKeyFile string `yaml:"private_key_file"`
}

// DefaultBrokerConfig returns a BrokerConfig with every optional field set
// to its production default.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Version: 1,
		Log:     DefaultLog(),
		Listen: ListenConfig{
			Backend:       ":7443",
			Agent:         ":7444",
			MetricsEngine: ":7445",
			Codec:         "binary",
		},
		SSH: SSHDefaults{
			RetryInterval: 30 * time.Second,
		},
		AdminDBPath:   "/var/lib/fleetbroker/admin.db",
		Observability: DefaultObservabilityConfig(),
	}
}

// LoadBrokerConfig reads and validates brokerd.yaml at path. If path is
// empty, the XDG default location is used when present; otherwise the
// built-in defaults apply unchanged.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	cfg := DefaultBrokerConfig()

	if path == "" {
		defaultPath, err := BrokerConfigPath()
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
				Key:    "broker_config_file",
				Reason: fmt.Sprintf("failed to read %s", path),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &fleeterrors.ConfigError{
				Key:    "broker_config_file",
				Reason: fmt.Sprintf("failed to parse %s", path),
				Cause:  err,
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &fleeterrors.ConfigError{
			Key:    "validation",
			Reason: "broker configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// Validate checks that every field required to start the broker listeners
// and SSH supervisors is present and well-formed.
func (c *BrokerConfig) Validate() error {
	if c.Listen.Backend == "" {
		return fmt.Errorf("config: listen.backend is required")
	}
	if c.Listen.Agent == "" {
		return fmt.Errorf("config: listen.agent is required")
	}
	if c.Listen.MetricsEngine == "" {
		return fmt.Errorf("config: listen.metrics_engine is required")
	}
	switch c.Listen.Codec {
	case "", "binary", "text":
	default:
		return fmt.Errorf("config: listen.codec must be \"binary\" or \"text\", got %q", c.Listen.Codec)
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
	if c.SSH.RetryInterval < 0 {
		return fmt.Errorf("config: ssh.retry_interval must not be negative")
	}
	if c.AdminDBPath == "" {
		return fmt.Errorf("config: admin_db_path is required")
	}
	return nil
}
