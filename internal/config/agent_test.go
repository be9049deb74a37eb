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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAgentConfig(t *testing.T) {
	cfg := DefaultAgentConfig()

	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Jitter)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoadAgentConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	contents := `
broker_addr: "broker.internal:7444"
tls:
  ca_file: /etc/fleetbroker/ca.pem
  cert_file: /etc/fleetbroker/agent.pem
  key_file: /etc/fleetbroker/agent-key.pem
package_dir: /etc/fleetbroker/packages
counter_store_path: /var/lib/fleetbroker/counters.db
scheduler:
  interval: 30s
  max_concurrent: 8
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "broker.internal:7444", cfg.BrokerAddr)
	assert.Equal(t, "/etc/fleetbroker/packages", cfg.PackageDir)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
}

func TestLoadAgentConfig_MissingFile(t *testing.T) {
	_, err := LoadAgentConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestAgentConfig_Validate(t *testing.T) {
	valid := func() *AgentConfig {
		cfg := DefaultAgentConfig()
		cfg.BrokerAddr = "broker.internal:7444"
		cfg.TLS = AgentTLSConfig{CAFile: "ca.pem", CertFile: "cert.pem", KeyFile: "key.pem"}
		cfg.PackageDir = "/etc/fleetbroker/packages"
		cfg.CounterStorePath = "/var/lib/fleetbroker/counters.db"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*AgentConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *AgentConfig) {}, wantErr: false},
		{name: "missing broker addr", mutate: func(c *AgentConfig) { c.BrokerAddr = "" }, wantErr: true},
		{name: "missing ca file", mutate: func(c *AgentConfig) { c.TLS.CAFile = "" }, wantErr: true},
		{name: "missing package dir", mutate: func(c *AgentConfig) { c.PackageDir = "" }, wantErr: true},
		{name: "missing counter store path", mutate: func(c *AgentConfig) { c.CounterStorePath = "" }, wantErr: true},
		{name: "non-positive max concurrent", mutate: func(c *AgentConfig) { c.Scheduler.MaxConcurrent = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
