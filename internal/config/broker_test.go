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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBrokerConfig(t *testing.T) {
	cfg := DefaultBrokerConfig()

	assert.Equal(t, ":7443", cfg.Listen.Backend)
	assert.Equal(t, ":7444", cfg.Listen.Agent)
	assert.Equal(t, ":7445", cfg.Listen.MetricsEngine)
	assert.Equal(t, "binary", cfg.Listen.Codec)
	assert.False(t, cfg.Observability.Enabled)
}

func TestLoadBrokerConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brokerd.yaml")
	contents := `
listen:
  backend: ":9443"
  agent: ":9444"
  metrics_engine: ":9445"
tls:
  ca_file: /etc/fleetbroker/ca.pem
  cert_file: /etc/fleetbroker/broker.pem
  key_file: /etc/fleetbroker/broker-key.pem
ssh:
  known_hosts_file: /etc/fleetbroker/known_hosts
  private_key_file: /etc/fleetbroker/ssh_id
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := LoadBrokerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Listen.Backend)
	assert.Equal(t, "/etc/fleetbroker/ca.pem", cfg.TLS.CAFile)
	assert.Equal(t, "/etc/fleetbroker/ssh_id", cfg.SSH.PrivateKeyFile)
}

func TestLoadBrokerConfig_MissingFile(t *testing.T) {
	_, err := LoadBrokerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBrokerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BrokerConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *BrokerConfig) {}, wantErr: false},
		{name: "missing backend listener", mutate: func(c *BrokerConfig) { c.Listen.Backend = "" }, wantErr: true},
		{name: "missing agent listener", mutate: func(c *BrokerConfig) { c.Listen.Agent = "" }, wantErr: true},
		{name: "missing metrics engine listener", mutate: func(c *BrokerConfig) { c.Listen.MetricsEngine = "" }, wantErr: true},
		{name: "bad codec", mutate: func(c *BrokerConfig) { c.Listen.Codec = "xml" }, wantErr: true},
		{name: "missing ca file", mutate: func(c *BrokerConfig) { c.TLS.CAFile = "" }, wantErr: true},
		{name: "negative retry interval", mutate: func(c *BrokerConfig) { c.SSH.RetryInterval = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBrokerConfig()
			cfg.TLS = TLSConfig{CAFile: "ca.pem", CertFile: "cert.pem", KeyFile: "key.pem"}
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
