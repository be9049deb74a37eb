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

package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Environment variable names for agent-side broker connection
// configuration, the mutual-TLS counterpart of internal/client/dial.go's
// CONDUCTOR_HOST/CONDUCTOR_API_KEY pair.
const (
	BrokerAddrEnv = "FLEETBROKER_BROKER_ADDR"
	AgentCertEnv  = "FLEETBROKER_AGENT_CERT"
	AgentKeyEnv   = "FLEETBROKER_AGENT_KEY"
	BrokerCAEnv   = "FLEETBROKER_BROKER_CA"
)

// TLSConfigFromFiles builds the mutual-TLS client configuration spec.md
// §4.3 requires: the agent's own certificate/key pair, verified by the
// broker's peer-certificate admission check, plus the private CA that
// signs the broker's own certificate.
func TLSConfigFromFiles(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("agentsvc/client: load agent keypair: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("agentsvc/client: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("agentsvc/client: no certificates found in %s", caFile)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// ConfigFromEnvironment builds a Config from FLEETBROKER_* environment
// variables.
func ConfigFromEnvironment() (Config, error) {
	addr := os.Getenv(BrokerAddrEnv)
	if addr == "" {
		return Config{}, fmt.Errorf("agentsvc/client: %s is not set", BrokerAddrEnv)
	}

	tlsCfg, err := TLSConfigFromFiles(os.Getenv(AgentCertEnv), os.Getenv(AgentKeyEnv), os.Getenv(BrokerCAEnv))
	if err != nil {
		return Config{}, err
	}

	return Config{BrokerAddr: addr, TLSConfig: tlsCfg}, nil
}
