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

// Package fleet builds fleetctl's Cobra command tree: the backend
// operator's view of the broker's administrative RPC surface (spec.md
// §6, §4.10). It follows the same root-command shape as
// internal/cli.NewRootCommand (Use/Short/Long, SilenceUsage/SilenceErrors,
// persistent connection flags) but talks to internal/backendclient
// instead of an HTTP API, since fleetctl has no LLM/workflow surface to
// expose.
package fleet

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/fleetbroker/internal/backendclient"
)

// connFlags holds the persistent connection flags every subcommand reads
// to build a backendclient.Config.
type connFlags struct {
	brokerAddr string
	certFile   string
	keyFile    string
	caFile     string
	jsonOut    bool
}

// NewRootCommand creates fleetctl's root command.
func NewRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &connFlags{}

	cmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetctl - operate a fleetbroker deployment",
		Long: `fleetctl is the operator CLI for a fleetbroker broker: it manages
SSH reverse-tunnel connections, lists connected agents, and forwards ad
hoc RPCs to a running agent.

Connection settings fall back to the FLEETBROKER_BROKER_ADDR,
FLEETBROKER_BACKEND_CERT, FLEETBROKER_BACKEND_KEY and FLEETBROKER_BROKER_CA
environment variables when the matching flag is not set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.brokerAddr, "broker-addr", "", "Broker backend listener address (host:port)")
	cmd.PersistentFlags().StringVar(&flags.certFile, "cert", "", "Path to the backend's client certificate")
	cmd.PersistentFlags().StringVar(&flags.keyFile, "key", "", "Path to the backend's client private key")
	cmd.PersistentFlags().StringVar(&flags.caFile, "ca", "", "Path to the broker's CA bundle")
	cmd.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "Print raw JSON results instead of a summary")

	cmd.AddCommand(
		newVersionCommand(version, commit, buildDate),
		newSSHConnectionsCommand(flags),
		newConnectAgentCommand(flags),
		newDisconnectAgentCommand(flags),
		newConnectedAgentsCommand(flags),
		newAgentStatusCommand(flags),
		newAgentCallCommand(flags),
	)

	return cmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print fleetctl version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// dial resolves flags (falling back to environment variables) and opens a
// backendclient.Client. The caller must Close it.
func (f *connFlags) dial(ctx context.Context) (*backendclient.Client, error) {
	cfg, err := backendclient.ConfigFromEnvironment()
	if err != nil {
		cfg = backendclient.Config{}
	}
	if f.brokerAddr != "" {
		cfg.BrokerAddr = f.brokerAddr
	}
	if f.certFile != "" || f.keyFile != "" || f.caFile != "" {
		tlsCfg, err := backendclient.TLSConfigFromFiles(f.certFile, f.keyFile, f.caFile)
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = tlsCfg
	}
	if cfg.BrokerAddr == "" {
		return nil, fmt.Errorf("fleetctl: no broker address set (use --broker-addr or %s)", backendclient.BrokerAddrEnv)
	}
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("fleetctl: no TLS credentials set (use --cert/--key/--ca or the FLEETBROKER_BACKEND_* environment variables)")
	}
	cfg.TLSConfig = ensureMinTLS(cfg.TLSConfig)

	return backendclient.Dial(ctx, cfg, nil)
}

func ensureMinTLS(cfg *tls.Config) *tls.Config {
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// callTimeout bounds how long one fleetctl subcommand waits for its RPC.
const callTimeout = 30 * time.Second
