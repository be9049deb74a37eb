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

package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/fleetbroker/internal/broker/admin"
	"github.com/tombee/fleetbroker/pkg/ids"
)

func newSSHConnectionsCommand(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-connections",
		Short: "List configured SSH reverse-tunnel connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.adminCall(cmd, admin.MethodSSHConnections, struct{}{})
		},
	}
}

func newConnectAgentCommand(flags *connFlags) *cobra.Command {
	var (
		agentID        string
		host           string
		jumpHosts      []string
		knownHosts     map[string]string
		privateKeyPEM  string
		privateKeyPath string
		agentPort      int
		retryInterval  int
	)

	cmd := &cobra.Command{
		Use:   "connect-agent",
		Short: "Create or update an agent's SSH reverse-tunnel configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				var err error
				host, privateKeyPath, err = promptSSHConfig(agentID, host, privateKeyPath)
				if err != nil {
					return err
				}
			}
			key := privateKeyPEM
			if privateKeyPath != "" {
				b, err := os.ReadFile(privateKeyPath)
				if err != nil {
					return fmt.Errorf("fleetctl: read private key: %w", err)
				}
				key = string(b)
			}
			params := struct {
				AgentId ids.AgentId     `json:"agent_id"`
				Config  admin.SSHConfig `json:"config"`
			}{
				AgentId: ids.AgentId(agentID),
				Config: admin.SSHConfig{
					Host:          host,
					JumpHosts:     jumpHosts,
					KnownHosts:    knownHosts,
					PrivateKey:    key,
					AgentPort:     agentPort,
					RetryInterval: retryInterval,
				},
			}
			return flags.adminCall(cmd, admin.MethodConnectAgent, params)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id to tunnel to (required)")
	cmd.Flags().StringVar(&host, "host", "", "SSH host to dial (required)")
	cmd.Flags().StringSliceVar(&jumpHosts, "jump-host", nil, "SSH jump host, repeatable, in order")
	cmd.Flags().StringToStringVar(&knownHosts, "known-host", nil, "host=fingerprint pair, repeatable")
	cmd.Flags().StringVar(&privateKeyPEM, "private-key", "", "PEM-encoded SSH private key")
	cmd.Flags().StringVar(&privateKeyPath, "private-key-file", "", "Path to a PEM-encoded SSH private key")
	cmd.Flags().IntVar(&agentPort, "agent-port", 0, "Port the agent listens on at the far end of the tunnel")
	cmd.Flags().IntVar(&retryInterval, "retry-interval", 0, "Reconnect retry interval in seconds")
	cmd.MarkFlagRequired("agent")

	return cmd
}

func newDisconnectAgentCommand(flags *connFlags) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "disconnect-agent",
		Short: "Remove an agent's SSH reverse-tunnel configuration and stop it",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := struct {
				AgentId ids.AgentId `json:"agent_id"`
			}{AgentId: ids.AgentId(agentID)}
			return flags.adminCall(cmd, admin.MethodDisconnectAgent, params)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newConnectedAgentsCommand(flags *connFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connected-agents",
		Short: "List every agent known to the broker for this org, with its connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			client, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.AdminCall(ctx, admin.MethodConnectedAgents, struct{}{})
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return flags.printResult(cmd, result)
			}

			var info map[string]struct {
				ConnType string `json:"conn_type"`
				Status   struct {
					State string `json:"State"`
				} `json:"status"`
			}
			if err := json.Unmarshal(result, &info); err != nil {
				return flags.printResult(cmd, result)
			}
			rows := make(map[string]agentRow, len(info))
			for id, v := range info {
				rows[id] = agentRow{ConnType: v.ConnType, Status: v.Status.State}
			}
			fmt.Fprint(cmd.OutOrStdout(), renderAgentTable(rows))
			return nil
		},
	}
}

func newAgentStatusCommand(flags *connFlags) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "agent-status",
		Short: "Show one agent's connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := struct {
				AgentId ids.AgentId `json:"agent_id"`
			}{AgentId: ids.AgentId(agentID)}
			return flags.adminCall(cmd, admin.MethodAgentConnStatus, params)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id (required)")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func newAgentCallCommand(flags *connFlags) *cobra.Command {
	var (
		agentID    string
		method     string
		paramsJSON string
	)
	cmd := &cobra.Command{
		Use:   "agent-call",
		Short: "Forward one RPC to a connected agent through the broker",
		Long: `agent-call issues an arbitrary agent RPC (spec.md §6, e.g. ping,
get_etc_tables, loaded_pkgs) through the broker's backend-to-agent
passthrough path and prints the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if paramsJSON != "" {
				params = json.RawMessage(paramsJSON)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
			defer cancel()

			client, err := flags.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.AgentCall(ctx, ids.AgentId(agentID), method, params)
			if err != nil {
				return err
			}
			return flags.printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Target agent id (required)")
	cmd.Flags().StringVar(&method, "method", "", "Agent RPC method name (required)")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "RPC params as a raw JSON object")
	cmd.MarkFlagRequired("agent")
	cmd.MarkFlagRequired("method")
	return cmd
}

// adminCall dials, issues one admin RPC and prints its result.
func (f *connFlags) adminCall(cmd *cobra.Command, method string, params any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()

	client, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.AdminCall(ctx, method, params)
	if err != nil {
		return err
	}
	return f.printResult(cmd, result)
}

func (f *connFlags) printResult(cmd *cobra.Command, result json.RawMessage) error {
	if len(result) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "null")
		return nil
	}
	if f.jsonOut {
		fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
