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

// Package admin implements the broker's administrative RPC surface
// (spec.md §4.10, §6): SSH reverse-tunnel lifecycle and connection
// inventory, scoped implicitly to the caller's OrgId from its peer
// certificate so no cross-tenant access is possible.
package admin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// SSHConfig mirrors spec.md §6's wire shape for one agent's reverse tunnel
// configuration.
type SSHConfig struct {
	Host          string            `json:"host"`
	JumpHosts     []string          `json:"jump_hosts,omitempty"`
	KnownHosts    map[string]string `json:"known_hosts"` // host -> fingerprint
	PrivateKey    string            `json:"private_key"` // PEM
	AgentPort     int               `json:"agent_port"`
	RetryInterval int               `json:"retry_interval_secs,omitempty"`
}

// ConnType distinguishes a directly-dialed agent from one reached via an
// SSH tunnel.
type ConnType string

const (
	ConnDirect ConnType = "direct"
	ConnSSH    ConnType = "ssh"
)

// AgentConnectionInfo is the admin-facing view of one agent's connection.
type AgentConnectionInfo struct {
	ConnType ConnType                        `json:"conn_type"`
	Status   registry.AgentConnectionStatus `json:"status"`
}

// Store persists SSH tunnel configuration across broker restarts. The
// sqlite-backed implementation lives in store_sqlite.go.
type Store interface {
	Load(org ids.OrgId) (map[ids.AgentId]SSHConfig, error)
	Put(org ids.OrgId, agent ids.AgentId, cfg SSHConfig) error
	Delete(org ids.OrgId, agent ids.AgentId) error
}

// ConnectorSupervisor starts/stops the SSH connector for one (org, agent)
// tunnel; abstracted so Service doesn't depend on sshconn's concrete
// construction concerns (accept function wiring belongs to the process
// root, per spec.md §9 "Global state").
type ConnectorSupervisor interface {
	Start(org ids.OrgId, agent ids.AgentId, cfg SSHConfig)
	Stop(org ids.OrgId, agent ids.AgentId)
}

// Service implements AdminService (internal/broker/handlers.AdminService)
// for spec.md §6's broker admin RPC surface.
type Service struct {
	Registry   *registry.Registry
	Store      Store
	Supervisor ConnectorSupervisor

	mu      sync.Mutex
	configs map[ids.OrgId]map[ids.AgentId]SSHConfig
}

// NewService builds a Service, loading persisted SSH configs for every org
// as they're first touched (lazy per-org load keeps startup cheap when the
// store holds many tenants).
func NewService(reg *registry.Registry, store Store, sup ConnectorSupervisor) *Service {
	return &Service{
		Registry:   reg,
		Store:      store,
		Supervisor: sup,
		configs:    make(map[ids.OrgId]map[ids.AgentId]SSHConfig),
	}
}

func (s *Service) orgConfigsLocked(org ids.OrgId) (map[ids.AgentId]SSHConfig, error) {
	if m, ok := s.configs[org]; ok {
		return m, nil
	}
	m, err := s.Store.Load(org)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[ids.AgentId]SSHConfig)
	}
	s.configs[org] = m
	return m, nil
}

// SSHConnections returns every configured SSH tunnel for org.
func (s *Service) SSHConnections(org ids.OrgId) (map[ids.AgentId]SSHConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.orgConfigsLocked(org)
	if err != nil {
		return nil, err
	}
	out := make(map[ids.AgentId]SSHConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// ConnectAgent idempotently replaces the SSH config for (org, agent),
// reconnecting only if the config actually differs from what's stored
// (spec.md §6 "idempotent replace; SSH reconnect if config differs").
func (s *Service) ConnectAgent(org ids.OrgId, agent ids.AgentId, cfg SSHConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.orgConfigsLocked(org)
	if err != nil {
		return err
	}
	existing, had := m[agent]
	if had && configsEqual(existing, cfg) {
		return nil
	}
	if err := s.Store.Put(org, agent, cfg); err != nil {
		return err
	}
	m[agent] = cfg
	if had {
		s.Supervisor.Stop(org, agent)
	}
	s.Supervisor.Start(org, agent, cfg)
	return nil
}

// DisconnectAgent removes the SSH config for (org, agent) and shuts down
// its connector.
func (s *Service) DisconnectAgent(org ids.OrgId, agent ids.AgentId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.orgConfigsLocked(org)
	if err != nil {
		return err
	}
	if _, ok := m[agent]; !ok {
		return nil
	}
	delete(m, agent)
	if err := s.Store.Delete(org, agent); err != nil {
		return err
	}
	s.Supervisor.Stop(org, agent)
	return nil
}

// ConnectedAgents returns the connection info for every agent the registry
// knows about under org.
func (s *Service) ConnectedAgents(org ids.OrgId) map[ids.AgentId]AgentConnectionInfo {
	s.mu.Lock()
	cfgs, _ := s.orgConfigsLocked(org)
	s.mu.Unlock()

	statuses := s.Registry.AllAgentStatuses(org)
	out := make(map[ids.AgentId]AgentConnectionInfo, len(statuses))
	for agent, status := range statuses {
		ct := ConnDirect
		if _, ok := cfgs[agent]; ok {
			ct = ConnSSH
		}
		out[agent] = AgentConnectionInfo{ConnType: ct, Status: status}
	}
	return out
}

// AgentConnStatus returns the connection info for a single agent, if known.
func (s *Service) AgentConnStatus(org ids.OrgId, agent ids.AgentId) (AgentConnectionInfo, bool) {
	status, ok := s.Registry.AgentStatus(org, agent)
	if !ok {
		return AgentConnectionInfo{}, false
	}
	s.mu.Lock()
	cfgs, _ := s.orgConfigsLocked(org)
	s.mu.Unlock()
	ct := ConnDirect
	if _, ok := cfgs[agent]; ok {
		ct = ConnSSH
	}
	return AgentConnectionInfo{ConnType: ct, Status: status}, true
}

func configsEqual(a, b SSHConfig) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// Admin RPC method names, dispatched by Handle below.
const (
	MethodSSHConnections   = "ssh_connections"
	MethodConnectAgent     = "connect_agent"
	MethodDisconnectAgent  = "disconnect_agent"
	MethodConnectedAgents  = "get_connected_agents"
	MethodAgentConnStatus  = "get_agent_conn_status"
)

// Handle dispatches one administrative RPC (spec.md §6), scoping every
// operation to org implicitly — callers are never able to name another
// tenant's org.
func (s *Service) Handle(ctx context.Context, org ids.OrgId, req wire.Request) wire.Response {
	switch req.Method {
	case MethodSSHConnections:
		cfgs, err := s.SSHConnections(org)
		if err != nil {
			return errResponse(req.RequestId, err)
		}
		return okResponse(req.RequestId, cfgs)

	case MethodConnectAgent:
		var params struct {
			AgentId ids.AgentId `json:"agent_id"`
			Config  SSHConfig   `json:"config"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.RequestId, err)
		}
		if err := s.ConnectAgent(org, params.AgentId, params.Config); err != nil {
			return errResponse(req.RequestId, err)
		}
		return okResponse(req.RequestId, map[string]bool{"ok": true})

	case MethodDisconnectAgent:
		var params struct {
			AgentId ids.AgentId `json:"agent_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.RequestId, err)
		}
		if err := s.DisconnectAgent(org, params.AgentId); err != nil {
			return errResponse(req.RequestId, err)
		}
		return okResponse(req.RequestId, map[string]bool{"ok": true})

	case MethodConnectedAgents:
		return okResponse(req.RequestId, s.ConnectedAgents(org))

	case MethodAgentConnStatus:
		var params struct {
			AgentId ids.AgentId `json:"agent_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.RequestId, err)
		}
		info, ok := s.AgentConnStatus(org, params.AgentId)
		if !ok {
			return okResponse(req.RequestId, nil)
		}
		return okResponse(req.RequestId, info)

	default:
		return errResponse(req.RequestId, errors.NewAuthenticationFailed("unknown admin method: "+req.Method))
	}
}

func okResponse(id wire.RequestId, v any) wire.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return errResponse(id, err)
	}
	return wire.Response{RequestId: id, Result: b}
}

func errResponse(id wire.RequestId, err error) wire.Response {
	if we, ok := err.(*errors.WireError); ok {
		return wire.Response{RequestId: id, Err: we}
	}
	return wire.Response{RequestId: id, Err: &errors.WireError{Code: "internal", Message: err.Error(), Retry: true}}
}
