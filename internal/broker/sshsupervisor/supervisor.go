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

// Package sshsupervisor implements internal/broker/admin.ConnectorSupervisor
// by starting and stopping one internal/broker/sshconn.Connector per
// (OrgId, AgentId) reverse tunnel, wiring each tunneled byte stream into
// the broker's agent-listener path (spec.md §4.5, §4.10).
package sshsupervisor

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tombee/fleetbroker/internal/broker/admin"
	"github.com/tombee/fleetbroker/internal/broker/sshconn"
	"github.com/tombee/fleetbroker/internal/observability"
	"github.com/tombee/fleetbroker/pkg/ids"
)

// AgentStreamHandler is the broker's agent-listener entry point; called
// once per established tunnel with the resulting byte stream.
type AgentStreamHandler func(ctx context.Context, conn net.Conn, tlsCfg *tls.Config)

// Supervisor manages the set of active reverse-tunnel connectors.
type Supervisor struct {
	handle AgentStreamHandler
	tlsCfg *tls.Config
	log    *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	ctx    context.Context
	active map[key]*entry
}

type key struct {
	org   ids.OrgId
	agent ids.AgentId
}

type entry struct {
	conn   *sshconn.Connector
	cancel context.CancelFunc
}

// New builds a Supervisor. handle is invoked for every tunneled byte
// stream once established; tlsCfg is the broker's agent-listener TLS
// configuration, reused identically for tunneled and directly-dialed
// agents.
func New(ctx context.Context, handle AgentStreamHandler, tlsCfg *tls.Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		handle: handle,
		tlsCfg: tlsCfg,
		log:    log,
		ctx:    ctx,
		active: make(map[key]*entry),
	}
}

// SetMetrics wires connect-attempt/tunnel-state metrics into every
// connector started after this call. m may be nil to disable recording.
func (s *Supervisor) SetMetrics(m *observability.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Start implements admin.ConnectorSupervisor: it (re)starts the connector
// for (org, agent), stopping any prior one first.
func (s *Supervisor) Start(org ids.OrgId, agentID ids.AgentId, cfg admin.SSHConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{org, agent: agentID}
	if prior, ok := s.active[k]; ok {
		prior.cancel()
		prior.conn.Shutdown()
	}

	connCfg := sshconn.Config{
		AgentID:       string(agentID),
		Host:          cfg.Host,
		JumpHosts:     cfg.JumpHosts,
		KnownHosts:    cfg.KnownHosts,
		PrivateKey:    []byte(cfg.PrivateKey),
		AgentPort:     cfg.AgentPort,
		RetryInterval: time.Duration(cfg.RetryInterval) * time.Second,
	}

	accept := func(conn net.Conn) {
		s.handle(s.ctx, conn, s.tlsCfg)
	}

	c := sshconn.New(connCfg, accept, nil)
	if s.metrics != nil {
		c.SetMetrics(s.metrics)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.active[k] = &entry{conn: c, cancel: cancel}

	go c.Run(runCtx)
	s.log.Info("ssh tunnel supervisor started", "org_id", org, "agent_id", agentID)
}

// Stop implements admin.ConnectorSupervisor: it shuts down the connector
// for (org, agent), if one is running.
func (s *Supervisor) Stop(org ids.OrgId, agentID ids.AgentId) {
	s.mu.Lock()
	k := key{org, agent: agentID}
	e, ok := s.active[k]
	if ok {
		delete(s.active, k)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	e.cancel()
	e.conn.Shutdown()
	s.log.Info("ssh tunnel supervisor stopped", "org_id", org, "agent_id", agentID)
}

// Running reports whether a connector is currently active for (org, agent),
// used by tests and the admin service's connection-inventory RPCs.
func (s *Supervisor) Running(org ids.OrgId, agentID ids.AgentId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[key{org, agent: agentID}]
	return ok
}

var _ admin.ConnectorSupervisor = (*Supervisor)(nil)
