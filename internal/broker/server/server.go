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

// Package server wires internal/broker/listener, internal/broker/registry
// and internal/broker/handlers together into the per-connection read/write
// loops each of the three peer-class listeners runs (spec.md §4.3, §4.4).
// It is the process-root-facing glue: cmd/brokerd constructs one Deps and
// calls Serve* once per accepted connection (directly, or via
// internal/broker/sshconn's AcceptFunc for tunneled agents).
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/tombee/fleetbroker/internal/broker/admin"
	"github.com/tombee/fleetbroker/internal/broker/handlers"
	"github.com/tombee/fleetbroker/internal/broker/listener"
	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/internal/observability"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// defaultEgressCapacity bounds each connection's outbound queue (spec.md
// §5: egress never blocks a sender, a full queue fails fast instead).
const defaultEgressCapacity = 64

// ErrAlreadyAttached is returned when a second backend or metrics-engine
// connection dials in for an org that already has one attached (spec.md
// §4.3's at-most-one admission rule).
var ErrAlreadyAttached = errors.New("server: a connection of this class is already attached for this org")

// Deps bundles what every Serve* method needs. Codec and Log may be left
// zero; Registry and Admin must be set.
type Deps struct {
	Registry *registry.Registry
	Admin    handlers.AdminService
	Codec    wire.Codec
	Log      *slog.Logger

	// Metrics records fleetbroker_agent_connections alongside every agent
	// attach/detach; nil disables recording.
	Metrics *observability.Metrics

	// EgressCapacity overrides defaultEgressCapacity; zero keeps the
	// default.
	EgressCapacity int
}

func (d *Deps) codec() wire.Codec {
	if d.Codec == nil {
		return wire.BinaryCodec{}
	}
	return d.Codec
}

func (d *Deps) log() *slog.Logger {
	if d.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Log
}

func (d *Deps) egressCapacity() int {
	if d.EgressCapacity <= 0 {
		return defaultEgressCapacity
	}
	return d.EgressCapacity
}

// AcceptLoop accepts connections from ln, handshaking each with class
// before handing it to onConn in its own goroutine. It runs until ctx is
// cancelled or ln is closed.
func AcceptLoop(ctx context.Context, ln net.Listener, class listener.PeerClass, log *slog.Logger, onConn func(ctx context.Context, conn *tls.Conn, identity listener.PeerIdentity)) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("broker listener accept failed", "class", class, "error", err)
			continue
		}
		go func() {
			tc, ok := conn.(*tls.Conn)
			if !ok {
				conn.Close()
				return
			}
			if err := tc.Handshake(); err != nil {
				log.Info("broker TLS handshake failed", "class", class, "error", err)
				tc.Close()
				return
			}
			identity, err := listener.Identify(tc, class)
			if err != nil {
				log.Info("broker peer identification failed", "class", class, "error", err)
				tc.Close()
				return
			}
			onConn(ctx, tc, identity)
		}()
	}
}

// writeLoop drains ch to w until ctx is cancelled, encoding each message
// with codec. It never blocks the sender side (ch is backed by a bounded
// Egress); it only blocks on the socket write itself.
func writeLoop[T any](ctx context.Context, w io.Writer, codec wire.Codec, ch <-chan T) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			if err := wire.Encode(w, codec, msg); err != nil {
				return err
			}
		}
	}
}

// ServeBackend handles one backend connection end to end: attaches its
// egress, replays currently-connected agents as events, and runs the
// read/write loops until the connection or ctx ends.
func (d *Deps) ServeBackend(ctx context.Context, conn net.Conn, org ids.OrgId) error {
	defer conn.Close()

	egress := registry.NewEgress[wire.BrokerToBackend](d.egressCapacity())
	if !d.Registry.AttachBackend(org, egress) {
		return ErrAlreadyAttached
	}
	defer d.Registry.DetachBackend(org, egress)

	connected := make(chan struct{})
	h := handlers.NewBackend(d.Registry, d.Admin, org, func(msg wire.BrokerToBackend) {
		_ = egress.Send(msg)
	}, func() bool {
		select {
		case <-connected:
			return false
		default:
			return true
		}
	})

	for _, agentID := range d.Registry.ConnectedAgents(org) {
		_ = egress.Send(wire.NewBrokerToBackendEvent(wire.BrokerEvent{Kind: wire.EventAgentConnected, AgentId: agentID}))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- writeLoop(ctx, conn, d.codec(), egress.Chan()) }()
	go func() {
		defer close(connected)
		errCh <- d.readBackendLoop(ctx, conn, h)
	}()

	err := <-errCh
	cancel()
	return err
}

func (d *Deps) readBackendLoop(ctx context.Context, r io.Reader, h *handlers.Backend) error {
	for {
		var env wire.BackendToBroker
		if err := wire.Decode(r, d.codec(), &env); err != nil {
			return err
		}
		h.HandleEnvelope(ctx, env)
	}
}

// ServeMetricsEngine handles one metrics-engine connection end to end.
func (d *Deps) ServeMetricsEngine(ctx context.Context, conn net.Conn, org ids.OrgId) error {
	defer conn.Close()

	egress := registry.NewEgress[wire.BrokerToMetricsEngine](d.egressCapacity())
	if !d.Registry.AttachMetricsEngine(org, egress) {
		return ErrAlreadyAttached
	}
	defer d.Registry.DetachMetricsEngine(org, egress)

	h := handlers.NewMetricsEngine(d.Registry, org)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- writeLoop(ctx, conn, d.codec(), egress.Chan()) }()
	go func() {
		for {
			var env wire.MetricsEngineToBroker
			if err := wire.Decode(conn, d.codec(), &env); err != nil {
				errCh <- err
				return
			}
			h.HandleEnvelope(env)
		}
	}()

	err := <-errCh
	cancel()
	return err
}

// ServeAgent handles one agent connection end to end (directly dialed or
// fed in through an SSH tunnel's AcceptFunc — both paths converge here
// once the byte stream is available, per spec.md §4.5).
func (d *Deps) ServeAgent(ctx context.Context, conn net.Conn, org ids.OrgId, agentID ids.AgentId) error {
	defer conn.Close()

	egress := registry.NewEgress[wire.BrokerToAgent](d.egressCapacity())
	attached, backendPresent := d.Registry.AttachAgent(org, agentID, egress)
	if !attached {
		return ErrAlreadyAttached
	}
	if d.Metrics != nil {
		d.Metrics.AgentConnections.Inc()
	}
	defer func() {
		d.Registry.DetachAgent(org, agentID, egress, "connection closed")
		if d.Metrics != nil {
			d.Metrics.AgentConnections.Dec()
		}
	}()

	if backendPresent {
		if be := d.Registry.BackendEgress(org); be != nil {
			_ = be.Send(wire.NewBrokerToBackendEvent(wire.BrokerEvent{Kind: wire.EventAgentConnected, AgentId: agentID}))
		}
	}
	defer func() {
		if be := d.Registry.BackendEgress(org); be != nil {
			_ = be.Send(wire.NewBrokerToBackendEvent(wire.BrokerEvent{Kind: wire.EventAgentDisconnected, AgentId: agentID}))
		}
	}()

	h := handlers.NewAgent(d.Registry, org, agentID, d.log())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- writeLoop(ctx, conn, d.codec(), egress.Chan()) }()
	go func() {
		for {
			var env wire.AgentToBroker
			if err := wire.Decode(conn, d.codec(), &env); err != nil {
				errCh <- err
				return
			}
			h.HandleEnvelope(env)
		}
	}()

	err := <-errCh
	cancel()
	return err
}

// HandleAgentStream performs the explicit per-connection TLS handshake and
// peer-identity extraction before dispatching to ServeAgent. This is the
// exact entry point spec.md §4.5 describes for SSH-tunneled byte streams
// ("feeding it to the agent-listener path as if the agent had connected
// directly") and is also used for directly-dialed agents, so both paths
// authenticate and dispatch identically.
func (d *Deps) HandleAgentStream(ctx context.Context, conn net.Conn, tlsCfg *tls.Config) {
	tc, identity, err := listener.Handshake(conn, tlsCfg, listener.PeerAgent)
	if err != nil {
		d.log().Info("agent TLS handshake failed", "error", err)
		conn.Close()
		return
	}
	if err := d.ServeAgent(ctx, tc, identity.Org, identity.Agent); err != nil {
		d.log().Info("agent connection ended", "org_id", identity.Org, "agent_id", identity.Agent, "error", err)
	}
}

// AdminService re-exports the handlers package's interface so callers that
// only import server don't also need to import handlers directly.
type AdminService = handlers.AdminService

var _ AdminService = (*admin.Service)(nil)
