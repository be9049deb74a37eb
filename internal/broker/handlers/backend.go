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

// Package handlers implements the three per-peer-class routing handlers
// (spec.md §4.4): each consumes one direction's inbound envelope and emits
// the matching outbound envelope(s) via the registry's bounded egress
// queues. None of them block on a full queue — queue-full is synthesized
// as a first-class error response to the originator where one exists.
package handlers

import (
	"context"

	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// AdminService is the broker's administrative RPC surface (spec.md §4.10),
// dispatched in a detached task for BackendToBroker's Broker{request}
// variant.
type AdminService interface {
	Handle(ctx context.Context, org ids.OrgId, req wire.Request) wire.Response
}

// Backend routes envelopes received from one backend connection (identified
// by org) into the registry.
type Backend struct {
	Registry *registry.Registry
	Admin    AdminService
	Org      ids.OrgId

	// Reply is how this handler's caller delivers a response back down the
	// same backend connection (enqueuing on its own writer queue). It must
	// never block.
	Reply func(wire.BrokerToBackend)

	// connected reports, for tests and callers that want to avoid sending
	// on a torn-down connection, whether this handler is still attached.
	connected func() bool
}

// NewBackend builds a Backend handler. connected, if non-nil, is consulted
// before delivering a detached admin-task response (spec.md §4.4: "drop the
// response silently if the backend has disconnected in the meantime").
func NewBackend(reg *registry.Registry, admin AdminService, org ids.OrgId, reply func(wire.BrokerToBackend), connected func() bool) *Backend {
	if connected == nil {
		connected = func() bool { return true }
	}
	return &Backend{Registry: reg, Admin: admin, Org: org, Reply: reply, connected: connected}
}

// HandleEnvelope processes one inbound BackendToBroker envelope.
func (h *Backend) HandleEnvelope(ctx context.Context, env wire.BackendToBroker) {
	switch env.Kind {
	case wire.BackendToBrokerAgent:
		h.handleAgentRequest(env.AgentId, env.Request)
	case wire.BackendToBrokerBroker:
		h.handleBrokerRequest(ctx, env.Request)
	}
}

// handleAgentRequest forwards a backend RPC to the named agent's egress as
// Backend{request}. A missing egress (not connected, or the queue is full)
// synthesizes a failed response back to the backend immediately, rather
// than blocking (spec.md §4.4, §5).
func (h *Backend) handleAgentRequest(agentID ids.AgentId, req wire.Request) {
	egress := h.Registry.AgentEgress(h.Org, agentID)
	if egress == nil {
		h.Reply(wire.NewBrokerToBackendAgent(agentID, wire.Response{
			RequestId: req.RequestId,
			Err:       errors.NewNotConnected("agent " + string(agentID) + " is not connected"),
		}))
		return
	}

	if err := egress.Send(wire.NewBrokerToAgentBackend(req)); err != nil {
		h.Reply(wire.NewBrokerToBackendAgent(agentID, wire.Response{
			RequestId: req.RequestId,
			Err:       errors.NewQueueFull("agent " + string(agentID) + " egress queue is full"),
		}))
	}
}

// handleBrokerRequest dispatches an administrative RPC in a detached
// goroutine and delivers its response back to the backend when done,
// unless the backend has since disconnected.
func (h *Backend) handleBrokerRequest(ctx context.Context, req wire.Request) {
	go func() {
		resp := h.Admin.Handle(ctx, h.Org, req)
		if !h.connected() {
			return
		}
		h.Reply(wire.NewBrokerToBackendBroker(resp))
	}()
}
