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

package handlers

import (
	"log/slog"

	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// Agent routes envelopes received from one agent connection (identified by
// org and agentID) into the registry (spec.md §4.4 "Agent -> Broker").
type Agent struct {
	Registry *registry.Registry
	Org      ids.OrgId
	AgentId  ids.AgentId
	Log      *slog.Logger
}

// NewAgent builds an Agent handler. log may be nil, in which case a
// discard logger is used.
func NewAgent(reg *registry.Registry, org ids.OrgId, agentID ids.AgentId, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Agent{Registry: reg, Org: org, AgentId: agentID, Log: log}
}

// HandleEnvelope processes one inbound AgentToBroker envelope.
func (h *Agent) HandleEnvelope(env wire.AgentToBroker) {
	switch env.Kind {
	case wire.AgentToBrokerBackend:
		h.forwardToBackend(env.Response)
	case wire.AgentToBrokerMetricsEngine:
		h.forwardToMetricsEngine(env.Request)
	}
}

// forwardToBackend delivers an agent's RPC response to the backend egress.
// A missing egress means the response is moot (its originator is gone);
// this is logged and dropped rather than synthesizing anything, since
// there is no one left to synthesize a reply to.
func (h *Agent) forwardToBackend(resp wire.Response) {
	egress := h.Registry.BackendEgress(h.Org)
	if egress == nil {
		h.Log.Info("dropping agent response: no backend attached",
			"org_id", h.Org, "agent_id", h.AgentId, "request_id", resp.RequestId)
		return
	}
	if err := egress.Send(wire.NewBrokerToBackendAgent(h.AgentId, resp)); err != nil {
		h.Log.Info("dropping agent response: backend egress queue full",
			"org_id", h.Org, "agent_id", h.AgentId, "request_id", resp.RequestId)
	}
}

// forwardToMetricsEngine forwards an agent's push request to the
// metrics-engine egress. Missing egress or a full queue is silently
// dropped — metrics pushes are best-effort (spec.md §1 "Non-goals").
func (h *Agent) forwardToMetricsEngine(req wire.Request) {
	egress := h.Registry.MetricsEngineEgress(h.Org)
	if egress == nil {
		return
	}
	_ = egress.Send(wire.NewBrokerToMetricsEngine(h.AgentId, req))
}
