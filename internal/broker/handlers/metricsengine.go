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
	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// MetricsEngine routes envelopes received from the metrics-engine
// connection (identified by org) into the registry (spec.md §4.4
// "Metrics Engine -> Broker").
type MetricsEngine struct {
	Registry *registry.Registry
	Org      ids.OrgId
}

// NewMetricsEngine builds a MetricsEngine handler.
func NewMetricsEngine(reg *registry.Registry, org ids.OrgId) *MetricsEngine {
	return &MetricsEngine{Registry: reg, Org: org}
}

// HandleEnvelope forwards a MetricsEngineToBroker envelope to the named
// agent's egress. Failures (not connected, queue full) are silently
// dropped — metrics-engine replies are advisory (spec.md §4.4).
func (h *MetricsEngine) HandleEnvelope(env wire.MetricsEngineToBroker) {
	egress := h.Registry.AgentEgress(h.Org, env.AgentId)
	if egress == nil {
		return
	}
	_ = egress.Send(wire.NewBrokerToAgentMetricsEngine(env.Response))
}
