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

// Package wire implements the six per-direction envelope shapes carried
// over broker connections (spec.md §6) and the two frame codecs
// (compact binary and self-describing text) used to serialize them.
//
// Each envelope is a tagged union. Go has no native sum type, so each is
// modeled as a struct with a Kind discriminator and one populated payload
// field per variant, following the same flattening pkg/value uses for
// Value. Exactly one payload field is meaningful per Kind.
package wire

import (
	"encoding/json"

	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
)

// RequestId identifies one in-flight RPC for correlation purposes (spec.md
// §4.2). It is assigned by the caller's correlator, not by any domain
// entity, so it lives here rather than in pkg/ids.
type RequestId string

// Request is an opaque, protocol-agnostic RPC request: a method name plus
// raw encoded parameters. The concrete request/response payloads belong to
// the RPC surfaces described in spec.md §6 (agent service, broker admin
// service); the envelope layer only needs to move them and correlate
// replies by RequestId.
type Request struct {
	RequestId RequestId       `json:"request_id" cbor:"request_id"`
	Method    string          `json:"method" cbor:"method"`
	Params    json.RawMessage `json:"params,omitempty" cbor:"params,omitempty"`
}

// Response carries either a result or a structured WireError, matched to
// its originating Request by RequestId.
type Response struct {
	RequestId RequestId         `json:"request_id" cbor:"request_id"`
	Result    json.RawMessage   `json:"result,omitempty" cbor:"result,omitempty"`
	Err       *errors.WireError `json:"error,omitempty" cbor:"error,omitempty"`
}

// BrokerEventKind tags the two broker-originated events replayed/pushed to
// backends (spec.md §3, §8 "Event replay").
type BrokerEventKind string

const (
	EventAgentConnected    BrokerEventKind = "agent_connected"
	EventAgentDisconnected BrokerEventKind = "agent_disconnected"
)

// BrokerEvent is one entry of the backend's AgentConnected/AgentDisconnected
// stream.
type BrokerEvent struct {
	Kind    BrokerEventKind `json:"kind" cbor:"kind"`
	AgentId ids.AgentId     `json:"agent_id" cbor:"agent_id"`
}

// BackendToBrokerKind discriminates BackendToBroker's two variants.
type BackendToBrokerKind string

const (
	BackendToBrokerAgent  BackendToBrokerKind = "agent"
	BackendToBrokerBroker BackendToBrokerKind = "broker"
)

// BackendToBroker = Agent{agent_id, request} | Broker{request}.
type BackendToBroker struct {
	Kind    BackendToBrokerKind `json:"kind" cbor:"kind"`
	AgentId ids.AgentId         `json:"agent_id,omitempty" cbor:"agent_id,omitempty"`
	Request Request             `json:"request" cbor:"request"`
}

// NewBackendToBrokerAgent builds the Agent{agent_id,request} variant.
func NewBackendToBrokerAgent(agentID ids.AgentId, req Request) BackendToBroker {
	return BackendToBroker{Kind: BackendToBrokerAgent, AgentId: agentID, Request: req}
}

// NewBackendToBrokerBroker builds the Broker{request} variant (an
// administrative RPC terminated inside the broker).
func NewBackendToBrokerBroker(req Request) BackendToBroker {
	return BackendToBroker{Kind: BackendToBrokerBroker, Request: req}
}

// BrokerToBackendKind discriminates BrokerToBackend's three variants.
type BrokerToBackendKind string

const (
	BrokerToBackendAgent  BrokerToBackendKind = "agent"
	BrokerToBackendBroker BrokerToBackendKind = "broker"
	BrokerToBackendEvent  BrokerToBackendKind = "event"
)

// BrokerToBackend = Agent{agent_id, response} | Broker{response} |
// BrokerEvent{AgentConnected|AgentDisconnected}.
type BrokerToBackend struct {
	Kind     BrokerToBackendKind `json:"kind" cbor:"kind"`
	AgentId  ids.AgentId         `json:"agent_id,omitempty" cbor:"agent_id,omitempty"`
	Response Response            `json:"response,omitzero" cbor:"response,omitzero"`
	Event    *BrokerEvent        `json:"event,omitempty" cbor:"event,omitempty"`
}

func NewBrokerToBackendAgent(agentID ids.AgentId, resp Response) BrokerToBackend {
	return BrokerToBackend{Kind: BrokerToBackendAgent, AgentId: agentID, Response: resp}
}

func NewBrokerToBackendBroker(resp Response) BrokerToBackend {
	return BrokerToBackend{Kind: BrokerToBackendBroker, Response: resp}
}

func NewBrokerToBackendEvent(ev BrokerEvent) BrokerToBackend {
	return BrokerToBackend{Kind: BrokerToBackendEvent, Event: &ev}
}

// AgentToBrokerKind discriminates AgentToBroker's two variants.
type AgentToBrokerKind string

const (
	AgentToBrokerBackend       AgentToBrokerKind = "backend"
	AgentToBrokerMetricsEngine AgentToBrokerKind = "metrics_engine"
)

// AgentToBroker = Backend{response} | MetricsEngine{request}.
type AgentToBroker struct {
	Kind     AgentToBrokerKind `json:"kind" cbor:"kind"`
	Response Response          `json:"response,omitzero" cbor:"response,omitzero"`
	Request  Request           `json:"request,omitzero" cbor:"request,omitzero"`
}

func NewAgentToBrokerBackend(resp Response) AgentToBroker {
	return AgentToBroker{Kind: AgentToBrokerBackend, Response: resp}
}

func NewAgentToBrokerMetricsEngine(req Request) AgentToBroker {
	return AgentToBroker{Kind: AgentToBrokerMetricsEngine, Request: req}
}

// BrokerToAgentKind discriminates BrokerToAgent's two variants.
type BrokerToAgentKind string

const (
	BrokerToAgentBackend       BrokerToAgentKind = "backend"
	BrokerToAgentMetricsEngine BrokerToAgentKind = "metrics_engine"
)

// BrokerToAgent = Backend{request} | MetricsEngine{response}.
type BrokerToAgent struct {
	Kind     BrokerToAgentKind `json:"kind" cbor:"kind"`
	Request  Request           `json:"request,omitzero" cbor:"request,omitzero"`
	Response Response          `json:"response,omitzero" cbor:"response,omitzero"`
}

func NewBrokerToAgentBackend(req Request) BrokerToAgent {
	return BrokerToAgent{Kind: BrokerToAgentBackend, Request: req}
}

func NewBrokerToAgentMetricsEngine(resp Response) BrokerToAgent {
	return BrokerToAgent{Kind: BrokerToAgentMetricsEngine, Response: resp}
}

// MetricsEngineToBroker = Agent{agent_id, response}. The metrics engine has
// exactly one peer class to talk about, so this envelope carries a single
// variant; it still wears the Kind discriminator for symmetry with its
// sibling types and forward compatibility.
type MetricsEngineToBroker struct {
	Kind     string      `json:"kind" cbor:"kind"`
	AgentId  ids.AgentId `json:"agent_id" cbor:"agent_id"`
	Response Response    `json:"response" cbor:"response"`
}

const metricsEngineToBrokerAgent = "agent"

func NewMetricsEngineToBroker(agentID ids.AgentId, resp Response) MetricsEngineToBroker {
	return MetricsEngineToBroker{Kind: metricsEngineToBrokerAgent, AgentId: agentID, Response: resp}
}

// BrokerToMetricsEngine = Agent{agent_id, request}.
type BrokerToMetricsEngine struct {
	Kind    string      `json:"kind" cbor:"kind"`
	AgentId ids.AgentId `json:"agent_id" cbor:"agent_id"`
	Request Request     `json:"request" cbor:"request"`
}

const brokerToMetricsEngineAgent = "agent"

func NewBrokerToMetricsEngine(agentID ids.AgentId, req Request) BrokerToMetricsEngine {
	return BrokerToMetricsEngine{Kind: brokerToMetricsEngineAgent, AgentId: agentID, Request: req}
}
