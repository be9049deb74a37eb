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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

func TestBackend_AgentRequest_NotConnectedSynthesizesResponse(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")

	var got wire.BrokerToBackend
	h := NewBackend(reg, nil, org, func(b wire.BrokerToBackend) { got = b }, nil)

	h.handleAgentRequest(ids.AgentId("edge-1"), wire.Request{RequestId: "r1"})

	require.Equal(t, wire.BrokerToBackendAgent, got.Kind)
	require.NotNil(t, got.Response.Err)
	assert.True(t, got.Response.Err.Retry)
}

func TestBackend_AgentRequest_ForwardsWhenConnected(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")
	agentID := ids.AgentId("edge-1")
	egress := registry.NewEgress[wire.BrokerToAgent](4)
	reg.AttachAgent(org, agentID, egress)

	h := NewBackend(reg, nil, org, func(wire.BrokerToBackend) {}, nil)
	h.handleAgentRequest(agentID, wire.Request{RequestId: "r1", Method: "ping"})

	select {
	case msg := <-egress.Chan():
		require.Equal(t, wire.BrokerToAgentBackend, msg.Kind)
		assert.Equal(t, wire.RequestId("r1"), msg.Request.RequestId)
	default:
		t.Fatal("expected forwarded request on agent egress")
	}
}

func TestBackend_AgentRequest_QueueFullSynthesizesResponse(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")
	agentID := ids.AgentId("edge-1")
	egress := registry.NewEgress[wire.BrokerToAgent](0) // always full

	reg.AttachAgent(org, agentID, egress)

	var got wire.BrokerToBackend
	h := NewBackend(reg, nil, org, func(b wire.BrokerToBackend) { got = b }, nil)
	h.handleAgentRequest(agentID, wire.Request{RequestId: "r1"})

	require.NotNil(t, got.Response.Err)
	assert.Equal(t, "queue_full", got.Response.Err.Code)
}

type fakeAdmin struct{ resp wire.Response }

func (f fakeAdmin) Handle(ctx context.Context, org ids.OrgId, req wire.Request) wire.Response {
	return f.resp
}

func TestBackend_BrokerRequest_DispatchesAndReplies(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")
	replyCh := make(chan wire.BrokerToBackend, 1)

	admin := fakeAdmin{resp: wire.Response{RequestId: "r1", Result: []byte(`{}`)}}
	h := NewBackend(reg, admin, org, func(b wire.BrokerToBackend) { replyCh <- b }, nil)

	h.handleBrokerRequest(context.Background(), wire.Request{RequestId: "r1"})

	select {
	case got := <-replyCh:
		require.Equal(t, wire.BrokerToBackendBroker, got.Kind)
		assert.Equal(t, wire.RequestId("r1"), got.Response.RequestId)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for admin reply")
	}
}

func TestBackend_BrokerRequest_DropsReplyIfDisconnected(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")
	replied := make(chan struct{}, 1)

	admin := fakeAdmin{resp: wire.Response{RequestId: "r1"}}
	h := NewBackend(reg, admin, org, func(b wire.BrokerToBackend) { replied <- struct{}{} }, func() bool { return false })

	h.handleBrokerRequest(context.Background(), wire.Request{RequestId: "r1"})

	select {
	case <-replied:
		t.Fatal("reply should have been dropped, backend is disconnected")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAgent_ForwardToBackend_MissingEgressDropped(t *testing.T) {
	reg := registry.New()
	h := NewAgent(reg, ids.OrgId("acme"), ids.AgentId("edge-1"), nil)
	// Should not panic.
	h.HandleEnvelope(wire.AgentToBroker{Kind: wire.AgentToBrokerBackend, Response: wire.Response{RequestId: "r1"}})
}

func TestAgent_ForwardToMetricsEngine(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")
	egress := registry.NewEgress[wire.BrokerToMetricsEngine](4)
	reg.AttachMetricsEngine(org, egress)

	h := NewAgent(reg, org, ids.AgentId("edge-1"), nil)
	h.HandleEnvelope(wire.AgentToBroker{Kind: wire.AgentToBrokerMetricsEngine, Request: wire.Request{RequestId: "r1"}})

	select {
	case msg := <-egress.Chan():
		assert.Equal(t, ids.AgentId("edge-1"), msg.AgentId)
	default:
		t.Fatal("expected forwarded request on metrics-engine egress")
	}
}

func TestMetricsEngine_RoutesToAgent(t *testing.T) {
	reg := registry.New()
	org := ids.OrgId("acme")
	agentID := ids.AgentId("edge-1")
	egress := registry.NewEgress[wire.BrokerToAgent](4)
	reg.AttachAgent(org, agentID, egress)

	h := NewMetricsEngine(reg, org)
	h.HandleEnvelope(wire.MetricsEngineToBroker{AgentId: agentID, Response: wire.Response{RequestId: "r1"}})

	select {
	case msg := <-egress.Chan():
		require.Equal(t, wire.BrokerToAgentMetricsEngine, msg.Kind)
	default:
		t.Fatal("expected forwarded response on agent egress")
	}
}

func TestMetricsEngine_MissingAgentDropped(t *testing.T) {
	reg := registry.New()
	h := NewMetricsEngine(reg, ids.OrgId("acme"))
	h.HandleEnvelope(wire.MetricsEngineToBroker{AgentId: ids.AgentId("ghost"), Response: wire.Response{}})
}
