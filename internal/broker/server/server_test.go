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

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

func TestServeAgent_RoutesBackendRequestAndReply(t *testing.T) {
	reg := registry.New()
	d := &Deps{Registry: reg}
	org := ids.OrgId("acme")
	agentID := ids.AgentId("edge-1")

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.ServeAgent(ctx, serverConn, org, agentID) }()

	// Give ServeAgent a moment to attach before routing through it.
	require.Eventually(t, func() bool {
		return reg.AgentEgress(org, agentID) != nil
	}, time.Second, time.Millisecond)

	backendEgress := registry.NewEgress[wire.BrokerToBackend](4)
	reg.AttachBackend(org, backendEgress)

	agentEgress := reg.AgentEgress(org, agentID)
	require.NoError(t, agentEgress.Send(wire.NewBrokerToAgentBackend(wire.Request{RequestId: "r1", Method: "ping"})))

	var got wire.BrokerToAgent
	require.NoError(t, wire.Decode(clientConn, wire.BinaryCodec{}, &got))
	assert.Equal(t, wire.RequestId("r1"), got.Request.RequestId)

	require.NoError(t, wire.Encode(clientConn, wire.BinaryCodec{}, wire.NewAgentToBrokerBackend(wire.Response{RequestId: "r1"})))

	select {
	case msg := <-backendEgress.Chan():
		assert.Equal(t, wire.RequestId("r1"), msg.Response.RequestId)
	case <-time.After(time.Second):
		t.Fatal("expected routed response on backend egress")
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeAgent did not return after connection closed")
	}
}

func TestServeAgent_RejectsDuplicateAttachment(t *testing.T) {
	reg := registry.New()
	d := &Deps{Registry: reg}
	org := ids.OrgId("acme")
	agentID := ids.AgentId("edge-1")

	egress := registry.NewEgress[wire.BrokerToAgent](1)
	attached, _ := reg.AttachAgent(org, agentID, egress)
	require.True(t, attached)

	_, clientConn := net.Pipe()
	defer clientConn.Close()

	err := d.ServeAgent(context.Background(), clientConn, org, agentID)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestServeMetricsEngine_RoutesToAgent(t *testing.T) {
	reg := registry.New()
	d := &Deps{Registry: reg}
	org := ids.OrgId("acme")
	agentID := ids.AgentId("edge-1")

	agentEgress := registry.NewEgress[wire.BrokerToAgent](4)
	reg.AttachAgent(org, agentID, agentEgress)

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.ServeMetricsEngine(ctx, serverConn, org) }()

	require.NoError(t, wire.Encode(clientConn, wire.BinaryCodec{}, wire.NewMetricsEngineToBroker(agentID, wire.Response{RequestId: "m1"})))

	select {
	case msg := <-agentEgress.Chan():
		assert.Equal(t, wire.RequestId("m1"), msg.Response.RequestId)
	case <-time.After(time.Second):
		t.Fatal("expected routed response on agent egress")
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeMetricsEngine did not return after connection closed")
	}
}
