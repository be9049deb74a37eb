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

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/internal/agentsvc/service"
	"github.com/tombee/fleetbroker/internal/counter"
	"github.com/tombee/fleetbroker/internal/expr"
	"github.com/tombee/fleetbroker/internal/loader"
	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/wire"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mgr := loader.NewManager(t.TempDir(), nil, nil)
	reg := plugin.NewRegistry()
	svc := service.New(mgr, reg, expr.New(), counter.New(), service.Config{}, nil)
	return New(Config{Codec: wire.TextCodec{}}, svc, nil)
}

func TestServe_RoutesBackendRequestToServiceAndReplies(t *testing.T) {
	brokerSide, agentSide := net.Pipe()
	defer brokerSide.Close()

	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.serve(ctx, agentSide)

	req := wire.BrokerToAgent{
		Kind:    wire.BrokerToAgentBackend,
		Request: wire.Request{RequestId: "1", Method: "ping"},
	}
	require.NoError(t, wire.Encode(brokerSide, wire.TextCodec{}, req))

	var resp wire.AgentToBroker
	require.NoError(t, wire.Decode(brokerSide, wire.TextCodec{}, &resp))
	assert.Equal(t, wire.AgentToBrokerBackend, resp.Kind)
	assert.Equal(t, wire.RequestId("1"), resp.Response.RequestId)
	assert.Nil(t, resp.Response.Err)
}

func TestSendMetrics_CorrelatesResponseFromBroker(t *testing.T) {
	brokerSide, agentSide := net.Pipe()
	defer brokerSide.Close()

	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.serve(ctx, agentSide)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.corr != nil
	}, time.Second, time.Millisecond)

	go func() {
		var env wire.AgentToBroker
		if err := wire.Decode(brokerSide, wire.TextCodec{}, &env); err != nil {
			return
		}
		_ = wire.Encode(brokerSide, wire.TextCodec{}, wire.BrokerToAgent{
			Kind:     wire.BrokerToAgentMetricsEngine,
			Response: wire.Response{RequestId: env.Request.RequestId, Result: []byte(`{"ok":true}`)},
		})
	}()

	resp, err := c.SendMetrics(ctx, "push_samples", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestSendMetrics_NotConnectedBeforeServe(t *testing.T) {
	c := newTestClient(t)
	_, err := c.SendMetrics(context.Background(), "push_samples", nil)
	assert.ErrorIs(t, err, errNotConnected)
}
