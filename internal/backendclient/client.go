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

// Package backendclient implements the backend's half of the broker
// connection (spec.md §4.4, §6): dial once, issue administrative RPCs
// terminated inside the broker (BackendToBroker.Broker{request}) or RPCs
// passed through to a specific agent (BackendToBroker.Agent{agent_id,
// request}), and receive the AgentConnected/AgentDisconnected event
// stream. It is cmd/fleetctl's transport, grounded on the same
// dial-then-correlate shape as internal/agentsvc/client but, unlike that
// package, makes no attempt to reconnect: a CLI invocation dials once,
// issues its calls, and exits.
package backendclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tombee/fleetbroker/internal/rpc"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// Config carries everything needed to dial the broker's backend listener.
type Config struct {
	BrokerAddr  string
	TLSConfig   *tls.Config
	Codec       wire.Codec
	DialTimeout time.Duration
}

// OnEvent is invoked for every AgentConnected/AgentDisconnected event the
// broker replays or pushes on this connection (spec.md §8 "Event replay").
type OnEvent func(wire.BrokerEvent)

// Client is one dialed backend connection. Admin RPCs correlate through a
// single internal/rpc.Correlator; agent passthrough RPCs correlate
// through one Correlator per agent, created lazily, since request ids are
// only unique within the Correlator that assigned them and the broker
// tags responses by Kind (and AgentId) rather than by a single shared id
// space.
type Client struct {
	conn    net.Conn
	codec   wire.Codec
	writeMu sync.Mutex

	admin *rpc.Correlator

	mu      sync.Mutex
	agents  map[ids.AgentId]*rpc.Correlator
	onEvent OnEvent

	readErr chan error
	closed  chan struct{}
}

// Dial opens the connection and starts its read loop. Call Close when
// done with it.
func Dial(ctx context.Context, cfg Config, onEvent OnEvent) (*Client, error) {
	if cfg.Codec == nil {
		cfg.Codec = wire.BinaryCodec{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: cfg.DialTimeout}, Config: cfg.TLSConfig}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.BrokerAddr)
	if err != nil {
		return nil, fmt.Errorf("backendclient: dial %s: %w", cfg.BrokerAddr, err)
	}

	c := &Client{
		conn:    conn,
		codec:   cfg.Codec,
		agents:  make(map[ids.AgentId]*rpc.Correlator),
		onEvent: onEvent,
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
	c.admin = rpc.NewCorrelator(func(req wire.Request) error {
		return c.write(wire.NewBackendToBrokerBroker(req))
	})

	go c.readLoop()
	return c, nil
}

func (c *Client) write(env wire.BackendToBroker) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.Encode(c.conn, c.codec, env)
}

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		var env wire.BrokerToBackend
		if err := wire.Decode(c.conn, c.codec, &env); err != nil {
			c.admin.DisconnectAll()
			c.mu.Lock()
			for _, corr := range c.agents {
				corr.DisconnectAll()
			}
			c.mu.Unlock()
			c.readErr <- err
			return
		}

		switch env.Kind {
		case wire.BrokerToBackendBroker:
			c.admin.Complete(env.Response)
		case wire.BrokerToBackendAgent:
			c.mu.Lock()
			corr := c.agents[env.AgentId]
			c.mu.Unlock()
			if corr != nil {
				corr.Complete(env.Response)
			}
		case wire.BrokerToBackendEvent:
			if c.onEvent != nil && env.Event != nil {
				c.onEvent(*env.Event)
			}
		}
	}
}

func (c *Client) agentCorrelator(agent ids.AgentId) *rpc.Correlator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if corr, ok := c.agents[agent]; ok {
		return corr
	}
	corr := rpc.NewCorrelator(func(req wire.Request) error {
		return c.write(wire.NewBackendToBrokerAgent(agent, req))
	})
	c.agents[agent] = corr
	return corr
}

// AdminCall issues one administrative RPC terminated inside the broker
// (spec.md §6: ssh_connections, connect_agent, disconnect_agent,
// get_connected_agents, get_agent_conn_status).
func (c *Client) AdminCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("backendclient: encode %s params: %w", method, err)
	}
	resp, err := c.admin.Call(ctx, method, raw)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("backendclient: %s: %s", method, resp.Err.Message)
	}
	return resp.Result, nil
}

// AgentCall passes one RPC through the broker to agent (spec.md §4.4's
// BackendToBroker.Agent{agent_id,request} / BrokerToBackend.Agent{agent_id,
// response}).
func (c *Client) AgentCall(ctx context.Context, agent ids.AgentId, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("backendclient: encode %s params: %w", method, err)
	}
	resp, err := c.agentCorrelator(agent).Call(ctx, method, raw)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, fmt.Errorf("backendclient: %s@%s: %s", method, agent, resp.Err.Message)
	}
	return resp.Result, nil
}

// Close closes the underlying connection and waits for the read loop to
// exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.closed
	return err
}
