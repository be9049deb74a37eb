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

// Package client supervises an agent's long-lived, mutually-authenticated
// TLS connection to the broker (spec.md §1, §4.3): dial, reconnect with a
// fixed retry interval, decode inbound BrokerToAgent envelopes, dispatch
// Backend{request}s to an agentsvc/service.Service and reply on the same
// connection, and correlate outbound MetricsEngine{request}s through an
// internal/rpc.Correlator. The connect/retry state machine mirrors
// internal/broker/sshconn.Connector's Retrying/Connected/Disconnected
// loop, applied here to the agent's own outbound leg instead of the
// broker's reverse tunnel.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tombee/fleetbroker/internal/agentsvc/service"
	"github.com/tombee/fleetbroker/internal/rpc"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// State mirrors sshconn.State, applied to the agent's outbound leg.
type State string

const (
	StateRetrying     State = "retrying"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Status is the observable connection state, handed to an optional
// OnStatus callback so an embedding process can log or expose it.
type Status struct {
	State   State
	Error   string
	NextTry time.Time
	HasNext bool
}

// OnStatus is invoked whenever a Client's status changes.
type OnStatus func(Status)

// Config carries everything needed to dial and maintain the connection.
type Config struct {
	BrokerAddr    string
	TLSConfig     *tls.Config
	Codec         wire.Codec
	RetryInterval time.Duration
	DialTimeout   time.Duration
}

// Client supervises one connection to the broker.
type Client struct {
	cfg    Config
	svc    *service.Service
	onStat OnStatus

	mu     sync.Mutex
	status Status
	corr   *rpc.Correlator

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Client. Call Run to start its connect/retry loop.
func New(cfg Config, svc *service.Service, onStat OnStatus) *Client {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.BinaryCodec{}
	}
	return &Client{cfg: cfg, svc: svc, onStat: onStat, status: Status{State: StateRetrying}}
}

// Status returns the current observable connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	if c.onStat != nil {
		c.onStat(s)
	}
}

// Run drives the connect/serve/retry loop until ctx is cancelled or
// Shutdown is called. Intended to run in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			next := time.Now().Add(c.cfg.RetryInterval)
			c.setStatus(Status{State: StateDisconnected, Error: err.Error(), NextTry: next, HasNext: true})
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		c.setStatus(Status{State: StateConnected})
		c.serve(ctx, conn)
		// serve returned: connection dropped. Loop to retry.
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout}, Config: c.cfg.TLSConfig}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.BrokerAddr)
	if err != nil {
		return nil, fmt.Errorf("agentsvc/client: dial %s: %w", c.cfg.BrokerAddr, err)
	}
	return conn, nil
}

// serve reads BrokerToAgent envelopes from conn until it errors or ctx is
// cancelled. Backend{request}s are dispatched to svc.Handle in their own
// goroutine (so a slow get_etc_tables call never blocks the read loop) and
// answered with AgentToBroker.Backend{response}; MetricsEngine{response}s
// complete the pending Correlator waiter.
func (c *Client) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(env wire.AgentToBroker) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.Encode(conn, c.cfg.Codec, env)
	}

	corr := rpc.NewCorrelator(func(req wire.Request) error {
		return write(wire.NewAgentToBrokerMetricsEngine(req))
	})
	c.mu.Lock()
	c.corr = corr
	c.mu.Unlock()

	var wg sync.WaitGroup
	readErr := make(chan error, 1)
	go func() {
		for {
			var env wire.BrokerToAgent
			if err := wire.Decode(conn, c.cfg.Codec, &env); err != nil {
				readErr <- err
				return
			}
			switch env.Kind {
			case wire.BrokerToAgentBackend:
				req := env.Request
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp := c.svc.Handle(ctx, req)
					_ = write(wire.NewAgentToBrokerBackend(resp))
				}()
			case wire.BrokerToAgentMetricsEngine:
				corr.Complete(env.Response)
			}
		}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-readErr
	case <-readErr:
	}

	corr.DisconnectAll()
	wg.Wait()

	c.mu.Lock()
	c.corr = nil
	c.mu.Unlock()
}

// SendMetrics dispatches a telemetry push to the metrics engine via the
// broker (spec.md §4.4 "Agent → Broker ... MetricsEngine{request}") and
// blocks for its response or ctx cancellation.
func (c *Client) SendMetrics(ctx context.Context, method string, params []byte) (wire.Response, error) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return wire.Response{}, errNotConnected
	}
	return corr.Call(ctx, method, params)
}

// Shutdown signals the connect/retry loop to stop and waits for it to
// drain the current connection, if any.
func (c *Client) Shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}
