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

// Package sshconn supervises reverse SSH tunnels used to reach agents that
// cannot accept inbound TCP (spec.md §4.5). One Connector supervises one
// logical (OrgId, AgentId) tunnel and drives the Retrying/Connected/
// Disconnected state machine, handing the tunneled byte stream to a
// caller-supplied accept function (the broker's agent-listener path) once
// established.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	obs "github.com/tombee/fleetbroker/internal/observability"
	"github.com/tombee/fleetbroker/pkg/secrets"
)

// tunnelStates lists every sshconn.State value, used to drive the
// fleetbroker_ssh_tunnel_state gauge's per-agent state set.
var tunnelStates = []string{string(StateRetrying), string(StateConnected), string(StateDisconnected)}

// State mirrors the three states of spec.md §4.5's table.
type State string

const (
	StateRetrying     State = "retrying"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Config carries everything needed to establish and pin one reverse tunnel.
type Config struct {
	AgentID       string // labels the fleetbroker_ssh_* metrics and spans
	Host          string
	JumpHosts     []string
	KnownHosts    map[string]string // host -> pinned SHA256 fingerprint (ssh.FingerprintSHA256 form)
	PrivateKey    []byte            // PEM
	AgentPort     int
	RetryInterval time.Duration
}

// Status is the observable state of a Connector, handed to the registry so
// it can be surfaced through the broker admin service.
type Status struct {
	State   State
	Error   string
	NextTry time.Time
	HasNext bool
}

// AcceptFunc is handed the tunneled local byte stream once a session is
// open; it feeds the connection into the agent-listener path exactly as if
// the agent had dialed in directly (spec.md §4.5).
type AcceptFunc func(conn net.Conn)

// OnStatus is invoked whenever a Connector's status changes, so the caller
// can mirror it into the registry (spec.md §3's AgentConnectionStatus).
type OnStatus func(Status)

// Connector supervises one reverse SSH tunnel.
type Connector struct {
	cfg    Config
	accept AcceptFunc
	onStat OnStatus

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	metrics *obs.Metrics
	masker  *secrets.Masker
}

// New builds a Connector; call Run to start its supervisor loop.
func New(cfg Config, accept AcceptFunc, onStat OnStatus) *Connector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}

	masker := secrets.NewMasker()
	masker.AddSecret(string(cfg.PrivateKey))
	for _, fingerprint := range cfg.KnownHosts {
		masker.AddSecret(fingerprint)
	}

	return &Connector{cfg: cfg, accept: accept, onStat: onStat, status: Status{State: StateRetrying}, masker: masker}
}

// SetMetrics wires m into the connector; Run then records connect attempts
// and mirrors state transitions into fleetbroker_ssh_tunnel_state. m may be
// nil, in which case metric recording is skipped.
func (c *Connector) SetMetrics(m *obs.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Status returns the current observable status.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// maskErr scrubs the tunnel's private key and pinned fingerprints out of
// err's message before it is surfaced through Status.Error, which the
// broker admin service returns to backends and which process roots log
// verbatim.
func (c *Connector) maskErr(err error) string {
	return c.masker.Mask(err.Error())
}

func (c *Connector) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	metrics := c.metrics
	c.mu.Unlock()
	if metrics != nil {
		metrics.SetSSHTunnelState(c.cfg.AgentID, tunnelStates, string(s.State))
	}
	if c.onStat != nil {
		c.onStat(s)
	}
}

// Run drives the supervisor loop until ctx is cancelled or Shutdown is
// called. It is intended to run in its own goroutine.
func (c *Connector) Run(ctx context.Context) {
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

		session, err := c.dial(ctx)
		c.mu.Lock()
		metrics := c.metrics
		c.mu.Unlock()
		if metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.RecordSSHConnectAttempt(outcome)
		}
		if err != nil {
			retryable, fatal := classify(err)
			if !retryable {
				c.setStatus(Status{State: StateDisconnected, Error: c.maskErr(err)})
				if fatal {
					return
				}
			} else {
				next := time.Now().Add(c.cfg.RetryInterval)
				c.setStatus(Status{State: StateDisconnected, Error: c.maskErr(err), NextTry: next, HasNext: true})
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		c.setStatus(Status{State: StateConnected})
		c.serve(ctx, session)
		session.Close()
		// serve returned: connection dropped. Loop to retry.
	}
}

// dial resolves the host, traverses any jump hosts, authenticates and
// verifies the pinned host key, and returns the established *ssh.Client.
func (c *Connector) dial(ctx context.Context) (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey(c.cfg.PrivateKey)
	if err != nil {
		return nil, nonRetryableError{fmt.Errorf("sshconn: parse private key: %w", err)}
	}

	hostKeyCallback := c.hostKeyCallback()

	clientCfg := &ssh.ClientConfig{
		User:            "fleetbroker",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         15 * time.Second,
	}

	dialer := func(network, addr string) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, network, addr)
	}

	var client *ssh.Client
	hop := c.cfg.Host
	var lastConn net.Conn

	for i, jump := range append(append([]string{}, c.cfg.JumpHosts...), hop) {
		var conn net.Conn
		var err error
		if i == 0 && client == nil {
			conn, err = dialer("tcp", jump)
		} else {
			conn, err = client.Dial("tcp", jump)
		}
		if err != nil {
			return nil, fmt.Errorf("sshconn: dial %s: %w", jump, err)
		}
		ncc, chans, reqs, err := ssh.NewClientConn(conn, jump, clientCfg)
		if err != nil {
			conn.Close()
			if isAuthOrHostKeyError(err) {
				return nil, nonRetryableError{err}
			}
			return nil, err
		}
		client = ssh.NewClient(ncc, chans, reqs)
		lastConn = conn
	}
	_ = lastConn
	return client, nil
}

// hostKeyCallback pins against the configured known-hosts fingerprint map
// (spec.md §6's `known_hosts: Map<host, fingerprint>`); a mismatch or
// absent entry is fatal (non-retryable), never silently accepted (spec.md
// §4.5, §8 "SSH pinning").
func (c *Connector) hostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		pinned, ok := c.cfg.KnownHosts[hostname]
		if !ok {
			return nonRetryableError{fmt.Errorf("sshconn: no pinned host key for %s", hostname)}
		}
		if got := ssh.FingerprintSHA256(key); got != pinned {
			return nonRetryableError{fmt.Errorf("sshconn: host key fingerprint mismatch for %s: want %s, got %s", hostname, pinned, got)}
		}
		return nil
	}
}

// serve opens the local-forward channel to the agent port over the
// established session and hands the resulting net.Conn to accept. It
// blocks until the channel closes or ctx is cancelled.
func (c *Connector) serve(ctx context.Context, client *ssh.Client) {
	addr := fmt.Sprintf("127.0.0.1:%d", c.cfg.AgentPort)
	conn, err := client.Dial("tcp", addr)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.accept(conn)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Shutdown signals the supervisor to stop and waits up to 60s for it to
// drain (spec.md §4.5 "a 60s hard cap then aborts it").
func (c *Connector) Shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(60 * time.Second):
	}
}

type nonRetryableError struct{ err error }

func (e nonRetryableError) Error() string { return e.err.Error() }
func (e nonRetryableError) Unwrap() error { return e.err }

// classify reports whether an error from dial should be retried, and
// whether it is fatal enough that the supervisor loop should stop
// entirely (spec.md §4.5: auth failures and host-key mismatches are
// retry=false; the connector still remains in Disconnected state rather
// than exiting, so fatal is only used by Run's internal bookkeeping and
// is currently always false — a non-retryable failure parks the connector
// in Disconnected rather than tearing it down, since an operator may fix
// the pinned key via the admin service and reconnect).
func classify(err error) (retryable bool, fatal bool) {
	var nre nonRetryableError
	if errors.As(err, &nre) {
		return false, false
	}
	return true, false
}

func isAuthOrHostKeyError(err error) bool {
	var nre nonRetryableError
	return errors.As(err, &nre)
}
