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

// Package registry holds the broker's per-tenant runtime state (spec.md
// §3 "Runtime broker node"): the backend egress channel, the metrics-engine
// egress channel, and one egress channel plus connection status per
// attached agent. It is the sole place where backend, agent and
// metrics-engine channels intersect — the cycle-breaking choke point
// spec.md §9 calls for — guarded by a single reader-writer lock that is
// never held across a suspension point.
package registry

import (
	"sync"
	"time"

	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// Egress is a bounded, non-blocking outbound queue for one connection's
// writer task. Send returns an error immediately if the queue is full;
// callers never await capacity (spec.md §5).
type Egress[T any] struct {
	ch chan T
}

// NewEgress builds a bounded Egress with the given capacity.
func NewEgress[T any](capacity int) *Egress[T] {
	return &Egress[T]{ch: make(chan T, capacity)}
}

// Send enqueues v without blocking; it fails with ErrQueueFull if the queue
// is at capacity.
func (e *Egress[T]) Send(v T) error {
	select {
	case e.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// Chan exposes the receive side for the connection's writer task.
func (e *Egress[T]) Chan() <-chan T { return e.ch }

// ErrQueueFull is returned by Egress.Send when the bounded queue is at
// capacity.
var ErrQueueFull = egressFullError{}

type egressFullError struct{}

func (egressFullError) Error() string { return "registry: egress queue full" }

// AgentConnectionState tags the three states an agent's connection can be
// in (spec.md §3).
type AgentConnectionState string

const (
	StateConnected    AgentConnectionState = "connected"
	StateDisconnected AgentConnectionState = "disconnected"
	StateRetrying     AgentConnectionState = "retrying"
)

// AgentConnectionStatus is the observable status of one agent's connection,
// surfaced through the broker admin service.
type AgentConnectionStatus struct {
	State    AgentConnectionState
	Since    time.Time
	Error    string
	NextTry  time.Time
	HasNext  bool
}

// AgentEntry is the per-agent slice of a Node: its egress queue (nil when
// disconnected) and its connection status.
type AgentEntry struct {
	Egress *Egress[wire.BrokerToAgent]
	Status AgentConnectionStatus
}

// Node is the runtime state the broker keeps for a single OrgId.
type Node struct {
	Backend       *Egress[wire.BrokerToBackend]
	MetricsEngine *Egress[wire.BrokerToMetricsEngine]
	Agents        map[ids.AgentId]*AgentEntry
}

func newNode() *Node {
	return &Node{Agents: make(map[ids.AgentId]*AgentEntry)}
}

// Registry is the single source of truth for OrgId -> Node mappings. All
// mutation happens under Registry's lock, held only for the duration of a
// single envelope dispatch or admission decision, never across I/O.
type Registry struct {
	mu    sync.RWMutex
	nodes map[ids.OrgId]*Node
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[ids.OrgId]*Node)}
}

// nodeLocked returns (creating if absent) the Node for org. Callers must
// hold mu for writing.
func (r *Registry) nodeLocked(org ids.OrgId) *Node {
	n, ok := r.nodes[org]
	if !ok {
		n = newNode()
		r.nodes[org] = n
	}
	return n
}

// AttachBackend registers backend as the sole backend egress for org. It
// returns false if a backend is already attached (at-most-one admission,
// spec.md §4.3).
func (r *Registry) AttachBackend(org ids.OrgId, egress *Egress[wire.BrokerToBackend]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodeLocked(org)
	if n.Backend != nil {
		return false
	}
	n.Backend = egress
	return true
}

// DetachBackend removes the backend egress for org, if it is the one
// passed in (guards against a stale detach racing a new connection).
func (r *Registry) DetachBackend(org ids.OrgId, egress *Egress[wire.BrokerToBackend]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[org]
	if !ok || n.Backend != egress {
		return
	}
	n.Backend = nil
}

// BackendEgress returns the backend egress for org, or nil if none is
// attached.
func (r *Registry) BackendEgress(org ids.OrgId) *Egress[wire.BrokerToBackend] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return nil
	}
	return n.Backend
}

// AttachMetricsEngine registers egress as the sole metrics-engine egress
// for org. Returns false if one is already attached.
func (r *Registry) AttachMetricsEngine(org ids.OrgId, egress *Egress[wire.BrokerToMetricsEngine]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodeLocked(org)
	if n.MetricsEngine != nil {
		return false
	}
	n.MetricsEngine = egress
	return true
}

// DetachMetricsEngine removes the metrics-engine egress for org if it
// matches egress.
func (r *Registry) DetachMetricsEngine(org ids.OrgId, egress *Egress[wire.BrokerToMetricsEngine]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[org]
	if !ok || n.MetricsEngine != egress {
		return
	}
	n.MetricsEngine = nil
}

// MetricsEngineEgress returns the metrics-engine egress for org, or nil.
func (r *Registry) MetricsEngineEgress(org ids.OrgId) *Egress[wire.BrokerToMetricsEngine] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return nil
	}
	return n.MetricsEngine
}

// AttachAgent registers egress for (org, agent), marking it Connected. It
// returns false if an agent is already attached under that key (at-most-one
// admission, spec.md §4.3), and reports whether a backend is currently
// attached (the caller uses this to decide whether to emit AgentConnected).
func (r *Registry) AttachAgent(org ids.OrgId, agent ids.AgentId, egress *Egress[wire.BrokerToAgent]) (attached, backendPresent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodeLocked(org)
	if entry, ok := n.Agents[agent]; ok && entry.Egress != nil {
		return false, n.Backend != nil
	}
	n.Agents[agent] = &AgentEntry{
		Egress: egress,
		Status: AgentConnectionStatus{State: StateConnected, Since: now()},
	}
	return true, n.Backend != nil
}

// DetachAgent marks (org, agent) disconnected, recording cause (may be
// empty) and clearing its egress. It no-ops if the entry isn't present or
// its egress doesn't match (a stale detach racing a reconnect).
func (r *Registry) DetachAgent(org ids.OrgId, agent ids.AgentId, egress *Egress[wire.BrokerToAgent], cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[org]
	if !ok {
		return
	}
	entry, ok := n.Agents[agent]
	if !ok || entry.Egress != egress {
		return
	}
	entry.Egress = nil
	entry.Status = AgentConnectionStatus{State: StateDisconnected, Since: now(), Error: cause}
}

// SetAgentStatus overwrites the connection status of (org, agent) without
// touching its egress; used by the SSH connector to reflect Retrying /
// Disconnected{next_try} states between connection attempts.
func (r *Registry) SetAgentStatus(org ids.OrgId, agent ids.AgentId, status AgentConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodeLocked(org)
	entry, ok := n.Agents[agent]
	if !ok {
		entry = &AgentEntry{}
		n.Agents[agent] = entry
	}
	entry.Status = status
}

// AgentEgress returns the egress channel for (org, agent), or nil if not
// connected.
func (r *Registry) AgentEgress(org ids.OrgId, agent ids.AgentId) *Egress[wire.BrokerToAgent] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return nil
	}
	entry, ok := n.Agents[agent]
	if !ok {
		return nil
	}
	return entry.Egress
}

// AgentStatus returns the connection status of (org, agent) and whether an
// entry exists at all.
func (r *Registry) AgentStatus(org ids.OrgId, agent ids.AgentId) (AgentConnectionStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return AgentConnectionStatus{}, false
	}
	entry, ok := n.Agents[agent]
	if !ok {
		return AgentConnectionStatus{}, false
	}
	return entry.Status, true
}

// ConnectedAgents returns the ids of every agent under org currently
// connected (non-nil egress), used to replay AgentConnected events to a
// newly attached backend (spec.md §4.3, §8 "Event replay").
func (r *Registry) ConnectedAgents(org ids.OrgId) []ids.AgentId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return nil
	}
	out := make([]ids.AgentId, 0, len(n.Agents))
	for id, entry := range n.Agents {
		if entry.Egress != nil {
			out = append(out, id)
		}
	}
	return out
}

// AllAgentStatuses returns a snapshot of every agent entry under org,
// connected or not, for the broker admin service's get_connected_agents.
func (r *Registry) AllAgentStatuses(org ids.OrgId) map[ids.AgentId]AgentConnectionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[org]
	if !ok {
		return nil
	}
	out := make(map[ids.AgentId]AgentConnectionStatus, len(n.Agents))
	for id, entry := range n.Agents {
		out[id] = entry.Status
	}
	return out
}

// now is a var so tests can stub time without a full clock abstraction.
var now = func() time.Time { return time.Now().UTC() }
