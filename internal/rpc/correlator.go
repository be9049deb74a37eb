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

package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// SendFunc enqueues req on the channel's outbound queue. It returns an error
// if the queue rejected the send (e.g. it is full); the correlator never
// blocks waiting for a SendFunc to succeed, matching spec.md §5's "queue-full
// is surfaced, not awaited".
type SendFunc func(req wire.Request) error

// pending is the bookkeeping for one in-flight request awaiting a response.
type pending struct {
	ch chan wire.Response
}

// Correlator assigns fresh request ids for one logical duplex channel, holds
// pending requests in a req_id -> waiter table, and completes waiters when a
// matching Response arrives (or synthesizes one on send failure or peer
// disconnect). One Correlator instance serves one connection.
type Correlator struct {
	send SendFunc

	nextID atomic.Uint64

	mu      sync.Mutex
	waiting map[wire.RequestId]*pending
	closed  bool
}

// NewCorrelator builds a Correlator that dispatches outbound requests via
// send.
func NewCorrelator(send SendFunc) *Correlator {
	return &Correlator{
		send:    send,
		waiting: make(map[wire.RequestId]*pending),
	}
}

// nextRequestId assigns a fresh, monotonically increasing request id unique
// within this channel's lifetime.
func (c *Correlator) nextRequestId() wire.RequestId {
	n := c.nextID.Add(1)
	return wire.RequestId(uint64ToID(n))
}

// uint64ToID renders n as a compact base-36 string, purely to keep ids short
// on the wire; any injective rendering would do.
func uint64ToID(n uint64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var buf [13]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%36]
		n /= 36
	}
	return string(buf[i:])
}

// Call assigns a request id to method/params, dispatches it via SendFunc,
// and blocks until a matching Response arrives, ctx is cancelled, or the
// channel is torn down (DisconnectAll/Close). Dropping the awaiting
// goroutine (ctx cancellation) removes the pending entry; a response that
// arrives later is discarded as a no-op (spec.md §8 "RPC correlation").
func (c *Correlator) Call(ctx context.Context, method string, params []byte) (wire.Response, error) {
	reqID := c.nextRequestId()
	req := wire.Request{RequestId: reqID, Method: method, Params: params}

	waiter := &pending{ch: make(chan wire.Response, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Response{}, errors.NewNotConnected("rpc: channel closed")
	}
	c.waiting[reqID] = waiter
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		// At-most-once dispatch: a rejected send synthesizes an error
		// response immediately rather than retrying.
		c.mu.Lock()
		delete(c.waiting, reqID)
		c.mu.Unlock()
		return wire.Response{
			RequestId: reqID,
			Err:       errors.NewQueueFull("rpc: send rejected: " + err.Error()),
		}, nil
	}

	select {
	case resp := <-waiter.ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiting, reqID)
		c.mu.Unlock()
		return wire.Response{}, ctx.Err()
	}
}

// Complete routes an inbound Response to its waiting Call, if any. A
// response whose request id has no (or no longer has a) waiter is silently
// dropped — it either raced a cancellation or belongs to a stale/duplicate
// reply.
func (c *Correlator) Complete(resp wire.Response) {
	c.mu.Lock()
	waiter, ok := c.waiting[resp.RequestId]
	if ok {
		delete(c.waiting, resp.RequestId)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	waiter.ch <- resp
}

// DisconnectAll completes every pending waiter with a "not connected" error
// and marks the correlator closed, so subsequent Call attempts fail fast.
// Called once, when the underlying connection drops.
func (c *Correlator) DisconnectAll() {
	c.mu.Lock()
	c.closed = true
	waiters := c.waiting
	c.waiting = make(map[wire.RequestId]*pending)
	c.mu.Unlock()

	for id, w := range waiters {
		w.ch <- wire.Response{
			RequestId: id,
			Err:       errors.NewNotConnected("rpc: peer disconnected"),
		}
	}
}

// Pending reports the number of in-flight requests; exposed for tests and
// diagnostics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}
