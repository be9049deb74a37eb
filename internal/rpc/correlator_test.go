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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/pkg/wire"
)

func TestCorrelator_MatchesResponseByRequestID(t *testing.T) {
	var sent wire.Request
	c := NewCorrelator(func(req wire.Request) error {
		sent = req
		go c.Complete(wire.Response{RequestId: req.RequestId, Result: []byte(`"ok"`)})
		return nil
	})

	resp, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, sent.RequestId, resp.RequestId)
	assert.Equal(t, `"ok"`, string(resp.Result))
}

func TestCorrelator_SendRejectedSynthesizesError(t *testing.T) {
	c := NewCorrelator(func(req wire.Request) error {
		return errors.New("queue full")
	})

	resp, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	assert.True(t, resp.Err.Retry)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_CancelledCallIgnoresLateResponse(t *testing.T) {
	var reqID wire.RequestId
	c := NewCorrelator(func(req wire.Request) error {
		reqID = req.RequestId
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := c.Call(ctx, "slow", nil)
		assert.ErrorIs(t, err, context.Canceled)
		close(done)
	}()

	// Give Call a moment to register itself before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 0, c.Pending())

	// A late response arriving after cancellation must be a no-op, not a
	// panic or a send into a channel nobody reads.
	c.Complete(wire.Response{RequestId: reqID})
}

func TestCorrelator_DisconnectCompletesAllPendingWithNotConnected(t *testing.T) {
	c := NewCorrelator(func(req wire.Request) error { return nil })

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			resp, err := c.Call(context.Background(), "m", nil)
			if err != nil {
				results <- err
				return
			}
			if resp.Err == nil {
				results <- errors.New("expected error")
				return
			}
			results <- nil
		}()
	}

	require.Eventually(t, func() bool { return c.Pending() == 3 }, time.Second, time.Millisecond)
	c.DisconnectAll()

	for i := 0; i < 3; i++ {
		require.NoError(t, <-results)
	}

	// Calling after disconnect fails fast.
	_, err := c.Call(context.Background(), "m", nil)
	require.Error(t, err)
}
