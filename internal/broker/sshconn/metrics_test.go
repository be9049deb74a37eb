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

package sshconn

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	obs "github.com/tombee/fleetbroker/internal/observability"
)

func TestSetMetrics_MirrorsStateTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	c := New(Config{AgentID: "agent-1"}, nil, nil)
	c.SetMetrics(metrics)

	c.setStatus(Status{State: StateConnected})
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SSHTunnelState.WithLabelValues("agent-1", "connected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SSHTunnelState.WithLabelValues("agent-1", "retrying")))

	c.setStatus(Status{State: StateDisconnected})
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SSHTunnelState.WithLabelValues("agent-1", "connected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SSHTunnelState.WithLabelValues("agent-1", "disconnected")))
}
