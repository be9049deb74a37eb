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

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRPCDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRPCDispatch("ping", "ok", 5*time.Millisecond)
	m.RecordRPCDispatch("ping", "error", 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCDispatchTotal.WithLabelValues("ping", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCDispatchTotal.WithLabelValues("ping", "error")))
}

func TestSetSSHTunnelState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	states := []string{"retrying", "connected", "disconnected"}
	m.SetSSHTunnelState("agent-1", states, "connected")

	assert.Equal(t, float64(0), testutil.ToFloat64(m.SSHTunnelState.WithLabelValues("agent-1", "retrying")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SSHTunnelState.WithLabelValues("agent-1", "connected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SSHTunnelState.WithLabelValues("agent-1", "disconnected")))

	m.SetSSHTunnelState("agent-1", states, "disconnected")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SSHTunnelState.WithLabelValues("agent-1", "connected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SSHTunnelState.WithLabelValues("agent-1", "disconnected")))
}

func TestRecordQueryCollection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordQueryCollection("etc", 20*time.Millisecond)

	count := testutil.CollectAndCount(m.QueryCollectionDuration)
	require.Equal(t, 1, count)
}
