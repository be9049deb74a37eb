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

package service

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	obs "github.com/tombee/fleetbroker/internal/observability"
	obstracing "github.com/tombee/fleetbroker/internal/observability/tracing"
	"github.com/tombee/fleetbroker/pkg/wire"
)

func TestHandle_RecordsMetricsAndSpan(t *testing.T) {
	s := newTestService(t)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	exporter := tracetest.NewInMemoryExporter()
	provider, err := obstracing.NewProvider("fleetbroker-agent", "test", sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	s.SetObservability(metrics, provider.Tracer("agentsvc"))

	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "ping"})
	require.Nil(t, resp.Err)

	require.NoError(t, provider.ForceFlush(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RPCDispatchTotal.WithLabelValues("ping", "ok")))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "rpc.dispatch", spans[0].Name)
}

func TestHandle_RecordsErrorOutcome(t *testing.T) {
	s := newTestService(t)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	s.SetObservability(metrics, nil)

	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "no_such_method"})
	require.NotNil(t, resp.Err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RPCDispatchTotal.WithLabelValues("no_such_method", "error")))
}
