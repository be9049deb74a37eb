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

// Package service implements the agent's top-level RPC surface (spec.md
// §4.12, §6): the request handler an agent channel dispatches inbound
// wire.Request envelopes to, centered on get_etc_tables (planner ->
// protocol plugin registry -> query engine -> expression evaluator ->
// counter store) alongside package lifecycle, descriptive accessors and
// network probing methods. It is grounded on the shape of the teacher's
// RPC surfaces (method name -> typed params/result, structured
// pkg/errors.WireError on failure) though the teacher itself never
// centralized them behind one dispatch table the way this agent does.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/fleetbroker/internal/counter"
	"github.com/tombee/fleetbroker/internal/expr"
	"github.com/tombee/fleetbroker/internal/loader"
	obs "github.com/tombee/fleetbroker/internal/observability"
	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/observability"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// Well-known, service-specific wire error codes, alongside the shared ones
// in pkg/errors.
const (
	codeMethodNotFound = "method_not_found"
	codeInvalidParams  = "invalid_params"
	codeShuttingDown   = "shutting_down"
)

// Config is the agent's live configuration blob, returned verbatim by the
// config() RPC and consulted by Shutdown for the counter-store path.
type Config struct {
	CounterStorePath string            `json:"counter_store_path"`
	PackageDir       string            `json:"package_dir"`
	Properties       map[string]string `json:"properties,omitempty"`
}

// Service holds every collaborator the agent RPC surface needs and
// dispatches inbound requests to the matching handler.
type Service struct {
	manager   *loader.Manager
	registry  *plugin.Registry
	evaluator *expr.Evaluator
	counters  *counter.Store
	log       *slog.Logger

	mu       sync.Mutex
	cfg      Config
	draining bool
	inflight sync.WaitGroup

	metrics *obs.Metrics
	tracer  observability.Tracer
	pusher  Pusher
}

// SetObservability wires RPC dispatch metrics and tracing (spec.md §4.2)
// into Handle. Both m and tracer may be nil, in which case the
// corresponding instrumentation is skipped; a Service built by New has
// neither set.
func (s *Service) SetObservability(m *obs.Metrics, tracer observability.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
	s.tracer = tracer
}

// New builds a Service wired to its collaborators.
func New(manager *loader.Manager, registry *plugin.Registry, evaluator *expr.Evaluator, counters *counter.Store, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		manager:   manager,
		registry:  registry,
		evaluator: evaluator,
		counters:  counters,
		cfg:       cfg,
		log:       log.With(slog.String("component", "agentsvc")),
	}
}

type handlerFunc func(ctx context.Context, s *Service, params json.RawMessage) (any, *errors.WireError)

// methods is the dispatch table; every RPC the agent exposes (spec.md §6)
// is registered here under its wire method name.
var methods = map[string]handlerFunc{
	"ping":           handlePing,
	"shutdown":       handleShutdown,
	"config":         handleConfig,
	"install":        handleInstall,
	"uninstall":      handleUninstall,
	"load_pkg":       handleLoadPkg,
	"unload_pkg":     handleUnloadPkg,
	"loaded_pkgs":    handleLoadedPkgs,
	"get_etc_tables": handleGetEtcTables,

	"hostname":  handleHostname,
	"host_ips":  handleHostIPs,
	"os":        handleOS,
	"ip_routes": handleIPRoutes,
	"arp_cache": handleARPCache,

	"dns_lookup":       handleDNSLookup,
	"dns_lookup_batch": handleDNSLookupBatch,
	"ping_hosts":       handlePingHosts,
	"nping_host":       handleNpingHost,
	"traceroute":       handleTraceroute,
	"port_scan":        handlePortScan,

	"snmp_get_table":              handleSNMPGetTable,
	"vmware_get_managed_entities": handleVMwareGetManagedEntities,
	"msgraph_list_organizations":  handleMSGraphListOrganizations,
	"azure_list_tenants":          handleAzureListTenants,
	"azure_list_subscriptions":    handleAzureListSubscriptions,
	"azure_list_resourcegroups":   handleAzureListResourceGroups,
	"azure_list_resources":        handleAzureListResources,
}

// Handle dispatches req to its registered method, marshalling the result
// (or structured error) into a Response correlated by RequestId.
func (s *Service) Handle(ctx context.Context, req wire.Request) wire.Response {
	s.mu.Lock()
	metrics, tracer := s.metrics, s.tracer
	s.mu.Unlock()

	start := now()
	var span observability.SpanHandle
	if tracer != nil {
		ctx, span = tracer.Start(ctx, "rpc.dispatch",
			observability.WithSpanKind(observability.SpanKindServer),
			observability.WithAttributes(map[string]any{"rpc.method": req.Method}),
		)
	}

	resp := s.dispatch(ctx, req)

	outcome := "ok"
	if resp.Err != nil {
		outcome = "error"
	}
	if span != nil {
		if resp.Err != nil {
			span.SetStatus(observability.StatusCodeError, resp.Err.Message)
		} else {
			span.SetStatus(observability.StatusCodeOK, "")
		}
		span.End()
	}
	if metrics != nil {
		metrics.RecordRPCDispatch(req.Method, outcome, now().Sub(start))
	}
	return resp
}

func (s *Service) dispatch(ctx context.Context, req wire.Request) wire.Response {
	h, ok := methods[req.Method]
	if !ok {
		return wire.Response{
			RequestId: req.RequestId,
			Err:       &errors.WireError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)},
		}
	}

	s.mu.Lock()
	draining := s.draining
	if !draining {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if draining {
		return wire.Response{
			RequestId: req.RequestId,
			Err:       &errors.WireError{Code: codeShuttingDown, Message: "agent is shutting down", Retry: true},
		}
	}
	defer s.inflight.Done()

	result, wireErr := h(ctx, s, req.Params)
	if wireErr != nil {
		return wire.Response{RequestId: req.RequestId, Err: wireErr}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return wire.Response{
			RequestId: req.RequestId,
			Err:       &errors.WireError{Code: "encode_error", Message: err.Error()},
		}
	}
	return wire.Response{RequestId: req.RequestId, Result: encoded}
}

func decodeParams(raw json.RawMessage, v any) *errors.WireError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &errors.WireError{Code: codeInvalidParams, Message: err.Error()}
	}
	return nil
}

func now() time.Time { return time.Now() }
