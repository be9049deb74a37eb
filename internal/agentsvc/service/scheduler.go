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
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tombee/fleetbroker/internal/agentsvc/scheduler"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/wire"
)

// Pusher forwards one telemetry push to the metrics engine via the
// broker (spec.md §1 "agents push telemetry messages that the broker
// routes to the metrics engine"; §6's AgentToBroker.MetricsEngine{request}).
// It is the agentsvc/client.Client.SendMetrics method; kept as a narrow
// function type here so this package never imports client (which already
// imports service to dispatch Backend{request}s).
type Pusher func(ctx context.Context, method string, params []byte) (wire.Response, error)

// pushMethod names the metrics-engine RPC a collection cycle's result is
// pushed under. The metrics engine's own ingestion logic is out of scope
// (spec.md §1); this name is this implementation's own wire contract for
// that boundary.
const pushMethod = "ingest_tables"

// SetPusher wires the outbound telemetry path into the scheduler's
// recurring collection cycles. Must be called before RunScheduler; a
// Service built by New has no pusher and RunScheduler is then a no-op.
func (s *Service) SetPusher(p Pusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pusher = p
}

// RunScheduler drives one recurring collection cycle at cadence until ctx
// is cancelled (spec.md §4.11, data flow "Agent → scheduler → plugin
// registry → ... → Metrics Engine"). Each cycle calls get_etc_tables for
// every currently-loaded monitoring table and pushes the result via the
// configured Pusher; a cycle with no pusher set, or with no monitoring
// tables loaded, is skipped silently. Intended to run in its own
// goroutine, started once by the process root after SetPusher.
func (s *Service) RunScheduler(ctx context.Context, cadence scheduler.Cadence) {
	driver := scheduler.NewDriver(scheduler.Task{
		Name:    "monitoring_collection",
		Cadence: cadence,
		Run:     s.collectAndPush,
	}, s.log)
	driver.Run(ctx, now())
}

func (s *Service) collectAndPush(ctx context.Context) error {
	s.mu.Lock()
	pusher := s.pusher
	s.mu.Unlock()
	if pusher == nil {
		return nil
	}

	etc := s.manager.Current()
	tableIDs := make([]string, 0, len(etc.Tables))
	for tid, spec := range etc.Tables {
		if spec.Monitoring {
			tableIDs = append(tableIDs, string(tid))
		}
	}
	if len(tableIDs) == 0 {
		return nil
	}

	params, err := json.Marshal(getEtcTablesParams{TableIds: tableIDs, QueryMode: string(pkgspec.ModeMonitoring)})
	if err != nil {
		return err
	}

	resp := s.Handle(ctx, wire.Request{
		RequestId: wire.RequestId(uuid.NewString()),
		Method:    "get_etc_tables",
		Params:    params,
	})
	if resp.Err != nil {
		s.log.Warn("scheduled collection cycle failed", slog.String("error", resp.Err.Message))
		return nil
	}

	if _, err := pusher(ctx, pushMethod, resp.Result); err != nil {
		s.log.Warn("telemetry push failed", slog.Any("error", err))
	}
	return nil
}
