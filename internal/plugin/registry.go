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

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tombee/fleetbroker/internal/queryengine"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
)

// Registry holds Protocol -> Plugin (spec.md §4.6). It is the sole
// collaborator between the query planner/engine and concrete protocol
// drivers, and the place response adaptation (DataTableError, missing-table
// promotion) happens so callers never see a raw plugin error shape.
type Registry struct {
	mu      sync.RWMutex
	plugins map[ids.Protocol]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[ids.Protocol]Plugin)}
}

// Register adds or replaces the plugin for its declared protocol.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Protocol()] = p
}

// Get retrieves the plugin registered for a protocol, if any.
func (r *Registry) Get(proto ids.Protocol) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[proto]
	return p, ok
}

// Enumerate looks up the plugin registered for protocol and, if it
// implements Enumerator, delegates op/params to it, the same
// protocol-keyed dispatch RunQueries uses for the steady-state collection
// path. A protocol with no registered plugin, or whose plugin doesn't
// implement Enumerator, reports ErrNoEnumerator rather than panicking.
func (r *Registry) Enumerate(ctx context.Context, protocol ids.Protocol, op string, params json.RawMessage) (any, error) {
	p, ok := r.Get(protocol)
	if !ok {
		return nil, fmt.Errorf("%w: no plugin registered for protocol %q", ErrNoEnumerator, protocol)
	}
	en, ok := p.(Enumerator)
	if !ok {
		return nil, fmt.Errorf("%w: protocol %q plugin", ErrNoEnumerator, protocol)
	}
	return en.Enumerate(ctx, op, params)
}

// LoadInputs dispatches each protocol's accumulated opaque package
// contributions to its plugin. A structural incompatibility in any one
// plugin fails the whole reload (spec.md §4.6); the caller (the package
// loader) is expected to treat the prior, already-loaded spec as still
// current on error, per the atomic load/unload invariant of spec.md §3.
func (r *Registry) LoadInputs(ctx context.Context, inputsByProtocol map[ids.Protocol][]any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for proto, inputs := range inputsByProtocol {
		p, ok := r.plugins[proto]
		if !ok {
			return fmt.Errorf("plugin: no plugin registered for protocol %q", proto)
		}
		if err := p.LoadInputs(ctx, inputs); err != nil {
			return fmt.Errorf("plugin: protocol %q rejected combined input: %w", proto, err)
		}
	}
	return nil
}

// Describe aggregates get_tables/get_fields self-description across every
// registered plugin (spec.md §4.6), the shape the query planner and
// engine need to resolve field sources and join primary keys.
func (r *Registry) Describe() (map[ids.DataTableId]pkgspec.DataTableSpec, map[ids.DataFieldId]pkgspec.DataFieldSpec) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tables := make(map[ids.DataTableId]pkgspec.DataTableSpec)
	fields := make(map[ids.DataFieldId]pkgspec.DataFieldSpec)
	for _, p := range r.plugins {
		for id, spec := range p.Tables() {
			tables[id] = spec
		}
		for id, spec := range p.Fields() {
			fields[id] = spec
		}
	}
	return tables, fields
}

// RunQueries dispatches a planner.QueryMap-shaped request (spec.md §4.7
// step 5) grouped by protocol to each plugin, then qualifies and adapts
// every result with protocol-local ids translated to their qualified
// DataTableId/DataFieldId form. The returned map's values are either a
// successful Annotated[[]Row] or a *DataTableError describing what went
// wrong for exactly that table (spec.md §7 "Plugin error" / "Data-table
// missing from plugin response" — both are per-table, never whole-batch).
// Use AsFetch to adapt the result into a queryengine.Fetch.
func (r *Registry) RunQueries(ctx context.Context, queries map[ids.Protocol]map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}) map[ids.DataTableId]TableResult {
	r.mu.RLock()
	plugins := make(map[ids.Protocol]Plugin, len(queries))
	for proto := range queries {
		if p, ok := r.plugins[proto]; ok {
			plugins[proto] = p
		}
	}
	r.mu.RUnlock()

	out := make(map[ids.DataTableId]TableResult)

	for proto, tables := range queries {
		p, ok := plugins[proto]
		if !ok {
			for localTable := range tables {
				dtID := ids.DataTableId{Protocol: proto, Local: localTable}
				out[dtID] = TableResult{Err: &DataTableError{
					Origin:   OriginProtocol,
					Protocol: proto,
					Err:      fmt.Errorf("no plugin registered"),
				}}
			}
			continue
		}

		results := p.RunQueries(ctx, QueryMap(tables))
		for localTable := range tables {
			dtID := ids.DataTableId{Protocol: proto, Local: localTable}
			outcome, ok := results[localTable]
			if !ok {
				out[dtID] = TableResult{Err: errMissingDataTable(dtID)}
				continue
			}
			if outcome.Err != nil {
				out[dtID] = TableResult{Err: &DataTableError{
					Origin:      OriginDataTable,
					Protocol:    proto,
					DataTableId: dtID,
					Err:         outcome.Err,
				}}
				continue
			}
			out[dtID] = TableResult{
				Rows:     queryengine.Annotated[[]queryengine.Row]{Value: qualifyRows(proto, outcome.Rows), Warnings: qualifyWarnings(outcome.Warnings)},
			}
		}
	}
	return out
}

// TableResult is one data table's outcome from RunQueries: exactly one of
// Rows (success) or Err (scoped to this table) is populated.
type TableResult struct {
	Rows queryengine.Annotated[[]queryengine.Row]
	Err  error
}

// AsFetch adapts a RunQueries result into the queryengine.Fetch shape the
// query engine's Execute consumes.
func AsFetch(results map[ids.DataTableId]TableResult) queryengine.Fetch {
	return func(id ids.DataTableId) (queryengine.Annotated[[]queryengine.Row], error) {
		r, ok := results[id]
		if !ok {
			return queryengine.Annotated[[]queryengine.Row]{}, queryengine.ErrDoesntExist
		}
		if r.Err != nil {
			return queryengine.Annotated[[]queryengine.Row]{}, r.Err
		}
		return r.Rows, nil
	}
}

func qualifyRows(proto ids.Protocol, rows []ProtoRow) []queryengine.Row {
	out := make([]queryengine.Row, 0, len(rows))
	for _, pr := range rows {
		row := make(queryengine.Row, len(pr))
		for localField, d := range pr {
			row[ids.DataFieldId{Protocol: proto, Local: localField}] = d
		}
		out = append(out, row)
	}
	return out
}

func qualifyWarnings(msgs []string) []queryengine.Warning {
	out := make([]queryengine.Warning, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, queryengine.Warning{Severity: queryengine.SeverityWarning, Message: m})
	}
	return out
}
