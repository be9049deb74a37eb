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

// Package plugin holds the agent-side protocol plugin registry (spec.md
// §4.6): the Protocol -> Plugin map, the type-erased plugin boundary each
// concrete protocol driver implements, and the adaptation of plugin errors
// into per-data-table failures that leave the rest of a batch unaffected.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

// ProtoRow is one row as a protocol plugin produces it: protocol-local
// field ids, not yet qualified into DataFieldIds (the registry does that
// qualification on the way out, since it alone knows which protocol a
// plugin answers for).
type ProtoRow map[ids.ProtoDataFieldId]value.Data

// QueryMap is the per-protocol table/field request shape the query
// planner produces (spec.md §4.7 step 5) and a Plugin's RunQueries
// consumes.
type QueryMap map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}

// TableOutcome is one data table's query result: either rows (with
// non-fatal warnings) or an error scoped to that table alone.
type TableOutcome struct {
	Rows     []ProtoRow
	Warnings []string
	Err      error
}

// Plugin is the type-erased boundary every protocol driver implements,
// whether it runs in-process or proxies to a remote agent-side process
// over an RPC channel (spec.md §4.6, "Trait-objectified plugins" in
// §9's implementation notes) — both are interchangeable to the registry
// and its callers.
type Plugin interface {
	// Protocol identifies which Protocol this plugin answers for.
	Protocol() ids.Protocol

	// LoadInputs accumulates this plugin's per-package contributions into
	// a combined typed configuration. A structurally incompatible input
	// fails the call; the registry then fails the whole reload rather
	// than run with a partially loaded plugin (spec.md §4.6,
	// "structural incompatibility fails the whole reload").
	LoadInputs(ctx context.Context, opaqueInputs []any) error

	// Tables and Fields self-describe the data tables/fields this plugin
	// currently exposes, given its most recently loaded inputs (spec.md
	// §4.6 get_tables/get_fields).
	Tables() map[ids.DataTableId]pkgspec.DataTableSpec
	Fields() map[ids.DataFieldId]pkgspec.DataFieldSpec

	// RunQueries executes one collection cycle's worth of requests and
	// returns one TableOutcome per requested table. A table absent from
	// the returned map is treated by the registry as a missing-data-table
	// error, not silently dropped (spec.md §4.6, §7 "Data-table missing
	// from plugin response").
	RunQueries(ctx context.Context, queries QueryMap) map[ids.ProtoDataTableId]TableOutcome
}

// Enumerator is an optional capability a Plugin may additionally implement
// to answer one-off inventory discovery RPCs (spec.md §6: snmp_get_table,
// the VMware/MSGraph/Azure cloud enumerations) issued ahead of writing a
// monitoring package, rather than against already-loaded table/field ids
// the way RunQueries is. op distinguishes a plugin's several enumeration
// operations (e.g. azureapi's list_tenants vs list_subscriptions); params
// is the RPC's raw, operation-specific argument object.
type Enumerator interface {
	Enumerate(ctx context.Context, op string, params json.RawMessage) (any, error)
}
