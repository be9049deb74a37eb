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

// Package planner resolves a requested set of logical tables and a query
// mode into the per-protocol data-table/field requirements the protocol
// plugin registry must satisfy (spec.md §4.7).
package planner

import (
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
)

// QueryMap is Protocol -> ProtoDataTableId -> requested field set, the
// shape run_queries on the protocol plugin registry consumes (spec.md
// §4.6, §4.7 step 5).
type QueryMap map[ids.Protocol]map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}

func (m QueryMap) addField(dataTable ids.DataTableId, field ids.ProtoDataFieldId) {
	tables, ok := m[dataTable.Protocol]
	if !ok {
		tables = make(map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{})
		m[dataTable.Protocol] = tables
	}
	fields, ok := tables[dataTable.Local]
	if !ok {
		fields = make(map[ids.ProtoDataFieldId]struct{})
		tables[dataTable.Local] = fields
	}
	fields[field] = struct{}{}
}

// Result is the outcome of planning: the resolved per-protocol query map
// plus the logical tables that survived mode filtering (the caller needs
// both — the map to drive collection, the table list to know which
// TableSpecs to evaluate afterward).
type Result struct {
	Queries        QueryMap
	SelectedTables []ids.TableId
}

// Plan implements spec.md §4.7 steps 1-5: filter tables and fields by
// mode, record each surviving Data-sourced field's requirement, augment
// with each referenced data table's declared primary key, and produce the
// resulting QueryMap. dataTables supplies primary-key metadata per data
// table (spec.md §4.7 step 4); it may be nil if no primary-key
// augmentation is needed (e.g. in tests).
func Plan(tableIDs []ids.TableId, mode pkgspec.QueryMode, etc pkgspec.Etc, dataTables map[ids.DataTableId]pkgspec.DataTableSpec) Result {
	queries := make(QueryMap)
	var selected []ids.TableId
	touchedTables := make(map[ids.DataTableId]bool)

	for _, tid := range tableIDs {
		table, ok := etc.Tables[tid]
		if !ok || !table.Modes.Applies(mode) {
			continue
		}
		selected = append(selected, tid)

		for _, fid := range table.Fields {
			field, ok := etc.Fields[fid]
			if !ok || !field.Modes.Applies(mode) {
				continue
			}
			if field.Source != pkgspec.SourceData {
				continue
			}
			queries.addField(field.DataTableId, field.DataFieldId.Local)
			touchedTables[field.DataTableId] = true
		}
	}

	// Step 4: augment every touched data table with its primary key
	// fields, required for joins and counter stability regardless of
	// whether any TableSpec explicitly requested them.
	for dtID := range touchedTables {
		spec, ok := dataTables[dtID]
		if !ok {
			continue
		}
		for _, pk := range spec.PrimaryKey {
			if pk.Protocol != dtID.Protocol {
				continue
			}
			queries.addField(dtID, pk.Local)
		}
	}

	return Result{Queries: queries, SelectedTables: selected}
}
