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
	"sort"
	"time"

	"github.com/tombee/fleetbroker/internal/counter"
	"github.com/tombee/fleetbroker/internal/expr"
	"github.com/tombee/fleetbroker/internal/planner"
	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/internal/plugin/azureapi"
	"github.com/tombee/fleetbroker/internal/plugin/cloudaws"
	"github.com/tombee/fleetbroker/internal/plugin/netutil"
	"github.com/tombee/fleetbroker/internal/plugin/shellexec"
	"github.com/tombee/fleetbroker/internal/queryengine"
	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

type getEtcTablesParams struct {
	TableIds          []string                   `json:"table_ids"`
	QueryMode         string                     `json:"query_mode"`
	PerProtocolConfig map[string]json.RawMessage `json:"per_protocol_config,omitempty"`
}

// tableOutcome is the wire rendering of Annotated<[]Row, Warning, Error>
// for one logical table (spec.md §6 get_etc_tables result type).
type tableOutcome struct {
	Rows     []map[string]value.Data `json:"rows,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type getEtcTablesResult map[string]tableOutcome

// decodePerProtocolConfig unmarshals each protocol's raw ad hoc connection
// config (e.g. SNMP community, a batch of DNS targets, cloud role ARNs)
// into the concrete slice type its plugin's LoadInputs expects. Unknown
// protocols are passed through as a single decoded-to-any element, letting
// future plugins accept arbitrary JSON shapes without a new case here.
func decodePerProtocolConfig(cfg map[string]json.RawMessage) (map[ids.Protocol][]any, error) {
	out := make(map[ids.Protocol][]any, len(cfg))
	for proto, raw := range cfg {
		switch ids.Protocol(proto) {
		case "netutil":
			var targets []netutil.Target
			if err := json.Unmarshal(raw, &targets); err != nil {
				return nil, err
			}
			out[ids.Protocol(proto)] = []any{targets}
		case "azureapi":
			var tenants []azureapi.Tenant
			if err := json.Unmarshal(raw, &tenants); err != nil {
				return nil, err
			}
			out[ids.Protocol(proto)] = []any{tenants}
		case "cloudaws":
			var roles []cloudaws.RoleTarget
			if err := json.Unmarshal(raw, &roles); err != nil {
				return nil, err
			}
			out[ids.Protocol(proto)] = []any{roles}
		case "shellexec":
			var targets []shellexec.Target
			if err := json.Unmarshal(raw, &targets); err != nil {
				return nil, err
			}
			out[ids.Protocol(proto)] = []any{targets}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			out[ids.Protocol(proto)] = []any{v}
		}
	}
	return out, nil
}

func handleGetEtcTables(ctx context.Context, s *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p getEtcTablesParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}

	mode := pkgspec.QueryMode(p.QueryMode)
	if mode == "" {
		mode = pkgspec.ModeMonitoring
	}

	if len(p.PerProtocolConfig) > 0 {
		inputs, err := decodePerProtocolConfig(p.PerProtocolConfig)
		if err != nil {
			return nil, &errors.WireError{Code: codeInvalidParams, Message: err.Error()}
		}
		if err := s.registry.LoadInputs(ctx, inputs); err != nil {
			return nil, &errors.WireError{Code: "plugin_rejected_inputs", Message: err.Error()}
		}
	}

	etc := s.manager.Current()
	dataTables, dataFields := s.registry.Describe()

	tableIDs := make([]ids.TableId, len(p.TableIds))
	for i, t := range p.TableIds {
		tableIDs[i] = ids.TableId(t)
	}

	plan := planner.Plan(tableIDs, mode, etc, dataTables)
	results := s.registry.RunQueries(ctx, plan.Queries)
	fetch := plugin.AsFetch(results)

	s.counters.BeginCycle()
	cycleTime := now()

	out := make(getEtcTablesResult, len(plan.SelectedTables))
	for _, tid := range plan.SelectedTables {
		spec, ok := etc.Tables[tid]
		if !ok {
			continue
		}
		out[string(tid)] = evaluateTable(s, etc, spec, dataTables, dataFields, fetch, cycleTime)
	}

	// Persist the counter store at cycle completion; a failed write is
	// logged and does not fail the collection.
	s.mu.Lock()
	path := s.cfg.CounterStorePath
	s.mu.Unlock()
	if path != "" {
		if err := s.counters.Save(path); err != nil {
			s.log.Warn("failed to save counter store after collection cycle", "path", path, "error", err)
		}
	}
	return out, nil
}

func evaluateTable(s *Service, etc pkgspec.Etc, spec pkgspec.TableSpec, dataTables map[ids.DataTableId]pkgspec.DataTableSpec, dataFields map[ids.DataFieldId]pkgspec.DataFieldSpec, fetch queryengine.Fetch, cycleTime time.Time) tableOutcome {
	q, ok := etc.Queries[spec.Query]
	if !ok {
		return tableOutcome{Error: "query " + string(spec.Query) + " not found"}
	}
	prepared, err := queryengine.Prepare(&q, dataTables, dataFields)
	if err != nil {
		return tableOutcome{Error: err.Error()}
	}
	result, err := queryengine.Execute(prepared, fetch)
	if err != nil {
		return tableOutcome{Error: err.Error()}
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, string(w.Severity)+": "+w.Message)
	}

	rows := make([]map[string]value.Data, 0, len(result.Value))
	for _, row := range result.Value {
		rows = append(rows, evaluateRow(s, etc, spec, row, cycleTime))
	}
	return tableOutcome{Rows: rows, Warnings: warnings}
}

func evaluateRow(s *Service, etc pkgspec.Etc, spec pkgspec.TableSpec, row queryengine.Row, cycleTime time.Time) map[string]value.Data {
	var cells []expr.Cell
	var configFields []ids.FieldId

	for _, fid := range spec.Fields {
		field, ok := etc.Fields[fid]
		if !ok {
			continue
		}
		switch field.Source {
		case pkgspec.SourceData:
			input, present := row[field.DataFieldId]
			cells = append(cells, expr.Cell{
				Field:        fid,
				Expr:         field.DataExpr,
				DataInput:    input,
				HasDataInput: present,
				InputType:    field.InputType,
				UseCounter:   field.Counter != "",
				CounterKind:  counterKindOf(field.Counter),
			})
		case pkgspec.SourceFormula:
			cells = append(cells, expr.Cell{
				Field:     fid,
				Expr:      field.FormulaExpr,
				InputType: field.InputType,
			})
		case pkgspec.SourceConfig:
			configFields = append(configFields, fid)
		}
	}

	computed := s.evaluator.EvaluateRow(cells, string(spec.ID), cycleTime, s.counters)

	for _, fid := range configFields {
		field := etc.Fields[fid]
		rules := mergedConfigRules(etc, fid)
		computed[fid] = s.evaluator.EvaluateConfigCell(rules, computed, field.InputType)
	}

	out := make(map[string]value.Data, len(computed))
	for fid, d := range computed {
		out[string(fid)] = d
	}
	return out
}

// mergedConfigRules flattens every monitoring-package instance's rule list
// for fid into one ordered sequence, MP instances visited in deterministic
// (sorted) order. Which MP instance's rules apply to a given table is an
// Open Question the distilled spec leaves unresolved (no mp_id travels
// with get_etc_tables); evaluating every instance's rules in a stable
// order and taking the first match is a conservative, deterministic
// resolution recorded in DESIGN.md.
func mergedConfigRules(etc pkgspec.Etc, fid ids.FieldId) []pkgspec.ConfigRule {
	byMP := etc.ConfigRules[fid]
	mps := make([]ids.MPId, 0, len(byMP))
	for mp := range byMP {
		mps = append(mps, mp)
	}
	sort.Slice(mps, func(i, j int) bool { return mps[i] < mps[j] })

	var rules []pkgspec.ConfigRule
	for _, mp := range mps {
		rules = append(rules, byMP[mp]...)
	}
	return rules
}

func counterKindOf(c string) counter.Kind {
	if c == "difference" {
		return counter.KindDifference
	}
	return counter.KindRate
}
