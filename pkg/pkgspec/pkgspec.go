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

// Package pkgspec defines the monitoring-package-level spec types
// consumed by the planner, query engine and expression evaluator
// (spec.md §3): tables, fields, queries, config rules, and the merged
// per-protocol Input/Etc a loaded package contributes.
package pkgspec

import (
	"fmt"

	"github.com/tombee/fleetbroker/pkg/ids"
)

// QueryMode selects which fields/tables apply to a given collection
// (spec.md §4.7, GLOSSARY).
type QueryMode string

const (
	ModeMonitoring QueryMode = "monitoring"
	ModeDiscovery  QueryMode = "discovery"
	ModeCheckMk    QueryMode = "check_mk"
)

// ModeFlags carries the three per-table/per-field applicability flags.
// CheckMk falls back to Monitoring when unset (spec.md §3 TableSpec).
type ModeFlags struct {
	Monitoring    bool
	Discovery     bool
	CheckMk       bool
	CheckMkIsSet  bool
}

// Applies reports whether this item is selected under mode.
func (f ModeFlags) Applies(mode QueryMode) bool {
	switch mode {
	case ModeMonitoring:
		return f.Monitoring
	case ModeDiscovery:
		return f.Discovery
	case ModeCheckMk:
		if f.CheckMkIsSet {
			return f.CheckMk
		}
		return f.Monitoring
	default:
		return false
	}
}

// ErrorAction controls whether a row-level protocol error aborts the whole
// table result (spec.md §4.8 Data query node).
type ErrorAction string

const (
	ErrorActionFailTable ErrorAction = "fail_table"
	ErrorActionIgnoreRow ErrorAction = "ignore_row"
)

// JoinType tags one operand of a Join query node.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinOuter JoinType = "outer"
)

// ReindexSelect disambiguates rows with colliding keys after a Reindex
// (spec.md §4.8, §9 Open Question: resolved to First/deterministic).
type ReindexSelect string

const (
	SelectFirst ReindexSelect = "first"
	SelectLast  ReindexSelect = "last"
	SelectAny   ReindexSelect = "any"
)

// QueryKind discriminates the small query algebra of spec.md §3/§4.8.
type QueryKind string

const (
	QueryKindData    QueryKind = "data"
	QueryKindFilter  QueryKind = "filter"
	QueryKindReindex QueryKind = "reindex"
	QueryKindJoin    QueryKind = "join"
)

// JoinOperand fixes one side of a Join: its join type and the ordered
// field list participating in the key.
type JoinOperand struct {
	Query    *Query
	JoinType JoinType
	Keys     []ids.DataFieldId
}

// Query is the query algebra node (spec.md §3 "Query"). Exactly the fields
// relevant to Kind are populated, following the flattened-union idiom used
// throughout this codebase (pkg/value, pkg/wire).
type Query struct {
	Kind QueryKind

	// Data
	DataTableId      ids.DataTableId
	ErrorAction      ErrorAction
	IgnoreExistence  bool

	// Filter
	Prefilter *Prefilter
	Inner     *Query

	// Reindex
	ReindexKeys   []ids.DataFieldId
	ReindexSelect ReindexSelect
	// Inner reused

	// Join
	Left  *JoinOperand
	Right *JoinOperand
}

// PrefilterKind discriminates the small prefilter grammar (spec.md §4.8).
type PrefilterKind string

const (
	PrefilterAll   PrefilterKind = "all"
	PrefilterAny   PrefilterKind = "any"
	PrefilterIs    PrefilterKind = "is"
	PrefilterIsNot PrefilterKind = "is_not"
	PrefilterIn    PrefilterKind = "in"
	PrefilterNotIn PrefilterKind = "not_in"
)

// Prefilter is one node of the Filter query's prefilter grammar.
type Prefilter struct {
	Kind PrefilterKind

	// All/Any
	Children []Prefilter

	// Is/IsNot/In/NotIn
	Field  ids.DataFieldId
	Values []string // string-encoded comparison values; permissive string/enum coercion at eval time
}

// FieldSource discriminates a FieldSpec's source (spec.md §3).
type FieldSource string

const (
	SourceData    FieldSource = "data"
	SourceFormula FieldSource = "formula"
	SourceConfig  FieldSource = "config"
)

// FieldSpec describes one logical (package-level) field.
type FieldSpec struct {
	ID     ids.FieldId
	Source FieldSource

	// Data source
	DataTableId ids.DataTableId
	DataFieldId ids.DataFieldId
	DataExpr    string // optional expr-lang expression; empty means "load verbatim"

	// Formula source
	FormulaExpr string

	// Config source
	ConfigExpr string // optional filter/transform expr applied to the matched config rule's value

	// Counter, if non-empty ("rate" or "difference"), routes a Data
	// source's raw integer sample through the counter store instead of
	// evaluating DataExpr directly (spec.md §4.9 "Counters").
	Counter string

	InputType string // declared type name the evaluated result is cast to
	Modes     ModeFlags

	// Display/threshold metadata is intentionally opaque here — it's
	// consumed by the (out-of-scope, spec.md §1) UI/alerting layers, not
	// by the planner/evaluator.
	DisplayName string
	Thresholds  map[string]string
}

// TableSpec describes one logical (package-level) table.
type TableSpec struct {
	ID      ids.TableId
	Query   ids.QueryId
	Fields  []ids.FieldId
	Modes   ModeFlags
}

// ConfigRule is one entry of a field's config_rules list: a set of
// selector predicates evaluated against the already-computed row, and the
// value to yield if they all match (spec.md §4.9 step 5).
type ConfigRule struct {
	Selector string // expr-lang boolean expression over sibling fields
	Value    string // expr-lang expression producing the cell's value
}

// DataTableSpec and DataFieldSpec are protocol-level self-description
// (spec.md §3 Input, §4.6 get_tables/get_fields). Their shape beyond an
// opaque schema is protocol-plugin-specific and out of scope (spec.md
// §1); the query engine only needs to know a data table exists and which
// fields it carries to plan and evaluate joins.
type DataTableSpec struct {
	ID     ids.DataTableId
	Fields []ids.DataFieldId
	// PrimaryKey lists the field(s) that uniquely identify a row of this
	// data table; required by the planner for join/counter stability
	// (spec.md §4.7 step 4, §4.8 "NoPrimaryKey").
	PrimaryKey []ids.DataFieldId
}

type DataFieldSpec struct {
	ID        ids.DataFieldId
	InputType string
}

// Input is one protocol's contribution to a loaded package set: an opaque
// per-protocol handle (not modeled further — it belongs to the protocol
// plugin, spec.md §1) plus the data tables/fields it exposes.
type Input struct {
	Protocol   ids.Protocol
	Opaque     any
	DataTables map[ids.DataTableId]DataTableSpec
	DataFields map[ids.DataFieldId]DataFieldSpec
}

// Etc is the package-level spec contributed by a loaded monitoring
// package: mps/checks identifiers, queries, tables, fields, and per-field
// config rules keyed by the monitoring-package instance that contributed
// them.
type Etc struct {
	MPs         []ids.MPId
	Checks      []ids.CheckId
	Queries     map[ids.QueryId]Query
	Tables      map[ids.TableId]TableSpec
	Fields      map[ids.FieldId]FieldSpec
	ConfigRules map[ids.FieldId]map[ids.MPId][]ConfigRule
}

// ConflictsWith reports the first FieldId that both e and other define
// with different FieldSpecs (compared by source, data table/field ids,
// expressions, counter kind and input type), and true if there is one.
//
// Only Fields are compared: Tables and Queries that share an identifier
// are not checked, and neither are a field's Modes, DisplayName or
// Thresholds.
func (e Etc) ConflictsWith(other Etc) (ids.FieldId, bool) {
	for id, field := range other.Fields {
		existing, ok := e.Fields[id]
		if !ok {
			continue
		}
		if !fieldSpecsEqual(existing, field) {
			return id, true
		}
	}
	return "", false
}

func fieldSpecsEqual(a, b FieldSpec) bool {
	return a.Source == b.Source &&
		a.DataTableId == b.DataTableId &&
		a.DataFieldId == b.DataFieldId &&
		a.DataExpr == b.DataExpr &&
		a.FormulaExpr == b.FormulaExpr &&
		a.ConfigExpr == b.ConfigExpr &&
		a.Counter == b.Counter &&
		a.InputType == b.InputType
}

// IncompatibilityError is returned by the loader when two packages define
// the same FieldId with conflicting shapes.
type IncompatibilityError struct {
	FieldId ids.FieldId
}

func (e *IncompatibilityError) Error() string {
	return fmt.Sprintf("pkgspec: field %q redefined incompatibly by a second package", e.FieldId)
}
