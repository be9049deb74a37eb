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

package queryengine

import (
	stderrors "errors"
	"strings"

	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

// Fetch supplies the raw rows of one protocol data table, as retrieved
// from the protocol plugin registry for the current collection cycle. It
// returns ErrDoesntExist when the table has no data at all this cycle
// (distinct from a protocol/transport error).
type Fetch func(ids.DataTableId) (Annotated[[]Row], error)

// Execute runs a prepared Plan against fetch, implementing spec.md §4.8's
// Data/Filter/Reindex/Join semantics.
func Execute(plan *Plan, fetch Fetch) (Annotated[[]Row], error) {
	if plan == nil {
		return ok[[]Row](nil), nil
	}
	q := plan.query
	switch q.Kind {
	case pkgspec.QueryKindData:
		return executeData(q, fetch)
	case pkgspec.QueryKindFilter:
		return executeFilter(q, plan.inner, fetch)
	case pkgspec.QueryKindReindex:
		return executeReindex(q, plan.inner, fetch)
	case pkgspec.QueryKindJoin:
		return executeJoin(q, plan.left, plan.right, fetch)
	default:
		return Annotated[[]Row]{}, stderrors.New("queryengine: unknown query kind")
	}
}

func executeData(q *pkgspec.Query, fetch Fetch) (Annotated[[]Row], error) {
	res, err := fetch(q.DataTableId)
	if err == nil {
		return res, nil
	}
	if stderrors.Is(err, ErrDoesntExist) {
		if q.IgnoreExistence {
			return ok[[]Row](nil), nil
		}
		return Annotated[[]Row]{}, err
	}
	// A genuine protocol error for this table: FailTable propagates it,
	// IgnoreRow degrades to an empty, successful result (best-effort,
	// spec.md §4.8 "error_action controls whether a row-level protocol
	// error aborts the whole table result").
	if q.ErrorAction == pkgspec.ErrorActionIgnoreRow {
		return ok[[]Row](nil, Warning{Severity: SeverityWarning, Message: err.Error()}), nil
	}
	return Annotated[[]Row]{}, err
}

func executeFilter(q *pkgspec.Query, inner *Plan, fetch Fetch) (Annotated[[]Row], error) {
	src, err := Execute(inner, fetch)
	if err != nil {
		return Annotated[[]Row]{}, err
	}
	if q.Prefilter == nil {
		// Filter(all[], T) ≡ T row-wise (spec.md §8 "Filter identity").
		return src, nil
	}
	out := make([]Row, 0, len(src.Value))
	for _, row := range src.Value {
		keep, matchErr := evaluatePrefilter(q.Prefilter, row)
		if matchErr != nil {
			src.Warnings = append(src.Warnings, Warning{Severity: SeverityWarning, Message: matchErr.Error()})
			continue
		}
		if keep {
			out = append(out, row)
		}
	}
	return Annotated[[]Row]{Value: out, Warnings: src.Warnings}, nil
}

func executeReindex(q *pkgspec.Query, inner *Plan, fetch Fetch) (Annotated[[]Row], error) {
	src, err := Execute(inner, fetch)
	if err != nil {
		return Annotated[[]Row]{}, err
	}
	type slot struct {
		row Row
		set bool
	}
	order := make([]string, 0, len(src.Value))
	byKey := make(map[string]*slot, len(src.Value))

	for _, row := range src.Value {
		key, complete := rowKey(row, q.ReindexKeys)
		if !complete {
			continue
		}
		s, seen := byKey[key]
		if !seen {
			s = &slot{}
			byKey[key] = s
			order = append(order, key)
		}
		switch q.ReindexSelect {
		case pkgspec.SelectLast:
			s.row, s.set = row, true
		default:
			// First and Any both resolve to the first-in-input-order row
			// (spec.md §9 Open Question, §8 "Reindex determinism").
			if !s.set {
				s.row, s.set = row, true
			}
		}
	}
	out := make([]Row, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k].row)
	}
	return Annotated[[]Row]{Value: out, Warnings: src.Warnings}, nil
}

func executeJoin(q *pkgspec.Query, left, right *Plan, fetch Fetch) (Annotated[[]Row], error) {
	leftRes, err := Execute(left, fetch)
	if err != nil {
		return Annotated[[]Row]{}, err
	}
	rightRes, err := Execute(right, fetch)
	if err != nil {
		return Annotated[[]Row]{}, err
	}

	type indexed struct {
		idx int
		row Row
	}
	rightIndex := make(map[string][]indexed)
	for i, row := range rightRes.Value {
		key, complete := rowKey(row, q.Right.Keys)
		if !complete {
			continue
		}
		rightIndex[key] = append(rightIndex[key], indexed{idx: i, row: row})
	}
	matchedRight := make(map[int]bool, len(rightRes.Value))
	rightFields := allFields(rightRes.Value)
	leftFields := allFields(leftRes.Value)

	out := make([]Row, 0, len(leftRes.Value))
	for _, lrow := range leftRes.Value {
		key, complete := rowKey(lrow, q.Left.Keys)
		var matches []indexed
		if complete {
			matches = rightIndex[key]
		}
		if len(matches) == 0 {
			if q.Left.JoinType == pkgspec.JoinOuter {
				out = append(out, combine(lrow, missingRow(rightFields)))
			}
			continue
		}
		for _, m := range matches {
			matchedRight[m.idx] = true
			out = append(out, combine(lrow, m.row))
		}
	}
	if q.Right.JoinType == pkgspec.JoinOuter {
		for i, rrow := range rightRes.Value {
			if matchedRight[i] {
				continue
			}
			out = append(out, combine(missingRow(leftFields), rrow))
		}
	}

	warnings := append(append([]Warning{}, leftRes.Warnings...), rightRes.Warnings...)
	return Annotated[[]Row]{Value: out, Warnings: warnings}, nil
}

// rowKey renders the cell values of fields as a composite string key.
// complete is false (and key unusable) if any field is missing or errored
// — such a row cannot participate in a filter/reindex/join keyed on it.
func rowKey(row Row, fields []ids.DataFieldId) (key string, complete bool) {
	var b strings.Builder
	for i, f := range fields {
		d, present := row[f]
		if !present || !d.IsOk() {
			return "", false
		}
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(d.Val.Debug())
	}
	return b.String(), true
}

func allFields(rows []Row) []ids.DataFieldId {
	seen := make(map[ids.DataFieldId]bool)
	var out []ids.DataFieldId
	for _, row := range rows {
		for id := range row {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func missingRow(fields []ids.DataFieldId) Row {
	row := make(Row, len(fields))
	for _, f := range fields {
		row[f] = value.DataErr(value.Missing())
	}
	return row
}

// combine merges a and b into one row, preferring a's value for any
// DataFieldId present in both. This matters for an outer join whose two
// sides share a join-key DataFieldId (spec.md §8 scenario 5): b is often
// missingRow(otherSideFields), and a's real key value must survive rather
// than be blanked out by b's blanket Missing for every field id it names.
func combine(a, b Row) Row {
	out := make(Row, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if _, exists := out[k]; exists {
			continue
		}
		out[k] = v
	}
	return out
}
