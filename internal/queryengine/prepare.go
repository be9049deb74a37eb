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
	"fmt"

	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
)

// Plan is a validated, executable query node mirroring pkgspec.Query, with
// its resulting KeySet precomputed by Prepare.
type Plan struct {
	query *pkgspec.Query
	keys  KeySet

	inner       *Plan
	left, right *Plan
}

// Keys returns the primary-key equivalence classes this plan's output rows
// satisfy.
func (p *Plan) Keys() KeySet { return p.keys }

// Prepare validates q against the declared data fields (join arity,
// pointwise type compatibility, primary-key coverage) and returns an
// executable Plan, or a planning error (spec.md §4.8, §7 "Query type error
// ... compile-time (planner) rejection before execution"). dataTables
// supplies each data table's declared primary key (spec.md §4.7 step 4).
func Prepare(q *pkgspec.Query, dataTables map[ids.DataTableId]pkgspec.DataTableSpec, dataFields map[ids.DataFieldId]pkgspec.DataFieldSpec) (*Plan, error) {
	if q == nil {
		return nil, nil
	}
	switch q.Kind {
	case pkgspec.QueryKindData:
		pk := dataTables[q.DataTableId].PrimaryKey
		return &Plan{query: q, keys: singleClassOrEmpty(pk)}, nil

	case pkgspec.QueryKindFilter:
		inner, err := Prepare(q.Inner, dataTables, dataFields)
		if err != nil {
			return nil, err
		}
		keys := inner.keys
		if narrowed, ok := narrowKeySet(q.Prefilter, keys); ok {
			keys = narrowed
		}
		return &Plan{query: q, keys: keys, inner: inner}, nil

	case pkgspec.QueryKindReindex:
		inner, err := Prepare(q.Inner, dataTables, dataFields)
		if err != nil {
			return nil, err
		}
		return &Plan{query: q, keys: singleClassOrEmpty(q.ReindexKeys), inner: inner}, nil

	case pkgspec.QueryKindJoin:
		left, err := Prepare(q.Left.Query, dataTables, dataFields)
		if err != nil {
			return nil, err
		}
		right, err := Prepare(q.Right.Query, dataTables, dataFields)
		if err != nil {
			return nil, err
		}
		if len(q.Left.Keys) != len(q.Right.Keys) {
			return nil, &ErrJoinKeyMismatch{LeftLen: len(q.Left.Keys), RightLen: len(q.Right.Keys)}
		}
		for i := range q.Left.Keys {
			lt := dataFields[q.Left.Keys[i]].InputType
			rt := dataFields[q.Right.Keys[i]].InputType
			if !typesJoinCompatible(lt, rt) {
				return nil, &ErrJoinTypeMismatch{
					Left: q.Left.Keys[i], Right: q.Right.Keys[i],
					LeftType: lt, RightType: rt,
				}
			}
		}
		leftCovers := left.keys.CoveredBy(q.Left.Keys)
		rightCovers := right.keys.CoveredBy(q.Right.Keys)
		if !leftCovers && !rightCovers {
			return nil, &ErrNoPrimaryKey{Left: q.Left.Keys, Right: q.Right.Keys}
		}
		joined := append(append([]ids.DataFieldId{}, q.Left.Keys...), q.Right.Keys...)
		return &Plan{query: q, keys: merge(left.keys, right.keys, joined), left: left, right: right}, nil

	default:
		return nil, fmt.Errorf("queryengine: unknown query kind %q", q.Kind)
	}
}

func singleClassOrEmpty(fields []ids.DataFieldId) KeySet {
	if len(fields) == 0 {
		return nil
	}
	return singleClass(fields)
}

// narrowKeySet applies spec.md §4.8's "a prefilter on is/single-element in
// reduces the key set (one field is now fixed)": once a field is pinned to
// a single value, any equivalence class containing it is trivially
// satisfied for that value and can be dropped from further join coverage
// requirements involving it — modeled here by dropping every class that
// contains the now-constant field, since a join can no longer usefully key
// on a column that is the same value in every row.
func narrowKeySet(pf *pkgspec.Prefilter, keys KeySet) (KeySet, bool) {
	if pf == nil {
		return keys, false
	}
	var fixed ids.DataFieldId
	switch pf.Kind {
	case pkgspec.PrefilterIs:
		fixed = pf.Field
	case pkgspec.PrefilterIn:
		if len(pf.Values) != 1 {
			return keys, false
		}
		fixed = pf.Field
	default:
		return keys, false
	}
	out := make(KeySet, 0, len(keys))
	for _, class := range keys {
		if class.Contains(fixed) {
			continue
		}
		out = append(out, class)
	}
	return out, true
}

// typesJoinCompatible implements spec.md §4.8's permissive equality: any
// pair of string/bytes/enum-ish types are compatible with each other and
// with themselves; everything else must match exactly.
func typesJoinCompatible(a, b string) bool {
	if a == b {
		return true
	}
	return isStringish(a) && isStringish(b)
}

func isStringish(t string) bool {
	switch t {
	case "string", "binary_string", "enum", "int_enum", "":
		return true
	default:
		return false
	}
}
