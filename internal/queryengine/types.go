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

// Package queryengine executes the small relational query algebra of
// spec.md §3/§4.8 (Data, Filter, Reindex, Join) over raw protocol data
// tables, producing the joined/filtered/reindexed rows a TableSpec's
// fields are evaluated against. It tracks primary-key equivalence classes
// (KeySet) across joins and validates join plans structurally before
// executing them.
package queryengine

import (
	"fmt"

	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/value"
)

// Row is one data-table row: a cell value (or error) per data field.
type Row map[ids.DataFieldId]value.Data

// Severity tags a Warning's importance (spec.md §4.8 "Annotated<T, Warning>").
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Warning is one non-fatal annotation attached to a table result.
type Warning struct {
	Severity Severity
	Message  string
}

// Annotated pairs a value with warnings that survive filters unaffected
// (spec.md §4.8).
type Annotated[T any] struct {
	Value    T
	Warnings []Warning
}

func ok[T any](v T, warnings ...Warning) Annotated[T] {
	return Annotated[T]{Value: v, Warnings: warnings}
}

// Class is one equivalence class of interchangeable data field ids
// (GLOSSARY "KeySet").
type Class map[ids.DataFieldId]bool

// Contains reports whether id is a member of this class.
func (c Class) Contains(id ids.DataFieldId) bool { return c[id] }

// KeySet is the set of equivalence classes tracked as a query plan's
// primary key through filters, reindexes and joins.
type KeySet []Class

// singleClass builds a KeySet with one class containing exactly fields.
func singleClass(fields []ids.DataFieldId) KeySet {
	c := make(Class, len(fields))
	for _, f := range fields {
		c[f] = true
	}
	return KeySet{c}
}

// CoveredBy reports whether any equivalence class in ks is entirely
// contained within fields — i.e. fields fully covers a known primary key
// (spec.md §4.8 Join "a covering primary key").
func (ks KeySet) CoveredBy(fields []ids.DataFieldId) bool {
	set := make(map[ids.DataFieldId]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	for _, class := range ks {
		if len(class) == 0 {
			continue
		}
		covered := true
		for f := range class {
			if !set[f] {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// merge unions two KeySets and folds in a new equivalence of `joined`
// (the left/right key fields unified by a Join), returning the resulting
// KeySet for the join's output (spec.md §3 KeySet, §4.8 Join).
func merge(left, right KeySet, joined []ids.DataFieldId) KeySet {
	out := append(append(KeySet{}, left...), right...)
	if len(joined) > 0 {
		out = append(out, singleClass(joined)[0])
	}
	return out
}

// ErrDoesntExist is returned by a fetch function when a requested data
// table has no data at all for this collection cycle (distinct from a
// protocol error) — spec.md §4.8 "Data(...) yields ... a DoesntExist ...".
var ErrDoesntExist = errors.New("queryengine: data table does not exist")

// ErrNoPrimaryKey is a planning-time error: neither side of a Join
// contributes a covering primary key, so the join could fan out
// combinatorially and is rejected rather than executed (spec.md §4.8,
// §8 "Join primary-key requirement").
type ErrNoPrimaryKey struct {
	Left, Right []ids.DataFieldId
}

func (e *ErrNoPrimaryKey) Error() string {
	return fmt.Sprintf("queryengine: join has no covering primary key on either side (left keys %v, right keys %v)", e.Left, e.Right)
}

// ErrJoinKeyMismatch is a planning-time error: the two sides of a Join
// declare key lists of different arity (spec.md §4.8 "equinumerous").
type ErrJoinKeyMismatch struct {
	LeftLen, RightLen int
}

func (e *ErrJoinKeyMismatch) Error() string {
	return fmt.Sprintf("queryengine: join key lists are not equinumerous (left has %d, right has %d)", e.LeftLen, e.RightLen)
}

// ErrJoinTypeMismatch is a planning-time error: a pair of join keys are not
// pointwise type-compatible (spec.md §4.8, permissive string/bytes/enum
// coercion aside).
type ErrJoinTypeMismatch struct {
	Left, Right ids.DataFieldId
	LeftType    string
	RightType   string
}

func (e *ErrJoinTypeMismatch) Error() string {
	return fmt.Sprintf("queryengine: join keys %s (%s) and %s (%s) are not type-compatible", e.Left, e.LeftType, e.Right, e.RightType)
}
