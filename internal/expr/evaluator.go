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

// Package expr implements the per-cell expression evaluator (spec.md
// §4.9): for each output row of a TableSpec, it evaluates formula and
// data-with-transform cells via expr-lang, with lookup into sibling
// fields by name and into the cell's own data input, casts the result to
// the field's declared type, and resolves config-sourced cells against
// their matched config rule. It is grounded on the teacher's
// pkg/workflow/expression evaluator (compiled-program cache behind a
// RWMutex, custom env functions registered alongside the row context).
package expr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/fleetbroker/internal/counter"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

// Evaluator compiles and caches expr-lang programs, the same pattern the
// teacher's workflow/expression.Evaluator uses for condition expressions,
// generalized here to produce typed Values rather than bare booleans.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New builds an empty Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[src]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[src] = p
	e.mu.Unlock()
	return p, nil
}

// Cell is one field's expression-evaluation input for a row (spec.md
// §4.9 steps 1-2): Expr is empty for a plain data passthrough, populated
// for Formula and Data-with-transform sources; DataInput/HasDataInput
// carry the cell's own value, Missing if the source is a Formula.
type Cell struct {
	Field        ids.FieldId
	Expr         string
	DataInput    value.Data
	HasDataInput bool
	InputType    string

	// UseCounter, when true, routes DataInput through the counter store
	// instead of evaluating Expr directly: the raw sample is read from
	// DataInput.Val (must be an Integer), namespaced under TableKey via
	// counter.Key, and converted to a rate or a difference as CounterKind
	// selects (spec.md §4.9 "Counters").
	CounterKind counter.Kind
	UseCounter  bool
}

// EvaluateRow evaluates every cell of one output row, giving formula cells
// access to already-computed sibling fields by name (spec.md §4.9 step 3).
// Cells are evaluated in FieldId order, which is the deterministic
// "declaration order" a formula's sibling references resolve against: a
// formula may only see siblings that sort before it, or ones with no
// expression at all (always resolved first). This is a practical
// resolution rule, not a full dependency-graph solve — deeply chained
// cross-references should order their field names accordingly.
func (e *Evaluator) EvaluateRow(cells []Cell, tableKey string, now time.Time, store *counter.Store) map[ids.FieldId]value.Data {
	ordered := make([]Cell, len(cells))
	copy(ordered, cells)
	sort.Slice(ordered, func(i, j int) bool {
		// Plain passthroughs (no Expr) resolve before anything that might
		// reference them.
		iPlain, jPlain := ordered[i].Expr == "", ordered[j].Expr == ""
		if iPlain != jPlain {
			return iPlain
		}
		return ordered[i].Field < ordered[j].Field
	})

	results := make(map[ids.FieldId]value.Data, len(cells))
	siblings := make(map[string]any, len(cells))

	for _, c := range ordered {
		d := e.evaluateCell(c, siblings, tableKey, now, store)
		results[c.Field] = d
		siblings[string(c.Field)] = toGo(d)
	}
	return results
}

func (e *Evaluator) evaluateCell(c Cell, siblings map[string]any, tableKey string, now time.Time, store *counter.Store) value.Data {
	if c.UseCounter {
		if !c.HasDataInput || !c.DataInput.IsOk() {
			if c.HasDataInput && !c.DataInput.IsOk() {
				return c.DataInput
			}
			return value.DataErr(value.Missing())
		}
		if c.DataInput.Val.Kind != value.KindInteger {
			return value.DataErr(value.TypeError(fmt.Sprintf("counter field %s requires an integer sample, got %s", c.Field, c.DataInput.Val.TypeName())))
		}
		if store == nil {
			return value.DataErr(value.External("no counter store configured"))
		}
		key := counter.Key(tableKey, string(c.Field))
		d := store.Sample(key, uint64(c.DataInput.Val.Integer), now, c.CounterKind)
		if !d.IsOk() {
			return d
		}
		return castTo(d.Val.Float, c.InputType)
	}

	if c.Expr == "" {
		if !c.HasDataInput {
			return value.DataErr(value.Missing())
		}
		if !c.DataInput.IsOk() {
			return c.DataInput
		}
		return castTo(toGo(c.DataInput), c.InputType)
	}

	// An expression over a data cell that already failed short-circuits:
	// there is nothing useful to compute from a missing/errored input, and
	// propagating the original error is more informative than a generic
	// type error from evaluating against a nil.
	if c.HasDataInput && !c.DataInput.IsOk() {
		return c.DataInput
	}

	prog, err := e.compile(c.Expr)
	if err != nil {
		return value.DataErr(value.ParseError(err.Error(), "expr"))
	}

	env := make(map[string]any, len(siblings)+1)
	for k, v := range siblings {
		env[k] = v
	}
	if c.HasDataInput {
		env["data"] = toGo(c.DataInput)
	} else {
		env["data"] = nil
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return value.DataErr(value.TypeError(fmt.Sprintf("field %s: %s", c.Field, err.Error())))
	}
	return castTo(out, c.InputType)
}

// EvaluateConfigCell resolves a config-sourced field (spec.md §4.9 step 5):
// it walks rules in order, evaluating each selector as a boolean expr-lang
// expression against the already-computed row, and returns the value
// expression of the first rule that matches. No match yields Missing.
func (e *Evaluator) EvaluateConfigCell(rules []pkgspec.ConfigRule, row map[ids.FieldId]value.Data, inputType string) value.Data {
	env := make(map[string]any, len(row))
	for id, d := range row {
		env[string(id)] = toGo(d)
	}

	for _, rule := range rules {
		prog, err := e.compile(rule.Selector)
		if err != nil {
			continue
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			continue
		}
		matched, ok := out.(bool)
		if !ok || !matched {
			continue
		}

		valProg, err := e.compile(rule.Value)
		if err != nil {
			return value.DataErr(value.ParseError(err.Error(), "expr"))
		}
		resolved, err := expr.Run(valProg, env)
		if err != nil {
			return value.DataErr(value.TypeError(err.Error()))
		}
		return castTo(resolved, inputType)
	}
	return value.DataErr(value.Missing())
}
