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

// Package counter implements the agent's persistent previous-sample store
// backing counter/difference metric semantics (spec.md §3 "Counter store",
// §4.9 "Counters"). A Store keeps two in-memory generations: the samples
// loaded at collection-cycle start (read-only for the duration of the
// cycle) and the samples accumulated during the current cycle; at cycle
// completion the current generation is serialized to disk and becomes the
// next cycle's loaded generation.
package counter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tombee/fleetbroker/pkg/value"
)

// sample is one stored (last_seen_at, last_raw_u64) observation.
type sample struct {
	At  time.Time `json:"at"`
	Raw uint64    `json:"raw"`
}

// wireSample is the on-disk tuple form: [epoch_seconds, raw_u64].
type wireSample [2]uint64

// Store is the agent's counter-key -> previous-sample map, namespaced per
// spec.md §4.9 as "table_key.column_name". It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	loaded  map[string]sample // read-only snapshot for the in-progress cycle
	current map[string]sample // being accumulated this cycle
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		loaded:  make(map[string]sample),
		current: make(map[string]sample),
	}
}

// Key namespaces a counter by its owning row's table key and column name
// (spec.md §4.9: "Keys are namespaced by table_key + '.' + column_name to
// avoid cross-row collisions").
func Key(tableKey, columnName string) string {
	return tableKey + "." + columnName
}

// Kind discriminates rate (per-second counter) from absolute difference
// semantics (spec.md §4.9, GLOSSARY "Counter / difference").
type Kind int

const (
	KindRate Kind = iota
	KindDifference
)

// Sample records a new raw observation for key at wall-clock now and
// returns the resulting Data cell: CounterPending on first observation,
// CounterOverflow if the new value regressed or time didn't advance,
// otherwise the computed rate or difference (spec.md §4.9, §8 "Counter
// monotonicity").
func (s *Store) Sample(key string, raw uint64, now time.Time, kind Kind) value.Data {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrior := s.loaded[key]
	s.current[key] = sample{At: now, Raw: raw}

	if !hadPrior {
		return value.DataErr(value.CounterPending())
	}
	if raw < prev.Raw || !now.After(prev.At) {
		return value.DataErr(value.CounterOverflow())
	}

	switch kind {
	case KindDifference:
		return value.DataOk(value.Float(float64(raw - prev.Raw)))
	default:
		elapsed := now.Sub(prev.At).Seconds()
		return value.DataOk(value.Float(float64(raw-prev.Raw) / elapsed))
	}
}

// BeginCycle promotes the current generation (accumulated during the
// previous cycle, or loaded from disk at startup) to the loaded generation
// and resets current, ready to accumulate the next cycle's samples. The
// loaded generation is read-only for the duration of the cycle that
// follows; Sample only ever reads from it and writes to current.
func (s *Store) BeginCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = s.current
	s.current = make(map[string]sample, len(s.loaded))
}

// Load populates the store from a JSON counter file (spec.md §6 "Persisted
// state"). A missing file is equivalent to an empty store; an unreadable or
// corrupt file is logged and treated as empty, never fatal to startup.
func Load(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := New()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("counter: could not read store file, starting empty", "path", path, "error", err)
		}
		return s
	}

	var wire map[string]wireSample
	if err := json.Unmarshal(data, &wire); err != nil {
		log.Warn("counter: corrupt store file, starting empty", "path", path, "error", err)
		return s
	}

	for key, w := range wire {
		s.current[key] = sample{At: time.Unix(int64(w[0]), 0).UTC(), Raw: w[1]}
	}
	// Loaded directly from disk at startup counts as the prior cycle's
	// accumulation; BeginCycle promotes it to `loaded` for the first
	// collection cycle to read against.
	return s
}

// Save serializes the current generation to path as a flat JSON map,
// overwriting any existing file (spec.md §3 "serialized to disk as a JSON
// map on cycle completion").
func (s *Store) Save(path string) error {
	s.mu.Lock()
	wire := make(map[string]wireSample, len(s.current))
	for key, samp := range s.current {
		wire[key] = wireSample{uint64(samp.At.Unix()), samp.Raw}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("counter: marshal store: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("counter: write store file %s: %w", path, err)
	}
	return nil
}

// Len reports the number of entries in the current generation, for tests
// and diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.current)
}
