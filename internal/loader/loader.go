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

// Package loader loads monitoring-package specs from disk (and, via
// fsnotify, on directory change) and merges them into the agent's combined
// Etc/Input set, atomically: load/unload only replaces the in-memory spec
// after every protocol plugin has accepted the combined input (spec.md
// §3 "Lifecycles", §9 "Backward-compatible spec deserialization").
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
)

// rawPackage is the on-disk shape of one monitoring-package file before
// version normalization. Both the V1 and V2 historical shapes below are
// recognized; decodeVersioned picks one based on presence of the
// version-discriminating fields.
type rawPackage struct {
	Name    ids.PackageName    `json:"name"`
	Version ids.PackageVersion `json:"version"`

	// V2 shape (current): explicit option struct per field.
	TablesV2 map[string]rawTableV2 `json:"tables,omitempty"`
	FieldsV2 map[string]rawFieldV2 `json:"fields,omitempty"`

	// V1 shape (legacy): flat booleans instead of nested option structs.
	TablesV1 map[string]rawTableV1 `json:"tables_v1,omitempty"`
	FieldsV1 map[string]rawFieldV1 `json:"fields_v1,omitempty"`

	Queries     map[string]rawQuery                          `json:"queries"`
	ConfigRules map[string]map[string][]pkgspec.ConfigRule `json:"config_rules,omitempty"`
}

// isV1 reports whether this package uses the legacy flat-boolean layout.
func (r rawPackage) isV1() bool {
	return len(r.TablesV1) > 0 || len(r.FieldsV1) > 0
}

type rawTableV2 struct {
	Query      string   `json:"query"`
	Fields     []string `json:"fields"`
	Monitoring bool     `json:"monitoring"`
	Discovery  bool     `json:"discovery"`
	CheckMk    *bool    `json:"check_mk,omitempty"`
}

// rawTableV1 is the older layout: "monitoring"/"discovery" were the only
// two flags and check_mk didn't exist yet, always falling back to
// monitoring.
type rawTableV1 struct {
	Query      string   `json:"query"`
	Fields     []string `json:"fields"`
	Monitoring bool     `json:"monitoring"`
	Discovery  bool     `json:"discovery"`
}

type rawFieldV2 struct {
	Source      string `json:"source"` // "data" | "formula" | "config"
	DataTableId string `json:"data_table_id,omitempty"`
	DataFieldId string `json:"data_field_id,omitempty"`
	Expr        string `json:"expr,omitempty"`
	Counter     string `json:"counter,omitempty"` // "rate" | "difference", data sources only
	InputType   string `json:"input_type"`
	Monitoring  bool   `json:"monitoring"`
	Discovery   bool   `json:"discovery"`
	CheckMk     *bool  `json:"check_mk,omitempty"`
}

// rawFieldV1 predates the explicit "source" tag: a present data_table_id
// meant a data source, a present expr with no data_table_id meant a
// formula, and anything else was a config cell.
type rawFieldV1 struct {
	DataTableId string `json:"data_table_id,omitempty"`
	DataFieldId string `json:"data_field_id,omitempty"`
	Expr        string `json:"expr,omitempty"`
	InputType   string `json:"input_type"`
	Monitoring  bool   `json:"monitoring"`
	Discovery   bool   `json:"discovery"`
}

type rawQuery struct {
	Kind string `json:"kind"`
	json.RawMessage
}

// Loaded is one successfully parsed and normalized package.
type Loaded struct {
	Name    ids.PackageName
	Version ids.PackageVersion
	Etc     pkgspec.Etc
}

// ParseFile reads and normalizes one monitoring-package JSON file,
// tolerating both the V1 and V2 historical shapes (spec.md §9) and
// normalizing to the V2-equivalent pkgspec.Etc in memory.
func ParseFile(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("loader: read %s: %w", path, err)
	}
	var raw rawPackage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Loaded{}, fmt.Errorf("loader: parse %s: %w", path, err)
	}
	return normalize(raw)
}

func normalize(raw rawPackage) (Loaded, error) {
	etc := pkgspec.Etc{
		Tables:      make(map[ids.TableId]pkgspec.TableSpec),
		Fields:      make(map[ids.FieldId]pkgspec.FieldSpec),
		Queries:     make(map[ids.QueryId]pkgspec.Query),
		ConfigRules: make(map[ids.FieldId]map[ids.MPId][]pkgspec.ConfigRule),
	}

	if raw.isV1() {
		for name, t := range raw.TablesV1 {
			etc.Tables[ids.TableId(name)] = pkgspec.TableSpec{
				ID:    ids.TableId(name),
				Query: ids.QueryId(t.Query),
				Fields: fieldIds(t.Fields),
				Modes: pkgspec.ModeFlags{Monitoring: t.Monitoring, Discovery: t.Discovery},
			}
		}
		for name, f := range raw.FieldsV1 {
			etc.Fields[ids.FieldId(name)] = normalizeV1Field(f)
		}
	} else {
		for name, t := range raw.TablesV2 {
			flags := pkgspec.ModeFlags{Monitoring: t.Monitoring, Discovery: t.Discovery}
			if t.CheckMk != nil {
				flags.CheckMk, flags.CheckMkIsSet = *t.CheckMk, true
			}
			etc.Tables[ids.TableId(name)] = pkgspec.TableSpec{
				ID:     ids.TableId(name),
				Query:  ids.QueryId(t.Query),
				Fields: fieldIds(t.Fields),
				Modes:  flags,
			}
		}
		for name, f := range raw.FieldsV2 {
			etc.Fields[ids.FieldId(name)] = normalizeV2Field(f)
		}
	}

	for name, cfg := range raw.ConfigRules {
		byMP := make(map[ids.MPId][]pkgspec.ConfigRule, len(cfg))
		for mp, rules := range cfg {
			byMP[ids.MPId(mp)] = rules
		}
		etc.ConfigRules[ids.FieldId(name)] = byMP
	}

	return Loaded{Name: raw.Name, Version: raw.Version, Etc: etc}, nil
}

func fieldIds(names []string) []ids.FieldId {
	out := make([]ids.FieldId, len(names))
	for i, n := range names {
		out[i] = ids.FieldId(n)
	}
	return out
}

func normalizeV1Field(f rawFieldV1) pkgspec.FieldSpec {
	spec := pkgspec.FieldSpec{
		InputType: f.InputType,
		Modes:     pkgspec.ModeFlags{Monitoring: f.Monitoring, Discovery: f.Discovery},
	}
	switch {
	case f.DataTableId != "":
		spec.Source = pkgspec.SourceData
		if dt, err := ids.ParseDataTableId(f.DataTableId); err == nil {
			spec.DataTableId = dt
		}
		if df, err := ids.ParseDataFieldId(f.DataFieldId); err == nil {
			spec.DataFieldId = df
		}
		spec.DataExpr = f.Expr
	case f.Expr != "":
		spec.Source = pkgspec.SourceFormula
		spec.FormulaExpr = f.Expr
	default:
		spec.Source = pkgspec.SourceConfig
	}
	return spec
}

func normalizeV2Field(f rawFieldV2) pkgspec.FieldSpec {
	flags := pkgspec.ModeFlags{Monitoring: f.Monitoring, Discovery: f.Discovery}
	if f.CheckMk != nil {
		flags.CheckMk, flags.CheckMkIsSet = *f.CheckMk, true
	}
	spec := pkgspec.FieldSpec{InputType: f.InputType, Modes: flags}
	switch pkgspec.FieldSource(f.Source) {
	case pkgspec.SourceData:
		spec.Source = pkgspec.SourceData
		if dt, err := ids.ParseDataTableId(f.DataTableId); err == nil {
			spec.DataTableId = dt
		}
		if df, err := ids.ParseDataFieldId(f.DataFieldId); err == nil {
			spec.DataFieldId = df
		}
		spec.DataExpr = f.Expr
		spec.Counter = f.Counter
	case pkgspec.SourceFormula:
		spec.Source = pkgspec.SourceFormula
		spec.FormulaExpr = f.Expr
	default:
		spec.Source = pkgspec.SourceConfig
		spec.ConfigExpr = f.Expr
	}
	return spec
}

// Manager owns the agent's combined, currently-loaded package set and
// watches a directory for changes (spec.md §3 "load/unload_pkg replaces
// the in-memory spec only after all protocol plugins have accepted the
// combined input").
type Manager struct {
	dir     string
	log     *slog.Logger
	accept  func(merged pkgspec.Etc) error // protocol plugins' combined load_inputs acceptance

	mu      sync.RWMutex
	loaded  map[ids.PackageName]Loaded
	current pkgspec.Etc
}

// NewManager builds a Manager rooted at dir. accept is called with the
// fully merged Etc on every load/unload attempt; a non-nil error aborts
// the mutation and leaves the previous in-memory spec untouched.
func NewManager(dir string, accept func(pkgspec.Etc) error, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		dir:    dir,
		log:    log,
		accept: accept,
		loaded: make(map[ids.PackageName]Loaded),
	}
}

// LoadedPackages returns the currently loaded package names, for the
// agent's loaded_pkgs() RPC.
func (m *Manager) LoadedPackages() []ids.PackageName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ids.PackageName, 0, len(m.loaded))
	for name := range m.loaded {
		out = append(out, name)
	}
	return out
}

// Current returns the currently active merged spec.
func (m *Manager) Current() pkgspec.Etc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LoadPkg parses path, merges it into the existing loaded set, checks
// structural compatibility against any identifiers already defined by
// other packages, and only commits the merged result once accept succeeds
// for all plugins.
func (m *Manager) LoadPkg(path string) error {
	pkg, err := ParseFile(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make(map[ids.PackageName]Loaded, len(m.loaded)+1)
	for n, p := range m.loaded {
		candidates[n] = p
	}
	candidates[pkg.Name] = pkg

	trial, err := mergeAll(candidates)
	if err != nil {
		return err
	}

	if m.accept != nil {
		if err := m.accept(trial); err != nil {
			return fmt.Errorf("loader: protocol plugins rejected package %s: %w", pkg.Name, err)
		}
	}

	m.loaded[pkg.Name] = pkg
	m.current = trial
	return nil
}

// InstallPkg persists content as a new package artifact under the
// manager's package directory and loads it, the on-disk-artifact
// counterpart to LoadPkg (spec.md §6: install/uninstall are distinct from
// load_pkg/unload_pkg, which operate on a path already on disk). If the
// package fails to load, the artifact is removed rather than left
// orphaned on disk.
func (m *Manager) InstallPkg(name string, content []byte) error {
	path := filepath.Join(m.dir, name+".json")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("loader: write package artifact %s: %w", path, err)
	}
	if err := m.LoadPkg(path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// UninstallPkg unloads name, if loaded, and removes its on-disk artifact.
// A missing artifact file is not an error, matching UnloadPkg's
// idempotence for a name that isn't currently loaded.
func (m *Manager) UninstallPkg(name ids.PackageName) error {
	if err := m.UnloadPkg(name); err != nil {
		return err
	}
	path := filepath.Join(m.dir, string(name)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loader: remove package artifact %s: %w", path, err)
	}
	return nil
}

// UnloadPkg removes name from the loaded set and recomputes the merged
// spec, again gated on plugin acceptance.
func (m *Manager) UnloadPkg(name ids.PackageName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loaded[name]; !ok {
		return nil
	}
	remaining := make(map[ids.PackageName]Loaded, len(m.loaded)-1)
	for n, p := range m.loaded {
		if n != name {
			remaining[n] = p
		}
	}
	trial, err := mergeAll(remaining)
	if err != nil {
		return err
	}
	if m.accept != nil {
		if err := m.accept(trial); err != nil {
			return fmt.Errorf("loader: protocol plugins rejected unload of %s: %w", name, err)
		}
	}
	m.loaded = remaining
	m.current = trial
	return nil
}

// mergeAll merges every package in the candidate set, failing with
// *pkgspec.IncompatibilityError at the first FieldId two packages define
// with conflicting shapes (spec.md §3 invariant: "definitions must be
// structurally equal; otherwise loading fails with an incompatibility
// error"). Map iteration order is nondeterministic, but conflict detection
// itself doesn't depend on order — any pair of differing definitions for
// the same id is an error regardless of which is seen "first".
func mergeAll(loaded map[ids.PackageName]Loaded) (pkgspec.Etc, error) {
	merged := pkgspec.Etc{
		Tables:      make(map[ids.TableId]pkgspec.TableSpec),
		Fields:      make(map[ids.FieldId]pkgspec.FieldSpec),
		Queries:     make(map[ids.QueryId]pkgspec.Query),
		ConfigRules: make(map[ids.FieldId]map[ids.MPId][]pkgspec.ConfigRule),
	}
	for _, p := range loaded {
		for id, t := range p.Etc.Tables {
			merged.Tables[id] = t
		}
		for id, f := range p.Etc.Fields {
			if existing, ok := merged.Fields[id]; ok && !fieldSpecsEqual(existing, f) {
				return pkgspec.Etc{}, &pkgspec.IncompatibilityError{FieldId: id}
			}
			merged.Fields[id] = f
		}
		for id, q := range p.Etc.Queries {
			merged.Queries[id] = q
		}
		for id, byMP := range p.Etc.ConfigRules {
			if merged.ConfigRules[id] == nil {
				merged.ConfigRules[id] = make(map[ids.MPId][]pkgspec.ConfigRule)
			}
			for mp, rules := range byMP {
				merged.ConfigRules[id][mp] = rules
			}
		}
	}
	return merged, nil
}

func fieldSpecsEqual(a, b pkgspec.FieldSpec) bool {
	return a.Source == b.Source &&
		a.DataTableId == b.DataTableId &&
		a.DataFieldId == b.DataFieldId &&
		a.DataExpr == b.DataExpr &&
		a.FormulaExpr == b.FormulaExpr &&
		a.ConfigExpr == b.ConfigExpr &&
		a.InputType == b.InputType
}

// ScanDir lists every monitoring-package JSON file under dir (spec.md §9's
// package directory scan), using doublestar for recursive glob matching.
func ScanDir(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		if ok, _ := doublestar.Match("**/*.json", filepath.ToSlash(rel)); ok {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// Watch starts an fsnotify watcher on dir and calls onChange with the
// changed file's path, removed=false for create/write events and
// removed=true for remove/rename events, until ctx is cancelled
// (spec.md §9's hot load_pkg/unload_pkg on directory change).
func Watch(ctx context.Context, dir string, onChange func(path string, removed bool), log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("loader: watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				switch {
				case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
					onChange(ev.Name, false)
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					onChange(ev.Name, true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("loader: watch error", "error", err)
			}
		}
	}()
	return nil
}
