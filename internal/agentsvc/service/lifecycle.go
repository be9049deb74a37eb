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
	"log/slog"

	"github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
)

type pingResult struct {
	OK bool `json:"ok"`
}

func handlePing(_ context.Context, _ *Service, _ json.RawMessage) (any, *errors.WireError) {
	return pingResult{OK: true}, nil
}

func handleConfig(_ context.Context, s *Service, _ json.RawMessage) (any, *errors.WireError) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg, nil
}

type shutdownResult struct {
	CounterEntriesSaved int `json:"counter_entries_saved"`
}

// handleShutdown implements spec.md §4.12's "shutdown drains outstanding
// collection cycles and saves the counter store": it stops accepting new
// work, waits for in-flight RPCs to finish, then persists the counter
// store before the caller tears the process down.
func handleShutdown(_ context.Context, s *Service, _ json.RawMessage) (any, *errors.WireError) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return shutdownResult{CounterEntriesSaved: s.counters.Len()}, nil
	}
	s.draining = true
	path := s.cfg.CounterStorePath
	s.mu.Unlock()

	// This call holds one in-flight slot itself (taken in dispatch); release
	// it while waiting so Wait covers only the other outstanding calls.
	s.inflight.Done()
	s.inflight.Wait()
	s.inflight.Add(1)

	if path != "" {
		if err := s.counters.Save(path); err != nil {
			s.log.Error("failed to save counter store on shutdown", slog.String("path", path), slog.Any("error", err))
			return nil, &errors.WireError{Code: "io_error", Message: err.Error()}
		}
	}
	return shutdownResult{CounterEntriesSaved: s.counters.Len()}, nil
}

type loadPkgParams struct {
	Path string `json:"path"`
}

func handleLoadPkg(_ context.Context, s *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p loadPkgParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	if err := s.manager.LoadPkg(p.Path); err != nil {
		return nil, &errors.WireError{Code: "pkg_load_failed", Message: err.Error()}
	}
	return struct{}{}, nil
}

type installParams struct {
	Name    string `json:"name"`
	Package string `json:"package"`
}

// handleInstall implements install (spec.md §6), the package-artifact
// lifecycle distinct from load_pkg: it persists Package's content under
// the agent's package directory before loading it, so the package
// survives an agent restart the way one dropped in by an operator would.
func handleInstall(_ context.Context, s *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p installParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	if err := s.manager.InstallPkg(p.Name, []byte(p.Package)); err != nil {
		return nil, &errors.WireError{Code: "pkg_install_failed", Message: err.Error()}
	}
	return struct{}{}, nil
}

type uninstallParams struct {
	Name string `json:"name"`
}

// handleUninstall implements uninstall (spec.md §6): unloads name and
// deletes its on-disk artifact, the counterpart to handleInstall.
func handleUninstall(_ context.Context, s *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p uninstallParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	if err := s.manager.UninstallPkg(ids.PackageName(p.Name)); err != nil {
		return nil, &errors.WireError{Code: "pkg_uninstall_failed", Message: err.Error()}
	}
	return struct{}{}, nil
}

type unloadPkgParams struct {
	Name string `json:"name"`
}

func handleUnloadPkg(_ context.Context, s *Service, raw json.RawMessage) (any, *errors.WireError) {
	var p unloadPkgParams
	if werr := decodeParams(raw, &p); werr != nil {
		return nil, werr
	}
	if err := s.manager.UnloadPkg(ids.PackageName(p.Name)); err != nil {
		return nil, &errors.WireError{Code: "pkg_unload_failed", Message: err.Error()}
	}
	return struct{}{}, nil
}

type loadedPkgsResult struct {
	Packages []string `json:"packages"`
}

func handleLoadedPkgs(_ context.Context, s *Service, _ json.RawMessage) (any, *errors.WireError) {
	loaded := s.manager.LoadedPackages()
	out := make([]string, len(loaded))
	for i, n := range loaded {
		out[i] = string(n)
	}
	return loadedPkgsResult{Packages: out}, nil
}
