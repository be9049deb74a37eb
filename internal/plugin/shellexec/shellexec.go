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

// Package shellexec implements the "shellexec" protocol driver: runs a
// configured command over SSH against a monitored host and turns each
// output line into one row of the "output" data table (host, line_no,
// line; keyed by host and line number). It is the
// fallback protocol for devices with no richer structured query interface
// (spec.md §1's "heterogeneous protocols" — SNMP/WMI/HTTP plus a plain
// command-execution escape hatch).
package shellexec

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

const protocolName = ids.Protocol("shellexec")

const (
	tableOutput  ids.ProtoDataTableId = "output"
	fieldHost    ids.ProtoDataFieldId = "host"
	fieldLineNum ids.ProtoDataFieldId = "line_no"
	fieldLine    ids.ProtoDataFieldId = "line"
)

// Target is one monitored host to run Command against over SSH.
type Target struct {
	Host       string `yaml:"host" json:"host"`
	User       string `yaml:"user" json:"user"`
	PrivateKey []byte `yaml:"-" json:"-"`
	Command    string `yaml:"command" json:"command"`
}

type Plugin struct {
	mu      sync.RWMutex
	targets []Target
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Protocol() ids.Protocol { return protocolName }

func (p *Plugin) LoadInputs(ctx context.Context, opaqueInputs []any) error {
	merged := make(map[string]Target)
	for _, raw := range opaqueInputs {
		targets, ok := raw.([]Target)
		if !ok {
			return fmt.Errorf("shellexec: expected []Target input, got %T", raw)
		}
		for _, t := range targets {
			if existing, seen := merged[t.Host]; seen && existing.Command != t.Command {
				return fmt.Errorf("shellexec: host %q redefined with a conflicting command", t.Host)
			}
			merged[t.Host] = t
		}
	}
	out := make([]Target, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}

	p.mu.Lock()
	p.targets = out
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Tables() map[ids.DataTableId]pkgspec.DataTableSpec {
	dtID := ids.DataTableId{Protocol: protocolName, Local: tableOutput}
	return map[ids.DataTableId]pkgspec.DataTableSpec{
		dtID: {
			ID:         dtID,
			Fields:     []ids.DataFieldId{{Protocol: protocolName, Local: fieldHost}, {Protocol: protocolName, Local: fieldLineNum}, {Protocol: protocolName, Local: fieldLine}},
			PrimaryKey: []ids.DataFieldId{{Protocol: protocolName, Local: fieldHost}, {Protocol: protocolName, Local: fieldLineNum}},
		},
	}
}

func (p *Plugin) Fields() map[ids.DataFieldId]pkgspec.DataFieldSpec {
	return map[ids.DataFieldId]pkgspec.DataFieldSpec{
		{Protocol: protocolName, Local: fieldHost}:    {InputType: "string"},
		{Protocol: protocolName, Local: fieldLineNum}: {InputType: "integer"},
		{Protocol: protocolName, Local: fieldLine}:    {InputType: "string"},
	}
}

func (p *Plugin) RunQueries(ctx context.Context, queries plugin.QueryMap) map[ids.ProtoDataTableId]plugin.TableOutcome {
	want, wantTable := queries[tableOutput]
	if !wantTable {
		return nil
	}

	p.mu.RLock()
	targets := append([]Target(nil), p.targets...)
	p.mu.RUnlock()

	var rows []plugin.ProtoRow
	var warnings []string
	for _, t := range targets {
		lines, err := runCommand(ctx, t)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("shellexec: %s: %v", t.Host, err))
			continue
		}
		for i, line := range lines {
			row := make(plugin.ProtoRow)
			if _, ok := want[fieldHost]; ok {
				row[fieldHost] = value.DataOk(value.String(t.Host))
			}
			if _, ok := want[fieldLineNum]; ok {
				row[fieldLineNum] = value.DataOk(value.Integer(int64(i)))
			}
			if _, ok := want[fieldLine]; ok {
				row[fieldLine] = value.DataOk(value.String(line))
			}
			rows = append(rows, row)
		}
	}
	return map[ids.ProtoDataTableId]plugin.TableOutcome{tableOutput: {Rows: rows, Warnings: warnings}}
}

func runCommand(ctx context.Context, t Target) ([]string, error) {
	signer, err := ssh.ParsePrivateKey(t.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	// Host-key verification is the caller's responsibility: shellexec
	// targets are monitored devices, not broker-pinned agent tunnels, so
	// there is no equivalent of sshconn's pinned-fingerprint set here yet
	// (tracked as an open gap, not a silent weakening of sshconn's model).
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := ssh.Dial("tcp", t.Host, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(t.Command)
	if err != nil {
		return nil, fmt.Errorf("running %q: %w", t.Command, err)
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, nil
}
