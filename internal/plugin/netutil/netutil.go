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

// Package netutil implements the "netutil" protocol driver: forward (A
// record) DNS lookups of a batch of targets, backing monitoring packages'
// dns_lookup and dns_lookup_batch checks. Reverse (PTR) lookups are not
// performed.
package netutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

const protocolName = ids.Protocol("netutil")

const (
	tableHosts  ids.ProtoDataTableId = "hosts"
	fieldName   ids.ProtoDataFieldId = "name"
	fieldTarget ids.ProtoDataFieldId = "target"
	fieldAddr   ids.ProtoDataFieldId = "address"
	fieldRTTMs  ids.ProtoDataFieldId = "rtt_ms"
)

// Target is one configured lookup: a logical name and the name to resolve
// with an A query. An IP address in Query is not turned into a reverse
// lookup; it is sent as an A query like any other name.
type Target struct {
	Name   string `yaml:"name" json:"name"`
	Query  string `yaml:"query" json:"query"`
	Server string `yaml:"server,omitempty" json:"server,omitempty"`
}

// Plugin resolves a batch of DNS targets each collection cycle using
// miekg/dns directly against a resolver (8.8.8.8:53 by default, or a
// per-target server override); the system resolver configuration is not
// read.
type Plugin struct {
	mu      sync.RWMutex
	targets []Target
	client  *dns.Client
}

// New constructs an unconfigured netutil plugin; LoadInputs populates its
// target list.
func New() *Plugin {
	return &Plugin{client: &dns.Client{Timeout: 5 * time.Second}}
}

func (p *Plugin) Protocol() ids.Protocol { return protocolName }

// LoadInputs accumulates every package's contributed []Target list into
// one combined set. A target naming the same Name twice with a different
// Query is a structural incompatibility and fails the whole reload.
func (p *Plugin) LoadInputs(ctx context.Context, opaqueInputs []any) error {
	merged := make(map[string]Target)
	for _, raw := range opaqueInputs {
		targets, ok := raw.([]Target)
		if !ok {
			return fmt.Errorf("netutil: expected []Target input, got %T", raw)
		}
		for _, t := range targets {
			if existing, seen := merged[t.Name]; seen && existing != t {
				return fmt.Errorf("netutil: target %q redefined incompatibly", t.Name)
			}
			merged[t.Name] = t
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
	dtID := ids.DataTableId{Protocol: protocolName, Local: tableHosts}
	return map[ids.DataTableId]pkgspec.DataTableSpec{
		dtID: {
			ID:         dtID,
			Fields:     []ids.DataFieldId{{Protocol: protocolName, Local: fieldName}, {Protocol: protocolName, Local: fieldTarget}, {Protocol: protocolName, Local: fieldAddr}, {Protocol: protocolName, Local: fieldRTTMs}},
			PrimaryKey: []ids.DataFieldId{{Protocol: protocolName, Local: fieldName}},
		},
	}
}

func (p *Plugin) Fields() map[ids.DataFieldId]pkgspec.DataFieldSpec {
	return map[ids.DataFieldId]pkgspec.DataFieldSpec{
		{Protocol: protocolName, Local: fieldName}:   {InputType: "string"},
		{Protocol: protocolName, Local: fieldTarget}: {InputType: "string"},
		{Protocol: protocolName, Local: fieldAddr}:   {InputType: "string"},
		{Protocol: protocolName, Local: fieldRTTMs}:  {InputType: "float"},
	}
}

func (p *Plugin) RunQueries(ctx context.Context, queries plugin.QueryMap) map[ids.ProtoDataTableId]plugin.TableOutcome {
	fields, wantTable := queries[tableHosts]
	if !wantTable {
		return nil
	}

	p.mu.RLock()
	targets := append([]Target(nil), p.targets...)
	p.mu.RUnlock()

	rows := make([]plugin.ProtoRow, 0, len(targets))
	var warnings []string
	for _, t := range targets {
		row, warn := p.lookup(ctx, t, fields)
		if warn != "" {
			warnings = append(warnings, warn)
		}
		rows = append(rows, row)
	}
	return map[ids.ProtoDataTableId]plugin.TableOutcome{
		tableHosts: {Rows: rows, Warnings: warnings},
	}
}

func (p *Plugin) lookup(ctx context.Context, t Target, want map[ids.ProtoDataFieldId]struct{}) (plugin.ProtoRow, string) {
	row := make(plugin.ProtoRow)
	if _, ok := want[fieldName]; ok {
		row[fieldName] = value.DataOk(value.String(t.Name))
	}
	if _, ok := want[fieldTarget]; ok {
		row[fieldTarget] = value.DataOk(value.String(t.Query))
	}

	server := t.Server
	if server == "" {
		server = "8.8.8.8:53"
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(t.Query), dns.TypeA)

	resp, rtt, err := p.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		if _, ok := want[fieldAddr]; ok {
			row[fieldAddr] = value.DataErr(value.External(err.Error()))
		}
		return row, fmt.Sprintf("netutil: lookup %q via %s: %v", t.Query, server, err)
	}

	var addr string
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			addr = a.A.String()
			break
		}
	}
	if _, ok := want[fieldAddr]; ok {
		if addr == "" {
			row[fieldAddr] = value.DataErr(value.Missing())
		} else {
			row[fieldAddr] = value.DataOk(value.String(addr))
		}
	}
	if _, ok := want[fieldRTTMs]; ok {
		row[fieldRTTMs] = value.DataOk(value.Float(float64(rtt.Microseconds()) / 1000.0))
	}
	return row, ""
}
