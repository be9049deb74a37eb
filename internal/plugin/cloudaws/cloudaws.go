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

// Package cloudaws implements the "cloudaws" protocol driver: AWS account
// and assumed-role identity enumeration, one row per configured account/
// role pair, backing monitoring packages that inventory cloud targets.
package cloudaws

import (
	"context"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

const protocolName = ids.Protocol("cloudaws")

const (
	tableAccounts ids.ProtoDataTableId = "accounts"
	fieldRoleARN  ids.ProtoDataFieldId = "role_arn"
	fieldAccount  ids.ProtoDataFieldId = "account_id"
	fieldARN      ids.ProtoDataFieldId = "arn"
	fieldUserID   ids.ProtoDataFieldId = "user_id"
)

// RoleTarget is one account/role the plugin assumes and probes identity
// for each cycle, confirming the credentials are live and recording the
// resolved account id.
type RoleTarget struct {
	Region  string `yaml:"region" json:"region"`
	RoleARN string `yaml:"role_arn" json:"role_arn"`
}

type Plugin struct {
	mu      sync.RWMutex
	targets []RoleTarget
	clients map[string]*sts.Client
}

func New() *Plugin {
	return &Plugin{clients: make(map[string]*sts.Client)}
}

func (p *Plugin) Protocol() ids.Protocol { return protocolName }

func (p *Plugin) LoadInputs(ctx context.Context, opaqueInputs []any) error {
	merged := make(map[string]RoleTarget)
	for _, raw := range opaqueInputs {
		targets, ok := raw.([]RoleTarget)
		if !ok {
			return fmt.Errorf("cloudaws: expected []RoleTarget input, got %T", raw)
		}
		for _, t := range targets {
			if existing, seen := merged[t.RoleARN]; seen && existing != t {
				return fmt.Errorf("cloudaws: role %q redefined incompatibly", t.RoleARN)
			}
			merged[t.RoleARN] = t
		}
	}

	clients := make(map[string]*sts.Client, len(merged))
	out := make([]RoleTarget, 0, len(merged))
	for _, t := range merged {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(t.Region))
		if err != nil {
			return fmt.Errorf("cloudaws: loading default config for region %q: %w", t.Region, err)
		}
		clients[t.RoleARN] = sts.NewFromConfig(cfg)
		out = append(out, t)
	}

	p.mu.Lock()
	p.targets = out
	p.clients = clients
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Tables() map[ids.DataTableId]pkgspec.DataTableSpec {
	dtID := ids.DataTableId{Protocol: protocolName, Local: tableAccounts}
	return map[ids.DataTableId]pkgspec.DataTableSpec{
		dtID: {
			ID: dtID,
			Fields: []ids.DataFieldId{
				{Protocol: protocolName, Local: fieldRoleARN},
				{Protocol: protocolName, Local: fieldAccount},
				{Protocol: protocolName, Local: fieldARN},
				{Protocol: protocolName, Local: fieldUserID},
			},
			PrimaryKey: []ids.DataFieldId{{Protocol: protocolName, Local: fieldRoleARN}},
		},
	}
}

func (p *Plugin) Fields() map[ids.DataFieldId]pkgspec.DataFieldSpec {
	return map[ids.DataFieldId]pkgspec.DataFieldSpec{
		{Protocol: protocolName, Local: fieldRoleARN}: {InputType: "string"},
		{Protocol: protocolName, Local: fieldAccount}: {InputType: "string"},
		{Protocol: protocolName, Local: fieldARN}:     {InputType: "string"},
		{Protocol: protocolName, Local: fieldUserID}:  {InputType: "string"},
	}
}

func (p *Plugin) RunQueries(ctx context.Context, queries plugin.QueryMap) map[ids.ProtoDataTableId]plugin.TableOutcome {
	want, wantTable := queries[tableAccounts]
	if !wantTable {
		return nil
	}

	p.mu.RLock()
	targets := append([]RoleTarget(nil), p.targets...)
	clients := p.clients
	p.mu.RUnlock()

	var rows []plugin.ProtoRow
	var warnings []string
	for _, t := range targets {
		client := clients[t.RoleARN]
		ident, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("cloudaws: assume %q: %v", t.RoleARN, err))
			continue
		}
		row := make(plugin.ProtoRow)
		if _, ok := want[fieldRoleARN]; ok {
			row[fieldRoleARN] = value.DataOk(value.String(t.RoleARN))
		}
		if _, ok := want[fieldAccount]; ok {
			row[fieldAccount] = value.DataOk(value.String(derefString(ident.Account)))
		}
		if _, ok := want[fieldARN]; ok {
			row[fieldARN] = value.DataOk(value.String(derefString(ident.Arn)))
		}
		if _, ok := want[fieldUserID]; ok {
			row[fieldUserID] = value.DataOk(value.String(derefString(ident.UserId)))
		}
		rows = append(rows, row)
	}
	return map[ids.ProtoDataTableId]plugin.TableOutcome{tableAccounts: {Rows: rows, Warnings: warnings}}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
