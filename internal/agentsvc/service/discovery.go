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

// This file implements the agent's ad hoc inventory-discovery RPCs
// (spec.md §6): snmp_get_table and the cloud enumerations (VMware managed
// entities, MSGraph organizations, Azure tenants/subscriptions/resource-
// groups/resources). Each routes through the protocol plugin registry's
// Enumerate the same way get_etc_tables routes RunQueries: a protocol
// with no registered driver, or whose driver doesn't support discovery —
// true of snmp/vmware/msgraph, which spec.md §1 lists among the
// out-of-scope individual protocol driver implementations — reports
// codeUnsupportedProtocol rather than panicking or silently no-opping.
package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tombee/fleetbroker/internal/plugin"
	fleeterrors "github.com/tombee/fleetbroker/pkg/errors"
	"github.com/tombee/fleetbroker/pkg/ids"
)

const codeUnsupportedProtocol = "unsupported_protocol"

// azureProtocol matches the protocol id internal/plugin/azureapi.Plugin
// registers under; duplicated here rather than imported so this package
// keeps talking to protocol drivers only through the registry.
const azureProtocol = ids.Protocol("azureapi")

func handleSNMPGetTable(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, ids.Protocol("snmp"), "get_table", raw)
}

func handleVMwareGetManagedEntities(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, ids.Protocol("vmware"), "get_managed_entities", raw)
}

func handleMSGraphListOrganizations(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, ids.Protocol("msgraph"), "list_organizations", raw)
}

func handleAzureListTenants(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, azureProtocol, "list_tenants", raw)
}

func handleAzureListSubscriptions(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, azureProtocol, "list_subscriptions", raw)
}

func handleAzureListResourceGroups(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, azureProtocol, "list_resource_groups", raw)
}

func handleAzureListResources(ctx context.Context, s *Service, raw json.RawMessage) (any, *fleeterrors.WireError) {
	return enumerate(ctx, s, azureProtocol, "list_resources", raw)
}

func enumerate(ctx context.Context, s *Service, protocol ids.Protocol, op string, params json.RawMessage) (any, *fleeterrors.WireError) {
	result, err := s.registry.Enumerate(ctx, protocol, op, params)
	if err != nil {
		if errors.Is(err, plugin.ErrNoEnumerator) {
			return nil, &fleeterrors.WireError{Code: codeUnsupportedProtocol, Message: err.Error()}
		}
		return nil, &fleeterrors.WireError{Code: "discovery_failed", Message: err.Error()}
	}
	return result, nil
}
