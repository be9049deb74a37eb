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

// Package azureapi implements the "azureapi" protocol driver: tenant and
// subscription enumeration against Azure Resource Manager, authenticated
// via OAuth2 client-credentials.
package azureapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/httpclient"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

const protocolName = ids.Protocol("azureapi")

const (
	tableSubscriptions ids.ProtoDataTableId = "subscriptions"
	fieldSubID         ids.ProtoDataFieldId = "subscription_id"
	fieldDisplayName   ids.ProtoDataFieldId = "display_name"
	fieldState         ids.ProtoDataFieldId = "state"
)

// Tenant is one configured Azure AD tenant to enumerate subscriptions
// under, authenticated with an app registration's client credentials.
type Tenant struct {
	TenantID     string `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
}

const managementScope = "https://management.azure.com/.default"
const subscriptionsURL = "https://management.azure.com/subscriptions?api-version=2022-12-01"

type subscriptionsResponse struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		DisplayName    string `json:"displayName"`
		State          string `json:"state"`
	} `json:"value"`
}

// Plugin enumerates subscriptions for each configured tenant using a
// retrying HTTP client per tenant (each carrying its own OAuth2 token
// source, since credentials differ per tenant).
type Plugin struct {
	mu      sync.RWMutex
	tenants []Tenant
	clients map[string]*http.Client
}

func New() *Plugin {
	return &Plugin{clients: make(map[string]*http.Client)}
}

func (p *Plugin) Protocol() ids.Protocol { return protocolName }

func (p *Plugin) LoadInputs(ctx context.Context, opaqueInputs []any) error {
	merged := make(map[string]Tenant)
	for _, raw := range opaqueInputs {
		tenants, ok := raw.([]Tenant)
		if !ok {
			return fmt.Errorf("azureapi: expected []Tenant input, got %T", raw)
		}
		for _, t := range tenants {
			if existing, seen := merged[t.TenantID]; seen && existing != t {
				return fmt.Errorf("azureapi: tenant %q redefined incompatibly", t.TenantID)
			}
			merged[t.TenantID] = t
		}
	}

	base, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return fmt.Errorf("azureapi: building base http client: %w", err)
	}

	clients := make(map[string]*http.Client, len(merged))
	out := make([]Tenant, 0, len(merged))
	for _, t := range merged {
		cfg := clientcredentials.Config{
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", t.TenantID),
			Scopes:       []string{managementScope},
		}
		tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, base)
		clients[t.TenantID] = cfg.Client(tokenCtx)
		out = append(out, t)
	}

	p.mu.Lock()
	p.tenants = out
	p.clients = clients
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Tables() map[ids.DataTableId]pkgspec.DataTableSpec {
	dtID := ids.DataTableId{Protocol: protocolName, Local: tableSubscriptions}
	return map[ids.DataTableId]pkgspec.DataTableSpec{
		dtID: {
			ID:         dtID,
			Fields:     []ids.DataFieldId{{Protocol: protocolName, Local: fieldSubID}, {Protocol: protocolName, Local: fieldDisplayName}, {Protocol: protocolName, Local: fieldState}},
			PrimaryKey: []ids.DataFieldId{{Protocol: protocolName, Local: fieldSubID}},
		},
	}
}

func (p *Plugin) Fields() map[ids.DataFieldId]pkgspec.DataFieldSpec {
	return map[ids.DataFieldId]pkgspec.DataFieldSpec{
		{Protocol: protocolName, Local: fieldSubID}:       {InputType: "string"},
		{Protocol: protocolName, Local: fieldDisplayName}: {InputType: "string"},
		{Protocol: protocolName, Local: fieldState}:       {InputType: "string"},
	}
}

func (p *Plugin) RunQueries(ctx context.Context, queries plugin.QueryMap) map[ids.ProtoDataTableId]plugin.TableOutcome {
	want, wantTable := queries[tableSubscriptions]
	if !wantTable {
		return nil
	}

	p.mu.RLock()
	tenants := append([]Tenant(nil), p.tenants...)
	clients := p.clients
	p.mu.RUnlock()

	var rows []plugin.ProtoRow
	for _, t := range tenants {
		client := clients[t.TenantID]
		subs, err := fetchSubscriptions(ctx, client)
		if err != nil {
			return map[ids.ProtoDataTableId]plugin.TableOutcome{
				tableSubscriptions: {Err: fmt.Errorf("azureapi: tenant %s: %w", t.TenantID, err)},
			}
		}
		for _, s := range subs.Value {
			row := make(plugin.ProtoRow)
			if _, ok := want[fieldSubID]; ok {
				row[fieldSubID] = value.DataOk(value.String(s.SubscriptionID))
			}
			if _, ok := want[fieldDisplayName]; ok {
				row[fieldDisplayName] = value.DataOk(value.String(s.DisplayName))
			}
			if _, ok := want[fieldState]; ok {
				row[fieldState] = value.DataOk(value.String(s.State))
			}
			rows = append(rows, row)
		}
	}
	return map[ids.ProtoDataTableId]plugin.TableOutcome{tableSubscriptions: {Rows: rows}}
}

// ResourceGroup is one resource group under an enumerated subscription.
type ResourceGroup struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Resource is one resource under an enumerated subscription.
type Resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type resourceGroupsResponse struct {
	Value []struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	} `json:"value"`
}

type resourcesResponse struct {
	Value []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"value"`
}

type subscriptionScopedParams struct {
	SubscriptionID string `json:"subscription_id"`
}

// Enumerate implements plugin.Enumerator for the azureapi protocol's four
// cloud-enumeration RPCs (spec.md §6): list_tenants returns the
// configured tenant ids without a network call, since they're already
// known from LoadInputs; list_subscriptions calls the Azure Resource
// Manager subscription list endpoint once per configured tenant, with that
// tenant's client; list_resource_groups and list_resources each call the
// corresponding list endpoint using the first configured tenant's client
// (resource group and resource enumeration are scoped to one subscription
// at a time, per the original source catalogue's per-subscription
// signature).
func (p *Plugin) Enumerate(ctx context.Context, op string, params json.RawMessage) (any, error) {
	p.mu.RLock()
	tenants := append([]Tenant(nil), p.tenants...)
	clients := p.clients
	p.mu.RUnlock()

	switch op {
	case "list_tenants":
		out := make([]string, len(tenants))
		for i, t := range tenants {
			out[i] = t.TenantID
		}
		return out, nil

	case "list_subscriptions":
		var out []subscriptionsResponse
		for _, t := range tenants {
			subs, err := fetchSubscriptions(ctx, clients[t.TenantID])
			if err != nil {
				return nil, fmt.Errorf("azureapi: tenant %s: %w", t.TenantID, err)
			}
			out = append(out, *subs)
		}
		return out, nil

	case "list_resource_groups":
		var p2 subscriptionScopedParams
		if err := json.Unmarshal(params, &p2); err != nil {
			return nil, fmt.Errorf("azureapi: decode params: %w", err)
		}
		client, err := firstClient(tenants, clients)
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("https://management.azure.com/subscriptions/%s/resourcegroups?api-version=2021-04-01", p2.SubscriptionID)
		var resp resourceGroupsResponse
		if err := fetchJSON(ctx, client, url, &resp); err != nil {
			return nil, err
		}
		out := make([]ResourceGroup, len(resp.Value))
		for i, v := range resp.Value {
			out[i] = ResourceGroup{Name: v.Name, Location: v.Location}
		}
		return out, nil

	case "list_resources":
		var p2 subscriptionScopedParams
		if err := json.Unmarshal(params, &p2); err != nil {
			return nil, fmt.Errorf("azureapi: decode params: %w", err)
		}
		client, err := firstClient(tenants, clients)
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("https://management.azure.com/subscriptions/%s/resources?api-version=2021-04-01", p2.SubscriptionID)
		var resp resourcesResponse
		if err := fetchJSON(ctx, client, url, &resp); err != nil {
			return nil, err
		}
		out := make([]Resource, len(resp.Value))
		for i, v := range resp.Value {
			out[i] = Resource{ID: v.ID, Name: v.Name, Type: v.Type}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("azureapi: unknown enumerate op %q", op)
	}
}

func firstClient(tenants []Tenant, clients map[string]*http.Client) (*http.Client, error) {
	if len(tenants) == 0 {
		return nil, fmt.Errorf("azureapi: no tenant configured")
	}
	return clients[tenants[0].TenantID], nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fetchSubscriptions(ctx context.Context, client *http.Client) (*subscriptionsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscriptionsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out subscriptionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
