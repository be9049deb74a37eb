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

package admin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/internal/broker/registry"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/wire"
)

type memStore struct {
	data map[ids.OrgId]map[ids.AgentId]SSHConfig
}

func newMemStore() *memStore { return &memStore{data: map[ids.OrgId]map[ids.AgentId]SSHConfig{}} }

func (m *memStore) Load(org ids.OrgId) (map[ids.AgentId]SSHConfig, error) {
	out := make(map[ids.AgentId]SSHConfig)
	for k, v := range m.data[org] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Put(org ids.OrgId, agent ids.AgentId, cfg SSHConfig) error {
	if m.data[org] == nil {
		m.data[org] = make(map[ids.AgentId]SSHConfig)
	}
	m.data[org][agent] = cfg
	return nil
}

func (m *memStore) Delete(org ids.OrgId, agent ids.AgentId) error {
	delete(m.data[org], agent)
	return nil
}

type fakeSupervisor struct {
	started []string
	stopped []string
}

func (f *fakeSupervisor) Start(org ids.OrgId, agent ids.AgentId, cfg SSHConfig) {
	f.started = append(f.started, string(org)+"/"+string(agent))
}
func (f *fakeSupervisor) Stop(org ids.OrgId, agent ids.AgentId) {
	f.stopped = append(f.stopped, string(org)+"/"+string(agent))
}

func TestService_ConnectAgent_IdempotentReplace(t *testing.T) {
	reg := registry.New()
	sup := &fakeSupervisor{}
	svc := NewService(reg, newMemStore(), sup)
	org, agent := ids.OrgId("acme"), ids.AgentId("edge-1")

	cfg := SSHConfig{Host: "bastion:22", AgentPort: 9100}
	require.NoError(t, svc.ConnectAgent(org, agent, cfg))
	require.NoError(t, svc.ConnectAgent(org, agent, cfg)) // identical config: no reconnect

	assert.Len(t, sup.started, 1)
	assert.Len(t, sup.stopped, 0)

	cfg2 := cfg
	cfg2.AgentPort = 9200
	require.NoError(t, svc.ConnectAgent(org, agent, cfg2))
	assert.Len(t, sup.started, 2)
	assert.Len(t, sup.stopped, 1)
}

func TestService_DisconnectAgent(t *testing.T) {
	reg := registry.New()
	sup := &fakeSupervisor{}
	svc := NewService(reg, newMemStore(), sup)
	org, agent := ids.OrgId("acme"), ids.AgentId("edge-1")

	require.NoError(t, svc.ConnectAgent(org, agent, SSHConfig{Host: "bastion:22"}))
	require.NoError(t, svc.DisconnectAgent(org, agent))

	cfgs, err := svc.SSHConnections(org)
	require.NoError(t, err)
	assert.Empty(t, cfgs)
	assert.Len(t, sup.stopped, 1)
}

func TestService_NoCrossTenantAccess(t *testing.T) {
	reg := registry.New()
	reg.AttachAgent(ids.OrgId("org-b"), ids.AgentId("edge-1"), registry.NewEgress[wire.BrokerToAgent](1))

	svc := NewService(reg, newMemStore(), &fakeSupervisor{})
	infos := svc.ConnectedAgents(ids.OrgId("org-a"))
	assert.Empty(t, infos, "org-a must not see org-b's agents")
}

func TestService_Handle_ConnectAndQuery(t *testing.T) {
	reg := registry.New()
	svc := NewService(reg, newMemStore(), &fakeSupervisor{})
	org := ids.OrgId("acme")

	params, _ := json.Marshal(map[string]any{
		"agent_id": "edge-1",
		"config":   SSHConfig{Host: "bastion:22", AgentPort: 9100},
	})
	resp := svc.Handle(context.Background(), org, wire.Request{RequestId: "r1", Method: MethodConnectAgent, Params: params})
	require.Nil(t, resp.Err)

	listResp := svc.Handle(context.Background(), org, wire.Request{RequestId: "r2", Method: MethodSSHConnections})
	require.Nil(t, listResp.Err)
	var cfgs map[string]SSHConfig
	require.NoError(t, json.Unmarshal(listResp.Result, &cfgs))
	assert.Contains(t, cfgs, "edge-1")
}

func TestService_Handle_UnknownMethod(t *testing.T) {
	svc := NewService(registry.New(), newMemStore(), &fakeSupervisor{})
	resp := svc.Handle(context.Background(), ids.OrgId("acme"), wire.Request{RequestId: "r1", Method: "bogus"})
	require.NotNil(t, resp.Err)
}
