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
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/internal/counter"
	"github.com/tombee/fleetbroker/internal/expr"
	"github.com/tombee/fleetbroker/internal/loader"
	"github.com/tombee/fleetbroker/internal/plugin"
	"github.com/tombee/fleetbroker/pkg/wire"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mgr := loader.NewManager(t.TempDir(), nil, nil)
	reg := plugin.NewRegistry()
	return New(mgr, reg, expr.New(), counter.New(), Config{}, nil)
}

func TestHandlePing(t *testing.T) {
	s := newTestService(t)
	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "ping"})
	require.Nil(t, resp.Err)
	var out pingResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.True(t, out.OK)
}

func TestHandleUnknownMethod(t *testing.T) {
	s := newTestService(t)
	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "not_a_method"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, codeMethodNotFound, resp.Err.Code)
}

func TestHandleLoadedPkgs_StartsEmpty(t *testing.T) {
	s := newTestService(t)
	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "loaded_pkgs"})
	require.Nil(t, resp.Err)
	var out loadedPkgsResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Empty(t, out.Packages)
}

func TestHandleConfig_ReturnsConfiguredValue(t *testing.T) {
	mgr := loader.NewManager(t.TempDir(), nil, nil)
	reg := plugin.NewRegistry()
	s := New(mgr, reg, expr.New(), counter.New(), Config{PackageDir: "/etc/fleetbroker/pkgs"}, nil)

	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "config"})
	require.Nil(t, resp.Err)
	var out Config
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "/etc/fleetbroker/pkgs", out.PackageDir)
}

func TestHandleShutdown_SavesCounterStoreAndRejectsFurtherCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.json")
	mgr := loader.NewManager(t.TempDir(), nil, nil)
	reg := plugin.NewRegistry()
	s := New(mgr, reg, expr.New(), counter.New(), Config{CounterStorePath: path}, nil)

	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "shutdown"})
	require.Nil(t, resp.Err)

	resp = s.Handle(context.Background(), wire.Request{RequestId: "2", Method: "ping"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, codeShuttingDown, resp.Err.Code)
}

func TestHandleGetEtcTables_NoTablesRequestedIsEmptyResult(t *testing.T) {
	s := newTestService(t)
	params, err := json.Marshal(getEtcTablesParams{TableIds: nil, QueryMode: "monitoring"})
	require.NoError(t, err)

	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "get_etc_tables", Params: params})
	require.Nil(t, resp.Err)
	var out getEtcTablesResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Empty(t, out)
}

func TestHandlePortScan_DetectsOpenAndClosedPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	openPort := ln.Addr().(*net.TCPAddr).Port

	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := closedLn.Addr().(*net.TCPAddr).Port
	require.NoError(t, closedLn.Close())

	s := newTestService(t)
	params, err := json.Marshal(portScanParams{Host: "127.0.0.1", Ports: []int{openPort, closedPort}, TimeoutMs: 200})
	require.NoError(t, err)

	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "port_scan", Params: params})
	require.Nil(t, resp.Err)
	var out portScanResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	require.Len(t, out.Ports, 2)
	open := make(map[int]bool, len(out.Ports))
	for _, r := range out.Ports {
		open[r.Port] = r.Open
	}
	assert.True(t, open[openPort])
	assert.False(t, open[closedPort])
}

func TestHandleOS_ReportsRuntimePlatform(t *testing.T) {
	s := newTestService(t)
	resp := s.Handle(context.Background(), wire.Request{RequestId: "1", Method: "os"})
	require.Nil(t, resp.Err)
	var out osResult
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.NotEmpty(t, out.OS)
	assert.NotEmpty(t, out.Arch)
}
