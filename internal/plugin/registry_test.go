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

package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/internal/queryengine"
	"github.com/tombee/fleetbroker/pkg/ids"
	"github.com/tombee/fleetbroker/pkg/pkgspec"
	"github.com/tombee/fleetbroker/pkg/value"
)

type fakePlugin struct {
	proto   ids.Protocol
	results map[ids.ProtoDataTableId]TableOutcome
}

func (f *fakePlugin) Protocol() ids.Protocol                             { return f.proto }
func (f *fakePlugin) LoadInputs(ctx context.Context, inputs []any) error { return nil }
func (f *fakePlugin) Tables() map[ids.DataTableId]pkgspec.DataTableSpec  { return nil }
func (f *fakePlugin) Fields() map[ids.DataFieldId]pkgspec.DataFieldSpec  { return nil }
func (f *fakePlugin) RunQueries(ctx context.Context, q QueryMap) map[ids.ProtoDataTableId]TableOutcome {
	return f.results
}

func TestRunQueries_Success(t *testing.T) {
	p := &fakePlugin{
		proto: "snmp",
		results: map[ids.ProtoDataTableId]TableOutcome{
			"ifTable": {Rows: []ProtoRow{{"name": value.DataOk(value.String("eth0"))}}},
		},
	}
	r := NewRegistry()
	r.Register(p)

	out := r.RunQueries(context.Background(), map[ids.Protocol]map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}{
		"snmp": {"ifTable": {"name": {}}},
	})

	dtID := ids.DataTableId{Protocol: "snmp", Local: "ifTable"}
	res, ok := out[dtID]
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.Len(t, res.Rows.Value, 1)
	assert.Equal(t, "eth0", res.Rows.Value[0][ids.DataFieldId{Protocol: "snmp", Local: "name"}].Val.String)
}

func TestRunQueries_MissingTablePromotedToPerTableError(t *testing.T) {
	p := &fakePlugin{proto: "snmp", results: map[ids.ProtoDataTableId]TableOutcome{}}
	r := NewRegistry()
	r.Register(p)

	out := r.RunQueries(context.Background(), map[ids.Protocol]map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}{
		"snmp": {"ifTable": {"name": {}}},
	})
	dtID := ids.DataTableId{Protocol: "snmp", Local: "ifTable"}
	res := out[dtID]
	require.Error(t, res.Err)
	var dtErr *DataTableError
	require.ErrorAs(t, res.Err, &dtErr)
	assert.Equal(t, OriginDataTable, dtErr.Origin)
}

func TestRunQueries_NoPluginIsProtocolError(t *testing.T) {
	r := NewRegistry()
	out := r.RunQueries(context.Background(), map[ids.Protocol]map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}{
		"wmi": {"services": {"name": {}}},
	})
	dtID := ids.DataTableId{Protocol: "wmi", Local: "services"}
	res := out[dtID]
	require.Error(t, res.Err)
	var dtErr *DataTableError
	require.ErrorAs(t, res.Err, &dtErr)
	assert.Equal(t, OriginProtocol, dtErr.Origin)
}

func TestRunQueries_PluginErrorIsolatedToItsTable(t *testing.T) {
	p := &fakePlugin{
		proto: "snmp",
		results: map[ids.ProtoDataTableId]TableOutcome{
			"ifTable": {Rows: []ProtoRow{{"name": value.DataOk(value.String("eth0"))}}},
			"cpuTable": {Err: errors.New("boom")},
		},
	}
	r := NewRegistry()
	r.Register(p)
	out := r.RunQueries(context.Background(), map[ids.Protocol]map[ids.ProtoDataTableId]map[ids.ProtoDataFieldId]struct{}{
		"snmp": {"ifTable": {"name": {}}, "cpuTable": {"load": {}}},
	})

	okID := ids.DataTableId{Protocol: "snmp", Local: "ifTable"}
	errID := ids.DataTableId{Protocol: "snmp", Local: "cpuTable"}
	require.NoError(t, out[okID].Err)
	require.Error(t, out[errID].Err)
}

func TestAsFetch_UnknownTableIsDoesntExist(t *testing.T) {
	fetch := AsFetch(map[ids.DataTableId]TableResult{})
	_, err := fetch(ids.DataTableId{Protocol: "snmp", Local: "missing"})
	require.ErrorIs(t, err, queryengine.ErrDoesntExist)
}
