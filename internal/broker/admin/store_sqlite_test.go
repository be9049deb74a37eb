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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fleetbroker/pkg/ids"
)

func TestSQLiteStore_PutLoadDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	org, agent := ids.OrgId("acme"), ids.AgentId("edge-1")
	cfg := SSHConfig{Host: "bastion:22", AgentPort: 9100, KnownHosts: map[string]string{"bastion:22": "SHA256:abc"}}

	require.NoError(t, store.Put(org, agent, cfg))

	loaded, err := store.Load(org)
	require.NoError(t, err)
	require.Contains(t, loaded, agent)
	assert.Equal(t, cfg.Host, loaded[agent].Host)
	assert.Equal(t, cfg.KnownHosts, loaded[agent].KnownHosts)

	// Upsert replaces.
	cfg.AgentPort = 9200
	require.NoError(t, store.Put(org, agent, cfg))
	loaded, err = store.Load(org)
	require.NoError(t, err)
	assert.Equal(t, 9200, loaded[agent].AgentPort)

	require.NoError(t, store.Delete(org, agent))
	loaded, err = store.Load(org)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
