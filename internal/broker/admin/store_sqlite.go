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
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tombee/fleetbroker/pkg/ids"
)

// SQLiteStore persists SSH tunnel configuration in an embedded SQLite
// database, adapted from the teacher's internal/controller/backend/sqlite
// (same pure-Go driver, same "open once, single file" shape) repurposed
// from workflow-run storage to broker operational state: a tenant's
// admin-configured SSH connections are local operational data, not a
// multi-writer shared store, so a second (postgres) driver buys nothing
// here and was dropped (see DESIGN.md).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the SQLite database at path and
// ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("admin: open sqlite store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ssh_connections (
			org_id   TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			config   TEXT NOT NULL,
			PRIMARY KEY (org_id, agent_id)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("admin: migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Load returns every SSH config persisted for org.
func (s *SQLiteStore) Load(org ids.OrgId) (map[ids.AgentId]SSHConfig, error) {
	rows, err := s.db.Query(`SELECT agent_id, config FROM ssh_connections WHERE org_id = ?`, string(org))
	if err != nil {
		return nil, fmt.Errorf("admin: load ssh connections: %w", err)
	}
	defer rows.Close()

	out := make(map[ids.AgentId]SSHConfig)
	for rows.Next() {
		var agentID, raw string
		if err := rows.Scan(&agentID, &raw); err != nil {
			return nil, fmt.Errorf("admin: scan ssh connection row: %w", err)
		}
		var cfg SSHConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("admin: decode ssh config for %s/%s: %w", org, agentID, err)
		}
		out[ids.AgentId(agentID)] = cfg
	}
	return out, rows.Err()
}

// Put upserts the SSH config for (org, agent).
func (s *SQLiteStore) Put(org ids.OrgId, agent ids.AgentId, cfg SSHConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("admin: encode ssh config: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO ssh_connections (org_id, agent_id, config) VALUES (?, ?, ?)
		ON CONFLICT(org_id, agent_id) DO UPDATE SET config = excluded.config`,
		string(org), string(agent), string(raw))
	if err != nil {
		return fmt.Errorf("admin: put ssh connection: %w", err)
	}
	return nil
}

// Delete removes the SSH config for (org, agent), if present.
func (s *SQLiteStore) Delete(org ids.OrgId, agent ids.AgentId) error {
	_, err := s.db.Exec(`DELETE FROM ssh_connections WHERE org_id = ? AND agent_id = ?`, string(org), string(agent))
	if err != nil {
		return fmt.Errorf("admin: delete ssh connection: %w", err)
	}
	return nil
}
