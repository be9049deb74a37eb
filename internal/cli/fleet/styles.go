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

package fleet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Status colors, the same palette internal/commands/shared/styles.go uses
// for its success/warn/error indicators.
var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	statusMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	header      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// renderAgentTable renders a get_connected_agents-shaped
// map[agent_id]admin.AgentConnectionInfo as an aligned table, colorizing
// the connected/disconnected status column.
func renderAgentTable(agents map[string]agentRow) string {
	ids := make([]string, 0, len(agents))
	width := len("AGENT")
	for id := range agents {
		ids = append(ids, id)
		if len(id) > width {
			width = len(id)
		}
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-8s  %s\n", header.Render(pad("AGENT", width)), "CONN", "STATUS")
	for _, id := range ids {
		row := agents[id]
		status := statusOK.Render(row.Status)
		if row.Status != "connected" {
			status = statusWarn.Render(row.Status)
		}
		fmt.Fprintf(&b, "%s  %s  %s\n", pad(id, width), statusMuted.Render(pad(row.ConnType, 8)), status)
	}
	return b.String()
}

// agentRow is the flattened shape renderAgentTable needs, decoded from
// admin.AgentConnectionInfo's JSON result (status is already a plain
// string on the wire; registry.AgentConnectionStatus round-trips as one).
type agentRow struct {
	ConnType string
	Status   string
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
