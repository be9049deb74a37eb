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

	"github.com/charmbracelet/huh"
)

// promptSSHConfig fills in any of host/private key path left empty on the
// command line, the same huh.NewForm/huh.NewGroup shape
// internal/commands/setup/forms uses for its interactive prompts. Invoked
// only when connect-agent is run without --host (an operator typing the
// command by hand rather than scripting it).
func promptSSHConfig(agentID, host, privateKeyPath string) (string, string, error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("SSH host for agent %q:", agentID)).
				Description("Host the broker will dial to reach this agent's reverse tunnel").
				Value(&host).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("host is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Path to the SSH private key:").
				Description("PEM-encoded key the broker authenticates the tunnel with").
				Value(&privateKeyPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("a private key file is required")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return "", "", fmt.Errorf("fleetctl: connect-agent prompt: %w", err)
	}
	return host, privateKeyPath, nil
}
