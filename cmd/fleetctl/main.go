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

// Command fleetctl is the backend-facing operator CLI: it dials the
// broker's backend listener and drives the administrative RPC surface
// (spec.md §6, §4.10) plus ad hoc agent RPC passthrough, the backend
// counterpart of agentd/brokerd's process roots.
package main

import (
	"fmt"
	"os"

	"github.com/tombee/fleetbroker/internal/cli/fleet"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := fleet.NewRootCommand(version, commit, buildDate)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
