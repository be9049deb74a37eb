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
	"errors"
	"fmt"

	"github.com/tombee/fleetbroker/pkg/ids"
)

// ErrNoEnumerator is wrapped by Registry.Enumerate when protocol has no
// registered plugin, or its plugin doesn't implement Enumerator — true of
// every out-of-scope protocol driver (spec.md §1: SNMP MIB walking,
// WMI/CIM, and by extension the VMware/MSGraph cloud APIs this module
// never implements a real client for).
var ErrNoEnumerator = errors.New("plugin: protocol does not support discovery")

// ErrorOrigin distinguishes a plugin-wide failure (the protocol driver
// itself is unreachable or misconfigured) from a failure scoped to one
// data table within an otherwise healthy plugin (spec.md §4.6
// "DataTableError { origin: Protocol|DataTable, error }").
type ErrorOrigin string

const (
	OriginProtocol  ErrorOrigin = "protocol"
	OriginDataTable ErrorOrigin = "data_table"
)

// DataTableError adapts a type-erased plugin error into the structured
// shape the query engine and error-taxonomy table of spec.md §7 expect:
// attributable to a protocol or a single data table, never silently
// swallowed and never failing tables it doesn't name.
type DataTableError struct {
	Origin      ErrorOrigin
	Protocol    ids.Protocol
	DataTableId ids.DataTableId
	Err         error
}

func (e *DataTableError) Error() string {
	if e.Origin == OriginProtocol {
		return fmt.Sprintf("plugin: protocol %s: %v", e.Protocol, e.Err)
	}
	return fmt.Sprintf("plugin: data table %s: %v", e.DataTableId, e.Err)
}

func (e *DataTableError) Unwrap() error { return e.Err }

// errMissingDataTable synthesizes the per-table error spec.md §7 requires
// when a plugin's response omits a requested table entirely.
func errMissingDataTable(id ids.DataTableId) *DataTableError {
	return &DataTableError{
		Origin:      OriginDataTable,
		Protocol:    id.Protocol,
		DataTableId: id,
		Err:         fmt.Errorf("missing from plugin response"),
	}
}
