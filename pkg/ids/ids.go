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

// Package ids defines the opaque, newtype-disciplined identifiers shared by
// every component of the monitoring fabric: organizations, agents,
// protocols, monitoring-package coordinates, and the composite
// protocol-qualified data table/field ids.
package ids

import (
	"fmt"
	"strings"
)

// OrgId identifies a tenant organization, derived from a peer certificate's
// subject organization attribute.
type OrgId string

// AgentId identifies a single agent within an organization, derived from a
// peer certificate's common name.
type AgentId string

// Protocol identifies a pluggable protocol driver (e.g. "snmp", "wmi").
type Protocol string

// PackageName identifies a monitoring package.
type PackageName string

// PackageVersion identifies a monitoring package version.
type PackageVersion string

// ProtoDataTableId is a protocol-local data table identifier.
type ProtoDataTableId string

// ProtoDataFieldId is a protocol-local data field identifier.
type ProtoDataFieldId string

// QueryId identifies a query definition within a monitoring package.
type QueryId string

// TableId identifies a logical (package-level) table.
type TableId string

// FieldId identifies a logical (package-level) field.
type FieldId string

// CheckId identifies a check definition contributed by a package.
type CheckId string

// MPId identifies a monitoring-package instance (a configured application of
// a package to a target), used to select active config rules.
type MPId string

// Tag is an opaque label attached to checks or tables.
type Tag string

// DataTableId pairs a protocol with its protocol-local table id. It encodes
// to and parses from the flat form "protocol_localid".
type DataTableId struct {
	Protocol Protocol
	Local    ProtoDataTableId
}

// DataFieldId pairs a protocol with its protocol-local field id. It encodes
// to and parses from the flat form "protocol_localid".
type DataFieldId struct {
	Protocol Protocol
	Local    ProtoDataFieldId
}

// String renders the flat "protocol_localid" form.
func (id DataTableId) String() string {
	return string(id.Protocol) + "_" + string(id.Local)
}

// String renders the flat "protocol_localid" form.
func (id DataFieldId) String() string {
	return string(id.Protocol) + "_" + string(id.Local)
}

// MarshalText implements encoding.TextMarshaler so DataTableId round-trips
// through JSON and CBOR as a plain string.
func (id DataTableId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, failing if the
// underscore separator is absent.
func (id *DataTableId) UnmarshalText(b []byte) error {
	parsed, err := ParseDataTableId(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler so DataFieldId round-trips
// through JSON and CBOR as a plain string.
func (id DataFieldId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, failing if the
// underscore separator is absent.
func (id *DataFieldId) UnmarshalText(b []byte) error {
	parsed, err := ParseDataFieldId(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseDataTableId parses the flat "protocol_localid" form. The first
// underscore separates the protocol from the local id; parsing fails if no
// underscore is present.
func ParseDataTableId(s string) (DataTableId, error) {
	proto, local, ok := strings.Cut(s, "_")
	if !ok {
		return DataTableId{}, fmt.Errorf("ids: data table id %q missing protocol prefix (expected protocol_localid)", s)
	}
	return DataTableId{Protocol: Protocol(proto), Local: ProtoDataTableId(local)}, nil
}

// ParseDataFieldId parses the flat "protocol_localid" form. The first
// underscore separates the protocol from the local id; parsing fails if no
// underscore is present.
func ParseDataFieldId(s string) (DataFieldId, error) {
	proto, local, ok := strings.Cut(s, "_")
	if !ok {
		return DataFieldId{}, fmt.Errorf("ids: data field id %q missing protocol prefix (expected protocol_localid)", s)
	}
	return DataFieldId{Protocol: Protocol(proto), Local: ProtoDataFieldId(local)}, nil
}
