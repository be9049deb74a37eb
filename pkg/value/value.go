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

// Package value implements the tagged-union Value type shared by the query
// engine, expression evaluator and protocol plugins, along with the
// Result<Value, DataError> wrapper ("Data") used for every cell.
package value

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Kind tags the variant held by a Value.
type Kind string

const (
	KindBinaryString Kind = "binary_string"
	KindString       Kind = "string"
	KindInteger      Kind = "integer"
	KindFloat        Kind = "float"
	KindQuantity     Kind = "quantity"
	KindTime         Kind = "time"
	KindAge          Kind = "age"
	KindEnum         Kind = "enum"
	KindIntEnum      Kind = "int_enum"
	KindBoolean      Kind = "boolean"
	KindMacAddress   Kind = "mac_address"
	KindIPv4         Kind = "ipv4"
	KindIPv6         Kind = "ipv6"
	KindOption       Kind = "option"
	KindResult       Kind = "result"
	KindList         Kind = "list"
	KindSet          Kind = "set"
	KindMap          Kind = "map"
	KindTuple        Kind = "tuple"
	KindJSON         Kind = "json"
)

// Quantity is a numeric magnitude tagged with a unit dimension (e.g. bytes,
// bytes/sec, percent). Dimension is left as an opaque string identifier;
// unit conversion tables are an external collaborator.
type Quantity struct {
	Magnitude float64
	Unit      string
}

// Enum is a string enumeration value together with a reference to its
// permitted-value set (by name, resolved against the owning package).
type Enum struct {
	Value      string
	EnumSetRef string
}

// IntEnum is an integer enumeration value together with a reference to its
// permitted-value set.
type IntEnum struct {
	Value      int64
	EnumSetRef string
}

// Value is a tagged union over every scalar and structured cell value the
// system can carry. Exactly one of the typed fields is meaningful,
// determined by Kind; List/Set/Tuple hold []Value, Map holds an ordered
// slice of key/value Values (JSON object keys must be strings, so map keys
// are restricted to hashable scalar Values by convention, not enforced by
// the Go type system).
type Value struct {
	Kind Kind

	BinaryString []byte
	String       string
	Integer      int64
	Float        float64
	Quantity     Quantity
	Time         time.Time
	Age          time.Duration
	Enum         Enum
	IntEnum      IntEnum
	Boolean      bool
	MacAddress   net.HardwareAddr
	IPv4         net.IP
	IPv6         net.IP

	// Option: present=false means None.
	OptionPresent bool
	Option        *Value

	// Result: ResultOK selects which of Ok/Err is populated.
	ResultOK  bool
	ResultVal *Value
	ResultErr *Value

	List  []Value
	Set   []Value
	Tuple []Value
	Map   []MapEntry

	JSON json.RawMessage
}

// MapEntry is one key/value pair of a Map value, order-preserving.
type MapEntry struct {
	Key   Value
	Value Value
}

func String(s string) Value       { return Value{Kind: KindString, String: s} }
func BinaryString(b []byte) Value { return Value{Kind: KindBinaryString, BinaryString: b} }
func Integer(i int64) Value       { return Value{Kind: KindInteger, Integer: i} }
func Float(f float64) Value       { return Value{Kind: KindFloat, Float: f} }
func Boolean(b bool) Value        { return Value{Kind: KindBoolean, Boolean: b} }
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func AgeValue(d time.Duration) Value { return Value{Kind: KindAge, Age: d} }
func QuantityValue(mag float64, unit string) Value {
	return Value{Kind: KindQuantity, Quantity: Quantity{Magnitude: mag, Unit: unit}}
}

// None returns the empty Option value.
func None() Value { return Value{Kind: KindOption, OptionPresent: false} }

// Some wraps v in a present Option value.
func Some(v Value) Value {
	cp := v
	return Value{Kind: KindOption, OptionPresent: true, Option: &cp}
}

// Ok wraps v as a successful Result value.
func Ok(v Value) Value {
	cp := v
	return Value{Kind: KindResult, ResultOK: true, ResultVal: &cp}
}

// ResultErrValue wraps v as a failed Result value.
func ResultErrValue(v Value) Value {
	cp := v
	return Value{Kind: KindResult, ResultOK: false, ResultErr: &cp}
}

// TypeName returns a human-readable type name, used in type-error messages.
func (v Value) TypeName() string {
	return string(v.Kind)
}

// Debug returns a compact debug rendering, not a canonical serialization.
// Kinds without a case of their own (List, Set, Map, Tuple, Result)
// render as their Kind name.
func (v Value) Debug() string {
	switch v.Kind {
	case KindString:
		return v.String
	case KindBinaryString:
		return fmt.Sprintf("%x", v.BinaryString)
	case KindInteger:
		return fmt.Sprintf("%d", v.Integer)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindQuantity:
		return fmt.Sprintf("%g%s", v.Quantity.Magnitude, v.Quantity.Unit)
	case KindBoolean:
		return fmt.Sprintf("%t", v.Boolean)
	case KindTime:
		return v.Time.Format(time.RFC3339)
	case KindAge:
		return v.Age.String()
	case KindEnum:
		return v.Enum.Value
	case KindIntEnum:
		return fmt.Sprintf("%d", v.IntEnum.Value)
	case KindMacAddress:
		return v.MacAddress.String()
	case KindIPv4:
		return v.IPv4.String()
	case KindIPv6:
		return v.IPv6.String()
	case KindOption:
		if !v.OptionPresent {
			return "none"
		}
		return v.Option.Debug()
	case KindJSON:
		return string(v.JSON)
	default:
		return fmt.Sprintf("%v", v.Kind)
	}
}
