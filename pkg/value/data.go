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

package value

import "fmt"

// DataErrorKind tags the kind of failure that can occupy a cell in place of
// a Value.
type DataErrorKind string

const (
	// ErrMissing means the source data row had no value for this field.
	ErrMissing DataErrorKind = "missing"
	// ErrCounterPending means a counter's first sample was just recorded;
	// no rate/difference can be produced yet.
	ErrCounterPending DataErrorKind = "counter_pending"
	// ErrCounterOverflow means a new counter sample was lower than the
	// previous one, or time went backwards.
	ErrCounterOverflow DataErrorKind = "counter_overflow"
	// ErrTypeError means a value could not be coerced/compared as required.
	ErrTypeError DataErrorKind = "type_error"
	// ErrParse means a raw value could not be parsed into its declared type.
	ErrParse DataErrorKind = "parse_error"
	// ErrInvalidChoice means an enum value fell outside its permitted set.
	ErrInvalidChoice DataErrorKind = "invalid_choice"
	// ErrExternal wraps an opaque error from a protocol plugin or other
	// external collaborator.
	ErrExternal DataErrorKind = "external"
)

// DataError is the error half of a Data cell.
type DataError struct {
	Kind     DataErrorKind
	Message  string
	TypeName string // populated for Parse
}

// Error implements the error interface.
func (e *DataError) Error() string {
	switch e.Kind {
	case ErrMissing:
		return "missing"
	case ErrCounterPending:
		return "counter pending"
	case ErrCounterOverflow:
		return "counter overflow"
	case ErrParse:
		return fmt.Sprintf("parse error (%s): %s", e.TypeName, e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Message)
		}
		return string(e.Kind)
	}
}

func Missing() *DataError          { return &DataError{Kind: ErrMissing} }
func CounterPending() *DataError   { return &DataError{Kind: ErrCounterPending} }
func CounterOverflow() *DataError  { return &DataError{Kind: ErrCounterOverflow} }
func TypeError(msg string) *DataError {
	return &DataError{Kind: ErrTypeError, Message: msg}
}
func ParseError(msg, typeName string) *DataError {
	return &DataError{Kind: ErrParse, Message: msg, TypeName: typeName}
}
func InvalidChoice(msg string) *DataError {
	return &DataError{Kind: ErrInvalidChoice, Message: msg}
}
func External(msg string) *DataError {
	return &DataError{Kind: ErrExternal, Message: msg}
}

// Data is Result<Value, DataError>: the content of one cell.
type Data struct {
	Val Value
	Err *DataError
}

// IsOk reports whether the cell holds a value rather than an error.
func (d Data) IsOk() bool { return d.Err == nil }

// DataOk wraps a successful value.
func DataOk(v Value) Data { return Data{Val: v} }

// DataErr wraps a failed cell.
func DataErr(err *DataError) Data { return Data{Err: err} }
