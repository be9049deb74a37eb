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

package errors

import "fmt"

// WireError is the structured error carried in RPC responses (spec.md §6,
// §7): a machine-readable code, a retry hint, a human-readable message and
// optional structured details. It is the wire counterpart of the in-process
// error kinds above.
type WireError struct {
	// Code is a short machine-readable identifier, e.g. "authentication_failed",
	// "queue_full", "not_connected", "ssh_host_key_mismatch".
	Code string `json:"code" cbor:"code"`

	// Message is human-readable.
	Message string `json:"message" cbor:"message"`

	// Retry indicates whether the caller may reasonably retry the same
	// request later.
	Retry bool `json:"retry" cbor:"retry"`

	// Details carries optional machine-readable context (protocol, table
	// id, org id, ...).
	Details map[string]string `json:"details,omitempty" cbor:"details,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Details)
}

// Well-known non-retryable wire error codes (spec.md §6).
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeHostKeyMismatch      = "ssh_host_key_mismatch"
	CodeCredentialDecode     = "credential_decode_failed"
)

// Well-known retryable wire error codes.
const (
	CodeQueueFull      = "queue_full"
	CodeNotConnected   = "not_connected"
	CodePluginError    = "protocol_plugin_error"
	CodeTransientIO    = "transient_io"
)

// NewAuthenticationFailed builds the standard non-retryable authentication
// failure.
func NewAuthenticationFailed(message string) *WireError {
	return &WireError{Code: CodeAuthenticationFailed, Message: message, Retry: false}
}

// NewQueueFull builds the standard retryable queue-full error surfaced to an
// originator when an egress queue rejects a send.
func NewQueueFull(message string) *WireError {
	return &WireError{Code: CodeQueueFull, Message: message, Retry: true}
}

// NewNotConnected builds the standard retryable "peer not connected" error.
func NewNotConnected(message string) *WireError {
	return &WireError{Code: CodeNotConnected, Message: message, Retry: true}
}
