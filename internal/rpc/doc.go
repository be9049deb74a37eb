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

/*
Package rpc implements the request/response correlator shared by every hop
of the fabric (spec.md §4.2): broker<->backend, broker<->agent and
broker<->metrics-engine duplex channels all carry Request{req_id, payload}
and Response{req_id, payload} frames, and all of them need the same
at-most-once dispatch, cancellation and disconnect-sweep semantics.

A Correlator owns request-id assignment for one logical duplex channel. It
does not itself read or write frames; callers feed it outbound sends (via
an injected send function) and inbound responses (via Complete), and the
correlator manages the req_id -> pending-call table in between.
*/
package rpc
