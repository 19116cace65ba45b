// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor drives a tunneled flow through the per-connection
// lifecycle of spec §4.8: ACCEPT → RESOLVE_DST → DIAL_PEER → HANDSHAKE →
// STREAMING ⇄ half-closed → CLOSED, with a FAILED side-branch classified
// per spec §7's error taxonomy.
package supervisor

// State is one point in a flow's lifecycle state machine (spec §4.8).
type State int

const (
	StateAccept State = iota
	StateResolveDst
	StateDialPeer
	StateHandshake
	StateStreaming
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccept:
		return "ACCEPT"
	case StateResolveDst:
		return "RESOLVE_DST"
	case StateDialPeer:
		return "DIAL_PEER"
	case StateHandshake:
		return "HANDSHAKE"
	case StateStreaming:
		return "STREAMING"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
