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

// Package attestation implements TNG's attestation client: fetching
// evidence from a local Attestation Agent, converting it to tokens via an
// Attestation Service, verifying tokens and evidence from peers, and
// caching both sides with explicit freshness semantics (spec §4.1).
package attestation

import (
	"time"

	"github.com/gravitational/trace"
)

// Evidence is opaque TEE evidence emitted by the local Attestation Agent,
// valid only during [IssuedAt, IssuedAt+RefreshInterval] and bound to a
// freshness nonce chosen by the relying party (spec §3).
type Evidence struct {
	Raw      []byte
	Nonce    []byte
	IssuedAt time.Time
}

// ExpiresAt returns the end of the evidence's refresh window.
func (e Evidence) ExpiresAt(refreshInterval time.Duration) time.Time {
	return e.IssuedAt.Add(refreshInterval)
}

// Token is a signed statement from the Attestation Service asserting that
// given evidence satisfies a named policy set (spec §3 "AttestationToken").
type Token struct {
	Raw         []byte
	Policies    []string
	BoundKey    []byte
	IssuedAt    time.Time
	SignerExp   time.Time
	PolicyUntil time.Time
}

// ExpiresAt is min(signer_exp, policy_lifetime) per spec §3.
func (t Token) ExpiresAt() time.Time {
	if t.SignerExp.Before(t.PolicyUntil) {
		return t.SignerExp
	}
	return t.PolicyUntil
}

// VerifiedClaims is the result of a successful token or evidence
// verification: the policy set the evidence was shown to satisfy and the
// key it is bound to.
type VerifiedClaims struct {
	Policies []string
	BoundKey []byte
	Subject  string
}

// HasAllPolicies reports whether every element of expected appears in c's
// verified policy set (spec §4.1 verify_token).
func (c VerifiedClaims) HasAllPolicies(expected []string) bool {
	have := make(map[string]struct{}, len(c.Policies))
	for _, p := range c.Policies {
		have[p] = struct{}{}
	}
	for _, want := range expected {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// Error kinds from spec §7, represented as trace errors so callers can use
// trace.Is* predicates instead of string matching.
var (
	// ErrAgentUnavailable wraps a connect/deadline failure talking to the
	// local Attestation Agent.
	ErrAgentUnavailable = func(cause error) error {
		return trace.ConnectionProblem(cause, "attestation agent unavailable")
	}
	// ErrAgentRejected wraps an agent-reported application error.
	ErrAgentRejected = func(cause error) error {
		return trace.AccessDenied("attestation agent rejected request: %v", cause)
	}
	// ErrServiceUnavailable wraps a connect/deadline failure talking to the
	// Attestation Service.
	ErrServiceUnavailable = func(cause error) error {
		return trace.ConnectionProblem(cause, "attestation service unavailable")
	}
	// ErrRejected wraps an Attestation Service / verification rejection.
	ErrRejected = func(format string, args ...any) error {
		return trace.AccessDenied(format, args...)
	}
)

// DefaultAgentDeadline is the default deadline for request_evidence (spec
// §4.1).
const DefaultAgentDeadline = 120 * time.Second
