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

// Package trustmodel represents background-check and passport as a sum
// type with two variants, each carrying only the fields it needs, behind a
// single Verifier.Verify() surface (spec §9 "Attestation trust-model
// variants").
package trustmodel

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gravitational/tng/lib/attestation"
)

// EvidenceVerifier is the subset of the Attestation Service client needed
// by the background-check variant.
type EvidenceVerifier interface {
	VerifyEvidence(ctx context.Context, ev attestation.Evidence, boundKey []byte, expectedPolicies []string) (attestation.VerifiedClaims, error)
}

// TokenVerifierFunc is the subset needed by the passport variant: a pure
// function over an already-issued token, its declared-expected policies,
// and trusted signing roots.
type TokenVerifierFunc func(token attestation.Token, expectedPolicies []string, trustedRoots []jwt.Keyfunc, now time.Time) (attestation.VerifiedClaims, error)

// Variant tags which of the two trust models a Verifier was built for.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantBackgroundCheck
	VariantPassport
)

// Verifier dispatches verification to whichever of the two models it was
// constructed with. Exactly one of the two internal fields is populated,
// matching which Variant the Verifier reports.
type Verifier struct {
	variant Variant

	// background-check fields
	evidenceVerifier EvidenceVerifier
	evidence         *attestation.Evidence
	boundKey         []byte

	// passport fields
	tokenVerifier TokenVerifierFunc
	token         *attestation.Token
	trustedRoots  []jwt.Keyfunc
	clock         func() time.Time

	expectedPolicies []string
}

// NewBackgroundCheck builds a Verifier that forwards live evidence to the
// Attestation Service on every call (spec §4.1 "Background-check").
func NewBackgroundCheck(verifier EvidenceVerifier, ev attestation.Evidence, boundKey []byte, expectedPolicies []string) *Verifier {
	return &Verifier{
		variant:          VariantBackgroundCheck,
		evidenceVerifier: verifier,
		evidence:         &ev,
		boundKey:         boundKey,
		expectedPolicies: expectedPolicies,
	}
}

// NewPassport builds a Verifier that validates an already-issued token
// offline against locally configured trust roots (spec §4.1 "Passport").
func NewPassport(verifyFunc TokenVerifierFunc, token attestation.Token, trustedRoots []jwt.Keyfunc, now func() time.Time, expectedPolicies []string) *Verifier {
	return &Verifier{
		variant:          VariantPassport,
		tokenVerifier:    verifyFunc,
		token:            &token,
		trustedRoots:     trustedRoots,
		clock:            now,
		expectedPolicies: expectedPolicies,
	}
}

// Variant reports which trust model this Verifier was built for.
func (v *Verifier) Variant() Variant { return v.variant }

// Verify dispatches to the underlying model. The two models differ in
// *where* validation happens, not in *what* is validated (spec §9): both
// return VerifiedClaims carrying the same policy-satisfaction guarantee.
func (v *Verifier) Verify(ctx context.Context) (attestation.VerifiedClaims, error) {
	switch v.variant {
	case VariantBackgroundCheck:
		return v.evidenceVerifier.VerifyEvidence(ctx, *v.evidence, v.boundKey, v.expectedPolicies)
	case VariantPassport:
		return v.tokenVerifier(*v.token, v.expectedPolicies, v.trustedRoots, v.clock())
	default:
		return attestation.VerifiedClaims{}, attestation.ErrRejected("no trust model configured")
	}
}
