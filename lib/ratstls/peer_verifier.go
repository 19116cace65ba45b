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

package ratstls

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tng/lib/attestation"
)

// EvidenceVerifier is the subset of lib/attestation.Client used by the
// background-check variant of PeerVerifier.
type EvidenceVerifier interface {
	VerifyEvidence(ctx context.Context, ev attestation.Evidence, boundKey []byte, expectedPolicies []string) (attestation.VerifiedClaims, error)
}

// TokenVerifier is the subset of lib/attestation.Client used by the
// passport variant of PeerVerifier.
type TokenVerifier interface {
	VerifyToken(token attestation.Token, expectedPolicies []string, trustedRoots []jwt.Keyfunc) (attestation.VerifiedClaims, error)
}

// PeerVerifierVariant selects which half of spec §4.1's trust-model split a
// PeerVerifier enforces.
type PeerVerifierVariant int

const (
	PeerVariantUnknown PeerVerifierVariant = iota
	PeerVariantBackgroundCheck
	PeerVariantPassport
)

// PeerVerifier implements ratstls.Verifier by decoding the handshake's
// attestation extension into either raw evidence or a passport token,
// depending on Variant, and delegating to the attestation client (spec
// §4.3's third step: "invokes the attestation client").
type PeerVerifier struct {
	Variant          PeerVerifierVariant
	ExpectedPolicies []string

	// Background-check
	Evidence EvidenceVerifier

	// Passport
	Token        TokenVerifier
	TrustedRoots []jwt.Keyfunc

	Clock clockwork.Clock
}

// Verify decodes extension per Variant and checks it asserts every policy
// in ExpectedPolicies, binding the claims to the peer's own public key so a
// replayed extension from a different identity is rejected.
func (p *PeerVerifier) Verify(peerCert *x509.Certificate, extension []byte) error {
	boundKey, err := x509.MarshalPKIXPublicKey(peerCert.PublicKey)
	if err != nil {
		return trace.Wrap(err)
	}

	var claims attestation.VerifiedClaims
	switch p.Variant {
	case PeerVariantBackgroundCheck:
		ev := attestation.Evidence{Raw: extension, Nonce: boundKey, IssuedAt: p.now()}
		claims, err = p.Evidence.VerifyEvidence(context.Background(), ev, boundKey, p.ExpectedPolicies)
	case PeerVariantPassport:
		tok := attestation.Token{Raw: extension}
		claims, err = p.Token.VerifyToken(tok, p.ExpectedPolicies, p.TrustedRoots)
	default:
		return trace.BadParameter("ratstls: peer verifier has no trust model configured")
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if !claims.HasAllPolicies(p.ExpectedPolicies) {
		return trace.AccessDenied("peer attestation does not satisfy required policies %v", p.ExpectedPolicies)
	}
	return nil
}

func (p *PeerVerifier) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return time.Now()
}
