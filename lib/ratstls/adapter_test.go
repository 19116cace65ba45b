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
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/lib/attestation"
	"github.com/gravitational/tng/lib/identity"
)

func parseLeaf(t *testing.T, der []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newRingWithIdentity(t *testing.T) *identity.Ring {
	t.Helper()
	ring := identity.NewRing()
	provider := &identity.RATSTLSProvider{NoRA: true, Subject: pkix.Name{CommonName: "test"}}
	artifact, err := provider.Generate(context.Background(), time.Now())
	require.NoError(t, err)
	require.NoError(t, ring.Rotate(artifact, time.Now().Add(time.Hour), time.Now()))
	return ring
}

func TestConfig_ClientConfig_NoActiveIdentity(t *testing.T) {
	t.Parallel()
	cfg := &Config{Ring: identity.NewRing()}
	_, err := cfg.ClientConfig()
	require.Error(t, err)
}

func TestConfig_ClientConfig_PresentsActiveCertificate(t *testing.T) {
	t.Parallel()
	cfg := &Config{Ring: newRingWithIdentity(t), ServerName: "peer.example"}
	tlsCfg, err := cfg.ClientConfig()
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)
	require.Equal(t, "peer.example", tlsCfg.ServerName)
	require.NotNil(t, tlsCfg.VerifyPeerCertificate)
}

func TestConfig_VerifyPeerCertificate_RejectsMissingExtension(t *testing.T) {
	t.Parallel()
	// A no_ra identity carries no attestation extension, so verifying one
	// against a non-nil Verifier must fail even though the cert itself
	// parses fine.
	ring := newRingWithIdentity(t)
	active := ring.Active()
	material := active.Material.(*identity.RATSTLSMaterial)

	cfg := &Config{Ring: ring, Verifier: &stubVerifier{}}
	err := cfg.verifyPeerCertificate(material.Cert.Certificate, nil)
	require.Error(t, err)
}

func TestConfig_VerifyPeerCertificate_NoVerifierAcceptsNoRA(t *testing.T) {
	t.Parallel()
	ring := newRingWithIdentity(t)
	active := ring.Active()
	material := active.Material.(*identity.RATSTLSMaterial)

	cfg := &Config{Ring: ring}
	err := cfg.verifyPeerCertificate(material.Cert.Certificate, nil)
	require.NoError(t, err)
}

func TestConfig_VerifyPeerCertificate_RejectsEmptyChain(t *testing.T) {
	t.Parallel()
	cfg := &Config{Ring: newRingWithIdentity(t)}
	err := cfg.verifyPeerCertificate(nil, nil)
	require.Error(t, err)
}

type stubVerifier struct {
	called bool
	err    error
}

func (s *stubVerifier) Verify(_ *x509.Certificate, _ []byte) error {
	s.called = true
	return s.err
}

func TestPeerVerifier_BackgroundCheck_RequiresAllPolicies(t *testing.T) {
	t.Parallel()
	pv := &PeerVerifier{
		Variant:          PeerVariantBackgroundCheck,
		ExpectedPolicies: []string{"policy-a", "policy-b"},
		Evidence: fakeEvidenceVerifier{claims: attestation.VerifiedClaims{
			Policies: []string{"policy-a"},
		}},
	}
	ring := newRingWithIdentity(t)
	leaf := ring.Active().Material.(*identity.RATSTLSMaterial).Cert
	parsed := parseLeaf(t, leaf.Certificate[0])
	err := pv.Verify(parsed, []byte("evidence"))
	require.Error(t, err, "must reject when the returned claims omit policy-b")
}

func TestPeerVerifier_Passport_Succeeds(t *testing.T) {
	t.Parallel()
	pv := &PeerVerifier{
		Variant:          PeerVariantPassport,
		ExpectedPolicies: []string{"policy-a"},
		Token: fakeTokenVerifier{claims: attestation.VerifiedClaims{
			Policies: []string{"policy-a"},
		}},
		TrustedRoots: []jwt.Keyfunc{},
	}
	ring := newRingWithIdentity(t)
	leaf := ring.Active().Material.(*identity.RATSTLSMaterial).Cert
	parsed := parseLeaf(t, leaf.Certificate[0])
	require.NoError(t, pv.Verify(parsed, []byte("token")))
}

type fakeEvidenceVerifier struct {
	claims attestation.VerifiedClaims
	err    error
}

func (f fakeEvidenceVerifier) VerifyEvidence(context.Context, attestation.Evidence, []byte, []string) (attestation.VerifiedClaims, error) {
	return f.claims, f.err
}

type fakeTokenVerifier struct {
	claims attestation.VerifiedClaims
	err    error
}

func (f fakeTokenVerifier) VerifyToken(attestation.Token, []string, []jwt.Keyfunc) (attestation.VerifiedClaims, error) {
	return f.claims, f.err
}
