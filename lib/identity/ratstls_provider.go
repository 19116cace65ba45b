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

package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// attestationExtensionOID tags the X.509 extension carrying RA evidence or
// a passport token (spec §3 "Identity artifact"). It is an
// internal/unregistered arc, not an IANA-assigned OID — acceptable since
// both ends of the handshake are TNG instances that agree on it out of
// band, the same way RATS-TLS implementations mint a private extension OID
// for attestation material.
var attestationExtensionOID = asn1.ObjectIdentifier{1, 3, 9999, 1, 1}

// RATSTLSMaterial is the X.509 identity artifact material for a RATS-TLS
// ring entry (spec §4.2.1).
type RATSTLSMaterial struct {
	Cert *tls.Certificate
	// EvidenceNonce is sha256(pubkey), the nonce requested from the
	// attestation client for this artifact (spec §4.2.1).
	EvidenceNonce []byte
}

// EvidenceSource returns the attestation material embedded for a nonce.
// cmd/tng's implementation returns raw evidence from
// lib/attestation.Client.RequestEvidence under either trust model; no
// implementation embeds a passport token.
type EvidenceSource interface {
	FetchAttestationMaterial(ctx context.Context, nonce []byte) ([]byte, error)
}

// RATSTLSProvider generates fresh RATS-TLS identity artifacts on rotation
// (spec §4.2.1).
type RATSTLSProvider struct {
	Source  EvidenceSource
	Subject pkix.Name
	NoRA    bool
}

// Generate produces a fresh artifact: new ECDSA P-384 key pair, a nonce
// derived from its public key hash, attestation material embedded in a
// custom X.509 extension, and a self-signed leaf (spec §4.2.1; no CA is
// involved, the leaf's own signature and the embedded attestation evidence
// are what the peer's verifier trusts). With NoRA set it installs the fixed
// NoRACertificate instead, which carries no attestation extension.
func (p *RATSTLSProvider) Generate(ctx context.Context, now time.Time) (*Artifact, error) {
	if p.NoRA {
		cert, err := NoRACertificate()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &Artifact{ID: uuid.New(), State: StateActive, IssuedAt: now, Material: &RATSTLSMaterial{Cert: cert}}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := sha256.Sum256(pubBytes)

	var extensions []pkix.Extension
	if !p.NoRA {
		material, err := p.Source.FetchAttestationMaterial(ctx, nonce[:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		extensions = append(extensions, pkix.Extension{
			Id:    attestationExtensionOID,
			Value: material,
		})
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               p.Subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		ExtraExtensions:       extensions,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &Artifact{
		ID:       uuid.New(),
		State:    StateActive,
		IssuedAt: now,
		Material: &RATSTLSMaterial{Cert: cert, EvidenceNonce: nonce[:]},
	}, nil
}

// ExtractAttestationExtension returns the raw attestation extension value
// from a peer's leaf certificate, or nil if absent (spec §4.3 "extracts the
// attestation extension from the leaf cert").
func ExtractAttestationExtension(leaf *x509.Certificate) []byte {
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(attestationExtensionOID) {
			return ext.Value
		}
	}
	return nil
}

// NoRACertificate returns a deterministic, fixed self-signed certificate
// for the no_ra configuration (spec §4.2.1: "unsuitable for production").
// It is deliberately reproducible (a fixed serial/seed) rather than freshly
// randomized, so that its unsuitability for production is obvious from
// repeated use rather than hidden behind apparent randomness.
func NoRACertificate() (*tls.Certificate, error) {
	seedReader := newDeterministicReader("tng-no-ra-identity-v1")
	key, err := ecdsa.GenerateKey(elliptic.P256(), seedReader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tng-no-ra"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).AddDate(100, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(seedReader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
