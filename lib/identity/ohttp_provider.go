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
	"crypto/sha256"
	"time"

	"github.com/cloudflare/circl/hpke"
	circlkem "github.com/cloudflare/circl/kem"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// OHTTPSuite is the fixed HPKE KEM/KDF/AEAD combination TNG advertises in
// its key-config (spec §3 "Identity artifact", §4.4 "Key-config endpoint").
var OHTTPSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)

// OHTTPMaterial is the HPKE key-pair identity artifact material for an
// OHTTP ring entry (spec §4.2.2).
type OHTTPMaterial struct {
	KeyID     byte
	PublicKey circlkem.PublicKey
	SecretKey circlkem.PrivateKey
	// AttestationExtension identifies the current environment in the
	// published key-config (spec §4.2.2 "self_generated").
	AttestationExtension []byte
}

// OHTTPKeySource is one of self_generated | file | peer_shared (spec
// §4.2.2).
type OHTTPKeySource int

const (
	OHTTPKeySourceUnknown OHTTPKeySource = iota
	OHTTPKeySourceSelfGenerated
	OHTTPKeySourceFile
	OHTTPKeySourcePeerShared
)

// OHTTPProvider generates fresh OHTTP identity artifacts (self_generated,
// the base case also used by peer_shared — see lib/overlay for the
// sharing half of peer_shared).
type OHTTPProvider struct {
	Source EvidenceSource // nil when no attestation is configured (no_ra)
	NoRA   bool
	nextID byte
}

// Generate produces a fresh X25519 HPKE key pair with an attestation
// extension (spec §4.2.2 "self_generated").
func (p *OHTTPProvider) Generate(ctx context.Context, now time.Time) (*Artifact, error) {
	scheme := OHTTPSuite.KEM.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var extension []byte
	if !p.NoRA && p.Source != nil {
		nonceHash := sha256.Sum256(pubBytes)
		extension, err = p.Source.FetchAttestationMaterial(ctx, nonceHash[:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	id := p.nextID
	p.nextID++

	return &Artifact{
		ID:       uuid.New(),
		State:    StateActive,
		IssuedAt: now,
		Material: &OHTTPMaterial{
			KeyID:                id,
			PublicKey:            pub,
			SecretKey:            priv,
			AttestationExtension: extension,
		},
	}, nil
}
