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

package ohttp

import (
	"crypto/rand"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/lib/identity"
)

// DecapsulatedRequest is an opened encapsulated request together with the
// server-side HPKE context needed to encapsulate its matching response.
type DecapsulatedRequest struct {
	Body []byte

	keyID  byte
	secret []byte
}

// DecapsulateRequest opens an encapsulated request against whichever of the
// ring's decryptable OHTTP identities matches the request's key_id (spec
// §4.2.2: "old keys remain decryption-usable for one rotation period").
func DecapsulateRequest(ring *identity.Ring, wire []byte) (*DecapsulatedRequest, error) {
	keyID, kemID, kdfID, aeadID, err := parseHeader(wire)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if kemID != KEMID || kdfID != KDFID || aeadID != AEADID {
		return nil, trace.BadParameter("ohttp: unsupported cipher suite %d/%d/%d", kemID, kdfID, aeadID)
	}

	material := findMaterial(ring, keyID)
	if material == nil {
		return nil, trace.NotFound("ohttp: no decryptable key for key_id %d", keyID)
	}

	hdr := wire[:7]
	rest := wire[7:]
	encLen := Suite.KEM.Scheme().CiphertextSize()
	if len(rest) < encLen {
		return nil, trace.BadParameter("ohttp: truncated encapsulated request")
	}
	enc := rest[:encLen]
	ct := rest[encLen:]

	receiver, err := Suite.NewReceiver(material.SecretKey, []byte(requestLabel))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pt, err := opener.Open(ct, hdr)
	if err != nil {
		return nil, trace.AccessDenied("ohttp: request decapsulation failed: %v", err)
	}
	secret := opener.Export([]byte(responseLabel), uint(responseKeyLen+responseNonceLen))

	return &DecapsulatedRequest{Body: pt, keyID: keyID, secret: secret}, nil
}

func findMaterial(ring *identity.Ring, keyID byte) *identity.OHTTPMaterial {
	for _, artifact := range ring.Decryptable() {
		m, ok := artifact.Material.(*identity.OHTTPMaterial)
		if ok && m.KeyID == keyID {
			return m
		}
	}
	return nil
}

// EncapsulateResponse seals responseBody for the peer that sent the
// request dr was derived from (RFC 9458 §4.3).
func (dr *DecapsulatedRequest) EncapsulateResponse(responseBody []byte) ([]byte, error) {
	responseNonce := make([]byte, responseNonceLen)
	if _, err := rand.Read(responseNonce); err != nil {
		return nil, trace.Wrap(err)
	}
	key, nonce, err := deriveResponseAEAD(dr.secret, responseNonce)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ct := gcm.Seal(nil, nonce, responseBody, nil)

	out := make([]byte, 0, len(responseNonce)+len(ct))
	out = append(out, responseNonce...)
	out = append(out, ct...)
	return out, nil
}
