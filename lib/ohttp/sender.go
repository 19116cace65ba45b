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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"
)

const (
	// responseKeyLen/responseNonceLen are Nk/Nn for AEAD_AES128GCM.
	responseKeyLen   = 16
	responseNonceLen = 12
)

// ResponseContext decapsulates the single response that corresponds to one
// encapsulated request (RFC 9458 §4.3). It must not be reused across
// requests: each request derives its own response key from the HPKE
// exporter secret.
type ResponseContext struct {
	secret []byte
}

// EncapsulateRequest wraps requestBody as an RFC 9458 encapsulated request
// (spec §4.4 adaptation: the body is carried under
// message/ohttp-chunked-req rather than plain Binary HTTP). It returns the
// wire bytes and the context needed to decapsulate the matching response.
func EncapsulateRequest(pub circlkem.PublicKey, keyID byte, requestBody []byte) ([]byte, *ResponseContext, error) {
	hdr := header(keyID)
	sender, err := Suite.NewSender(pub, []byte(requestLabel))
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	ct, err := sealer.Seal(requestBody, hdr)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	secret := sealer.Export([]byte(responseLabel), uint(responseKeyLen+responseNonceLen))

	out := make([]byte, 0, len(hdr)+len(enc)+len(ct))
	out = append(out, hdr...)
	out = append(out, enc...)
	out = append(out, ct...)
	return out, &ResponseContext{secret: secret}, nil
}

// DecapsulateResponse opens an encapsulated response produced by
// EncapsulateResponse for this context's request.
func (rc *ResponseContext) DecapsulateResponse(wire []byte) ([]byte, error) {
	if len(wire) < responseNonceLen {
		return nil, trace.BadParameter("ohttp: truncated encapsulated response")
	}
	responseNonce := wire[:responseNonceLen]
	ct := wire[responseNonceLen:]

	key, nonce, err := deriveResponseAEAD(rc.secret, responseNonce)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, trace.AccessDenied("ohttp: response decapsulation failed: %v", err)
	}
	return pt, nil
}

func deriveResponseAEAD(secret, responseNonce []byte) (key, nonce []byte, err error) {
	r := hkdf.New(sha256.New, secret, responseNonce, []byte("key"))
	key = make([]byte, responseKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nil, err
	}
	r = hkdf.New(sha256.New, secret, responseNonce, []byte("nonce"))
	nonce = make([]byte, responseNonceLen)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
