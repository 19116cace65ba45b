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

// Package ohttp implements RFC 9458 Oblivious HTTP with the two
// L7-gateway-friendly adaptations spec §4.4 requires: chunked media types
// in place of plain Binary HTTP, and an outer request shape (always POST,
// Host mirrors the inner Host, path from path_rewrites) that passes
// unmodified through ordinary HTTP proxies and load balancers.
package ohttp

import (
	"github.com/cloudflare/circl/hpke"
	"github.com/gravitational/trace"
)

// Suite is the fixed HPKE combination advertised by the key-config and used
// for every encapsulation (must match lib/identity.OHTTPSuite — spec §4.2.2).
var Suite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)

const (
	// KEMID, KDFID, AEADID are Suite's HPKE identifiers as published in the
	// key-config (RFC 9458 §3).
	KEMID  uint16 = uint16(hpke.KEM_X25519_HKDF_SHA256)
	KDFID  uint16 = uint16(hpke.KDF_HKDF_SHA256)
	AEADID uint16 = uint16(hpke.AEAD_AES128GCM)

	// ContentTypeChunkedRequest and ContentTypeChunkedResponse are the
	// chunked media types spec §4.4.1 substitutes for RFC 9458's plain
	// "message/ohttp-req"/"message/ohttp-res" (Binary HTTP) content types.
	ContentTypeChunkedRequest  = "message/ohttp-chunked-req"
	ContentTypeChunkedResponse = "message/ohttp-chunked-res"

	requestLabel  = "message/bhttp chunked request"
	responseLabel = "message/bhttp chunked response"
)

// header is the 7-byte key_id || kem_id || kdf_id || aead_id prefix RFC
// 9458 §4.1 requires on every encapsulated request, also used as HPKE AAD.
func header(keyID byte) []byte {
	return []byte{
		keyID,
		byte(KEMID >> 8), byte(KEMID),
		byte(KDFID >> 8), byte(KDFID),
		byte(AEADID >> 8), byte(AEADID),
	}
}

func parseHeader(b []byte) (keyID byte, kemID, kdfID, aeadID uint16, err error) {
	if len(b) < 7 {
		return 0, 0, 0, 0, trace.BadParameter("ohttp: truncated header")
	}
	keyID = b[0]
	kemID = uint16(b[1])<<8 | uint16(b[2])
	kdfID = uint16(b[3])<<8 | uint16(b[4])
	aeadID = uint16(b[5])<<8 | uint16(b[6])
	return keyID, kemID, kdfID, aeadID, nil
}
