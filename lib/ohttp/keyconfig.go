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
	"encoding/binary"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tng/lib/identity"
)

// KeyConfigContentType is served by the key-config endpoint (RFC 9458 §3,
// "application/ohttp-keys").
const KeyConfigContentType = "application/ohttp-keys"

// KeyConfig is the wire form of an OHTTP public key advertisement (spec
// §4.4 "Key-config endpoint").
type KeyConfig struct {
	KeyID     byte
	PublicKey []byte
	IssuedAt  time.Time
}

// Encode serializes a single key-config entry per RFC 9458 §3: key_id(1) ||
// kem_id(2) || public_key(Npk) || cipher_suites_len(2) || {kdf_id(2) ||
// aead_id(2)}.
func (k KeyConfig) Encode() []byte {
	out := make([]byte, 0, 1+2+len(k.PublicKey)+2+4)
	out = append(out, k.KeyID)
	out = binary.BigEndian.AppendUint16(out, KEMID)
	out = append(out, k.PublicKey...)
	out = binary.BigEndian.AppendUint16(out, 4) // one cipher suite, 4 bytes
	out = binary.BigEndian.AppendUint16(out, KDFID)
	out = binary.BigEndian.AppendUint16(out, AEADID)
	return out
}

// KeyConfigFromRing builds a KeyConfig for the ring's currently active
// OHTTP identity. Freshness (IssuedAt) mirrors that identity's issued_at,
// per spec §4.4.
func KeyConfigFromRing(ring *identity.Ring) (KeyConfig, error) {
	active := ring.Active()
	if active == nil {
		return KeyConfig{}, trace.ConnectionProblem(nil, "ohttp: no active identity issued yet")
	}
	material, ok := active.Material.(*identity.OHTTPMaterial)
	if !ok {
		return KeyConfig{}, trace.BadParameter("ohttp: ring entry is not OHTTP material")
	}
	pubBytes, err := material.PublicKey.MarshalBinary()
	if err != nil {
		return KeyConfig{}, trace.Wrap(err)
	}
	return KeyConfig{KeyID: material.KeyID, PublicKey: pubBytes, IssuedAt: active.IssuedAt}, nil
}

// KeyConfigHandler serves the current key-config at a fixed path (spec
// §4.4). The response's Last-Modified mirrors the active identity's
// issued_at so callers can detect rotation without parsing the body.
func KeyConfigHandler(ring *identity.Ring) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		kc, err := KeyConfigFromRing(ring)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", KeyConfigContentType)
		w.Header().Set("Last-Modified", kc.IssuedAt.UTC().Format(http.TimeFormat))
		_, _ = w.Write(kc.Encode())
	}
}
