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
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// newDeterministicReader returns an io.Reader that expands seed into an
// arbitrarily long deterministic byte stream via HKDF, used only by
// NoRACertificate to make its unsuitability-for-production deliberately
// reproducible rather than accidentally random-looking.
func newDeterministicReader(seed string) io.Reader {
	return hkdf.New(sha256.New, []byte(seed), []byte("tng-no-ra"), []byte("identity"))
}
