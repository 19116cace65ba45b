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
	"bufio"
	"bytes"
	"net/http"
)

// newBodyReader adapts a decapsulated inner-request byte string for
// http.ReadRequest, which is how this package encodes the "message" an
// HPKE context seals — a verbatim HTTP/1.1 request, chosen over full
// Binary HTTP (RFC 9292) since both ends of the tunnel are this same
// implementation and don't need BHTTP's wire compactness.
func newBodyReader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

// marshalRequest serializes req (as sent by a client-side ingress) into
// the bytes an HPKE context seals as the encapsulated request message.
func marshalRequest(req *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// marshalResponse serializes resp into the bytes an HPKE context seals as
// the encapsulated response message.
func marshalResponse(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := resp.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readResponse parses a decapsulated response message on the client side.
func readResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}
