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
	"bytes"
	"net/http"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
)

// Client is the ingress-side OHTTP tunnel: it wraps an inner plaintext
// request in an encapsulated outer POST per spec §4.4's adaptation ("the
// outer request is always POST, the outer Host mirrors the inner Host, and
// the outer path is either / or derived by the first matching
// path_rewrites rule").
type Client struct {
	PeerURL      string // scheme://host:port the outer POST is sent to
	KeyConfig    KeyConfig
	PublicKey    circlkem.PublicKey
	PathRewrites []*types.PathRewriteRule
	HTTPClient   *http.Client
}

// RoundTrip encapsulates inner, sends it to PeerURL, and decapsulates the
// response.
func (c *Client) RoundTrip(inner *http.Request) (*http.Response, error) {
	innerBytes, err := marshalRequest(inner)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	encReq, respCtx, err := EncapsulateRequest(c.PublicKey, c.KeyConfig.KeyID, innerBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	outerPath := types.FirstMatch(c.PathRewrites, inner.URL.Path)
	outer, err := http.NewRequest(http.MethodPost, c.PeerURL+outerPath, bytes.NewReader(encReq))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	outer.Host = inner.Host
	outer.Header.Set("Content-Type", ContentTypeChunkedRequest)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	outerResp, err := httpClient.Do(outer)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "ohttp: outer request failed")
	}
	defer outerResp.Body.Close()

	if outerResp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "ohttp: outer request returned status %d", outerResp.StatusCode)
	}
	if ct := outerResp.Header.Get("Content-Type"); ct != ContentTypeChunkedResponse {
		return nil, trace.BadParameter("ohttp: unexpected outer response content-type %q", ct)
	}

	var wire bytes.Buffer
	if _, err := wire.ReadFrom(outerResp.Body); err != nil {
		return nil, trace.Wrap(err)
	}
	innerRespBytes, err := respCtx.DecapsulateResponse(wire.Bytes())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return readResponse(innerRespBytes, inner)
}
