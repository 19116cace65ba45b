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
	"io"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/identity"
)

// CORSPolicy implements spec §4.4's "CORS" preflight handling. "*" in any
// field means "all".
type CORSPolicy struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
}

func (p *CORSPolicy) allowOrigin(origin string) string {
	for _, o := range p.AllowOrigins {
		if o == "*" || o == origin {
			return o
		}
	}
	return ""
}

func (p *CORSPolicy) applyPreflight(w http.ResponseWriter, r *http.Request) bool {
	if p == nil || r.Method != http.MethodOptions {
		return false
	}
	origin := r.Header.Get("Origin")
	allowed := p.allowOrigin(origin)
	if allowed == "" {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowed)
	h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowMethods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowHeaders, ", "))
	if len(p.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(p.ExposeHeaders, ", "))
	}
	if p.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// Backend is the plaintext upstream a Gateway forwards decapsulated (or
// direct-forwarded) requests to.
type Backend interface {
	RoundTrip(req *http.Request) (*http.Response, error)
}

// Gateway is the egress-side OHTTP HTTP handler (spec §4.4): it answers
// CORS preflight, bypasses decapsulation for direct_forward paths, and
// otherwise decapsulates the outer POST body and forwards the inner
// request to Backend.
type Gateway struct {
	Ring          *identity.Ring
	Backend       Backend
	DirectForward []*types.DirectForwardRule
	CORS          *CORSPolicy
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.CORS.applyPreflight(w, r) {
		return
	}

	if types.FirstDirectForwardMatch(g.DirectForward, r.URL.Path) {
		g.forwardPlain(w, r)
		return
	}

	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != ContentTypeChunkedRequest {
		http.Error(w, "expected an OHTTP-encapsulated POST", http.StatusBadRequest)
		return
	}

	wire, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	dr, err := DecapsulateRequest(g.Ring, wire)
	if err != nil {
		http.Error(w, trace.UserMessage(err), http.StatusBadRequest)
		return
	}

	inner, err := http.ReadRequest(newBodyReader(dr.Body))
	if err != nil {
		http.Error(w, "malformed inner request", http.StatusBadRequest)
		return
	}
	inner.RequestURI = ""

	resp, err := g.Backend.RoundTrip(inner)
	if err != nil {
		http.Error(w, trace.UserMessage(err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	innerResp, err := marshalResponse(resp)
	if err != nil {
		http.Error(w, "failed to marshal backend response", http.StatusInternalServerError)
		return
	}
	encResp, err := dr.EncapsulateResponse(innerResp)
	if err != nil {
		http.Error(w, trace.UserMessage(err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ContentTypeChunkedResponse)
	_, _ = w.Write(encResp)
}

func (g *Gateway) forwardPlain(w http.ResponseWriter, r *http.Request) {
	resp, err := g.Backend.RoundTrip(r)
	if err != nil {
		http.Error(w, trace.UserMessage(err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
