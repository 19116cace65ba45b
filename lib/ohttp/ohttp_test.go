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
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/identity"
)

func newTestRing(t *testing.T) *identity.Ring {
	t.Helper()
	ring := identity.NewRing()
	provider := &identity.OHTTPProvider{NoRA: true}
	artifact, err := provider.Generate(context.Background(), time.Now())
	require.NoError(t, err)
	require.NoError(t, ring.Rotate(artifact, time.Now().Add(time.Hour), time.Now()))
	return ring
}

func TestEncapsulateDecapsulateRequestRoundTrip(t *testing.T) {
	t.Parallel()
	ring := newTestRing(t)
	kc, err := KeyConfigFromRing(ring)
	require.NoError(t, err)
	material := ring.Active().Material.(*identity.OHTTPMaterial)

	plaintext := []byte("GET /svc-x/path HTTP/1.1\r\nHost: example.internal\r\n\r\n")
	wire, respCtx, err := EncapsulateRequest(material.PublicKey, kc.KeyID, plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, wire)

	dr, err := DecapsulateRequest(ring, wire)
	require.NoError(t, err)
	require.Equal(t, plaintext, dr.Body)

	responsePlaintext := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	encResp, err := dr.EncapsulateResponse(responsePlaintext)
	require.NoError(t, err)

	decResp, err := respCtx.DecapsulateResponse(encResp)
	require.NoError(t, err)
	require.Equal(t, responsePlaintext, decResp)
}

func TestDecapsulateRequest_UnknownKeyID(t *testing.T) {
	t.Parallel()
	ring := newTestRing(t)
	material := ring.Active().Material.(*identity.OHTTPMaterial)

	wire, _, err := EncapsulateRequest(material.PublicKey, material.KeyID+1, []byte("x"))
	require.NoError(t, err)
	_, err = DecapsulateRequest(ring, wire)
	require.Error(t, err)
}

type echoBackend struct{}

func (echoBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	body := io.NopCloser(httptest.NewRecorder().Body)
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       body,
	}, nil
}

func TestGateway_CORSPreflight(t *testing.T) {
	t.Parallel()
	gw := &Gateway{
		CORS: &CORSPolicy{AllowOrigins: []string{"https://app.example"}, AllowMethods: []string{"GET"}},
	}
	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGateway_DirectForwardBypassesDecapsulation(t *testing.T) {
	t.Parallel()
	rule := &types.DirectForwardRule{HTTPPathRegex: `/public/.*`}
	require.NoError(t, rule.Compile())
	gw := &Gateway{Backend: echoBackend{}, DirectForward: []*types.DirectForwardRule{rule}}

	req := httptest.NewRequest(http.MethodGet, "/public/health", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_RejectsUnwrappedPrivatePath(t *testing.T) {
	t.Parallel()
	gw := &Gateway{Ring: newTestRing(t)}
	req := httptest.NewRequest(http.MethodGet, "/private/data", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
