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

package ingress

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/api/types"
)

func TestHTTPProxyEngine_ConnectMatchingFilterIsTunneled(t *testing.T) {
	t.Parallel()
	ln := mustListen(t)
	port := types.Port(443)
	filters := []types.EndpointFilter{{Domain: "example.internal", Port: &port}}
	eng := NewHTTPProxyEngine(ln, filters, nil)
	defer eng.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		fmt.Fprintf(conn, "CONNECT example.internal:443 HTTP/1.1\r\nHost: example.internal:443\r\n\r\n")
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := eng.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, "example.internal", accepted.OriginalDst.Host.Value)
	require.Equal(t, types.Port(443), accepted.OriginalDst.Port)
}

func TestHTTPProxyEngine_NonMatchingFilterForwardsPlaintext(t *testing.T) {
	t.Parallel()
	backend := mustListen(t)
	defer backend.Close()
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		resp := &http.Response{StatusCode: 200, ProtoMajor: 1, ProtoMinor: 1, Request: req, Header: http.Header{}}
		resp.Write(conn)
	}()

	ln := mustListen(t)
	eng := NewHTTPProxyEngine(ln, nil, nil) // no filters: nothing matches, everything forwards
	defer eng.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	fmt.Fprintf(conn, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", "http://"+backend.Addr().String(), backend.Addr().String())

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}
