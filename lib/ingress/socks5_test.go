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
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSOCKS5Engine_DomainConnectIsTunneled(t *testing.T) {
	t.Parallel()
	ln := mustListen(t)
	eng := NewSOCKS5Engine(ln, nil, nil, nil)
	defer eng.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		// method negotiation: version 5, 1 method, no-auth
		_, err = conn.Write([]byte{0x05, 0x01, 0x00})
		require.NoError(t, err)
		reply := make([]byte, 2)
		_, err = io.ReadFull(conn, reply)
		require.NoError(t, err)
		require.Equal(t, byte(0x00), reply[1])

		// CONNECT to a domain
		domain := "svc.internal"
		req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
		req = append(req, domain...)
		portBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(portBytes, 8080)
		req = append(req, portBytes...)
		_, err = conn.Write(req)
		require.NoError(t, err)

		resp := make([]byte, 10)
		_, err = io.ReadFull(conn, resp)
		require.NoError(t, err)
		require.Equal(t, byte(0x00), resp[1])
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := eng.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, "svc.internal", accepted.OriginalDst.Host.Value)
	require.Equal(t, "socks5h", accepted.Labels["socks5_variant"])
}
