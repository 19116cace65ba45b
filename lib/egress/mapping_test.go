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

package egress

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/identity"
	"github.com/gravitational/tng/lib/ratstls"
)

func buildTestRing(t *testing.T) *identity.Ring {
	t.Helper()
	ring := identity.NewRing()
	provider := &identity.RATSTLSProvider{NoRA: true, Subject: pkix.Name{CommonName: "test"}}
	artifact, err := provider.Generate(context.Background(), time.Now())
	require.NoError(t, err)
	require.NoError(t, ring.Rotate(artifact, time.Now().Add(time.Hour), time.Now()))
	return ring
}

func TestMappingEngine_AcceptPerformsServerHandshake(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := types.ParseAddress("10.0.0.9")
	require.NoError(t, err)
	out := types.Endpoint{Host: &addr, Port: 5432}

	serverCfg, err := (&ratstls.Config{Ring: buildTestRing(t)}).ServerConfig()
	require.NoError(t, err)
	eng := NewMappingEngine(ln, out, serverCfg)
	defer eng.Close()

	go func() {
		conn, dialErr := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, dialErr)
		defer conn.Close()
		clientCfg, cfgErr := (&ratstls.Config{Ring: buildTestRing(t), ServerName: "egress"}).ClientConfig()
		require.NoError(t, cfgErr)
		tlsConn := tls.Client(conn, clientCfg)
		require.NoError(t, tlsConn.HandshakeContext(context.Background()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := eng.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, out, accepted.Dest)
	require.Equal(t, "mapping", accepted.Labels["egress"])
	_, isTLS := accepted.Conn.(*tls.Conn)
	require.True(t, isTLS)
}
