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

package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/egress"
	"github.com/gravitational/tng/lib/identity"
	"github.com/gravitational/tng/lib/ingress"
	"github.com/gravitational/tng/lib/ratstls"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func testRingForHandshake(t *testing.T) *identity.Ring {
	t.Helper()
	ring := identity.NewRing()
	provider := &identity.RATSTLSProvider{NoRA: true, Subject: pkix.Name{CommonName: "test"}}
	artifact, err := provider.Generate(context.Background(), time.Now())
	require.NoError(t, err)
	require.NoError(t, ring.Rotate(artifact, time.Now().Add(time.Hour), time.Now()))
	return ring
}

func TestIngressAccept_DialsConfiguredPeer(t *testing.T) {
	t.Parallel()
	clientLn := mustListen(t)
	defer clientLn.Close()
	peerLn := mustListen(t)
	defer peerLn.Close()

	peerAddr := peerLn.Addr().(*net.TCPAddr)
	peerHost, err := types.ParseAddress(peerAddr.IP.String())
	require.NoError(t, err)
	peer := types.Endpoint{Host: &peerHost, Port: types.Port(peerAddr.Port)}

	engine := ingress.NewMappingEngine(clientLn, types.Endpoint{})
	accept := IngressAccept(engine, peer, "mapping", "web", map[string]string{"in": "x", "out": "y"}, nil)

	go func() {
		conn, err := net.Dial("tcp", clientLn.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	}()

	peerAccepted := make(chan struct{})
	go func() {
		conn, err := peerLn.Accept()
		require.NoError(t, err)
		conn.Close()
		close(peerAccepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, dial, labels, err := accept(ctx)
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, "mapping", labels.Type)
	require.Equal(t, "web", labels.ID)

	peerConn, err := dial(ctx)
	require.NoError(t, err)
	defer peerConn.Close()

	select {
	case <-peerAccepted:
	case <-time.After(time.Second):
		t.Fatal("peer listener never accepted the dialed connection")
	}
}

func TestEgressAccept_DialsPerFlowDestination(t *testing.T) {
	t.Parallel()
	tunnelLn := mustListen(t)
	defer tunnelLn.Close()
	destLn := mustListen(t)
	defer destLn.Close()

	destAddr := destLn.Addr().(*net.TCPAddr)
	destHost, err := types.ParseAddress(destAddr.IP.String())
	require.NoError(t, err)
	dest := types.Endpoint{Host: &destHost, Port: types.Port(destAddr.Port)}

	serverCfg, err := (&ratstls.Config{Ring: testRingForHandshake(t)}).ServerConfig()
	require.NoError(t, err)
	engine := egress.NewMappingEngine(tunnelLn, dest, serverCfg)
	accept := EgressAccept(engine, "mapping", "web", map[string]string{"in": "x", "out": "y"}, nil)

	go func() {
		conn, dialErr := net.Dial("tcp", tunnelLn.Addr().String())
		require.NoError(t, dialErr)
		defer conn.Close()
		clientCfg, cfgErr := (&ratstls.Config{Ring: testRingForHandshake(t), ServerName: "egress"}).ClientConfig()
		require.NoError(t, cfgErr)
		tlsConn := tls.Client(conn, clientCfg)
		require.NoError(t, tlsConn.HandshakeContext(context.Background()))
		time.Sleep(100 * time.Millisecond)
	}()

	destAccepted := make(chan struct{})
	go func() {
		conn, err := destLn.Accept()
		require.NoError(t, err)
		conn.Close()
		close(destAccepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, dial, labels, err := accept(ctx)
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, "egress", labels.Kind)

	destConn, err := dial(ctx)
	require.NoError(t, err)
	defer destConn.Close()

	select {
	case <-destAccepted:
	case <-time.After(time.Second):
		t.Fatal("destination listener never accepted the dialed connection")
	}
}
