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

package overlay

import (
	"context"
	"crypto/x509/pkix"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/lib/identity"
	"github.com/gravitational/tng/lib/ratstls"
)

// newRatsRing builds a ring carrying one no_ra RATS-TLS identity, the same
// helper pattern lib/ratstls uses, so the overlay's mutual-TLS stream
// handshake has a certificate to present on each side without exercising
// real attestation.
func newRatsRing(t *testing.T, commonName string) *identity.Ring {
	t.Helper()
	ring := identity.NewRing()
	provider := &identity.RATSTLSProvider{NoRA: true, Subject: pkix.Name{CommonName: commonName}}
	artifact, err := provider.Generate(context.Background(), time.Now())
	require.NoError(t, err)
	require.NoError(t, ring.Rotate(artifact, time.Now().Add(time.Hour), time.Now()))
	return ring
}

func newOHTTPArtifact(t *testing.T) *identity.Artifact {
	t.Helper()
	provider := &identity.OHTTPProvider{NoRA: true}
	artifact, err := provider.Generate(context.Background(), time.Now())
	require.NoError(t, err)
	return artifact
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// TestJoin_MirrorsPeerKeyAndRetiresOnLeave exercises a full two-node
// overlay cycle: node B joins node A over a mutual RATS-TLS stream, each
// mirrors the other's OHTTP public key into its decryption ring, and when B
// leaves, A retires B's mirrored key again (spec §4.10).
func TestJoin_MirrorsPeerKeyAndRetiresOnLeave(t *testing.T) {
	aRatsRing := newRatsRing(t, "node-a")
	bRatsRing := newRatsRing(t, "node-b")

	aOHTTPRing := identity.NewRing()
	bOHTTPRing := identity.NewRing()

	aArtifact := newOHTTPArtifact(t)
	bArtifact := newOHTTPArtifact(t)

	aPort := freePort(t)
	bPort := freePort(t)

	memberA, err := Join(aOHTTPRing, "node-a", "127.0.0.1", aPort, aArtifact,
		&ratstls.Config{Ring: aRatsRing}, nil)
	require.NoError(t, err)
	defer memberA.Leave(time.Second)

	memberB, err := Join(bOHTTPRing, "node-b", "127.0.0.1", bPort, bArtifact,
		&ratstls.Config{Ring: bRatsRing}, []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(aPort))})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(aOHTTPRing.Decryptable()) >= 1 && len(bOHTTPRing.Decryptable()) >= 1
	}, 5*time.Second, 50*time.Millisecond, "each node should mirror the other's OHTTP key")

	foundBKeyOnA := false
	for _, a := range aOHTTPRing.Decryptable() {
		if a.ID == bArtifact.ID {
			foundBKeyOnA = true
		}
	}
	require.True(t, foundBKeyOnA, "node A should have mirrored node B's key")

	require.NoError(t, memberB.Leave(time.Second))

	require.Eventually(t, func() bool {
		for _, a := range aOHTTPRing.Decryptable() {
			if a.ID == bArtifact.ID {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "node A should retire node B's key after it leaves")
}

func TestResolveSeeds_PassesIPLiteralSeedThrough(t *testing.T) {
	resolved, err := resolveSeeds([]string{"127.0.0.1:7946"})
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:7946"}, resolved)
}

func TestResolveSeeds_RejectsMissingPort(t *testing.T) {
	_, err := resolveSeeds([]string{"127.0.0.1"})
	require.Error(t, err)
}
