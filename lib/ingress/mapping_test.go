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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/api/types"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestMappingEngine_AcceptReturnsConfiguredDestination(t *testing.T) {
	t.Parallel()
	ln := mustListen(t)
	addr, err := types.ParseAddress("10.0.0.5")
	require.NoError(t, err)
	out := types.Endpoint{Host: &addr, Port: 9090}
	eng := NewMappingEngine(ln, out)
	defer eng.Close()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	accepted, err := eng.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, out, accepted.OriginalDst)
	require.Equal(t, "mapping", accepted.Labels["ingress"])
}

func TestMappingEngine_AcceptRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	ln := mustListen(t)
	eng := NewMappingEngine(ln, types.Endpoint{})
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Accept(ctx)
	require.Error(t, err)
}
