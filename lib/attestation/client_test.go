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

package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	calls int
	ev    Evidence
	err   error
}

func (f *fakeAgent) RequestEvidence(ctx context.Context, nonce []byte) (Evidence, error) {
	f.calls++
	if f.err != nil {
		return Evidence{}, f.err
	}
	return f.ev, nil
}

type mapCache[V any] struct{ m map[string]V }

func (c *mapCache[V]) Get(key string) (V, bool) { v, ok := c.m[key]; return v, ok }
func (c *mapCache[V]) Put(key string, v V)      { c.m[key] = v }

func TestClient_RequestEvidence_CachesByNonce(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{ev: Evidence{Raw: []byte("quote"), IssuedAt: time.Now()}}
	client := &Client{
		Agent:         agent,
		EvidenceCache: &mapCache[Evidence]{m: map[string]Evidence{}},
		CacheKey:      func(nonce []byte, policies []string) string { return string(nonce) },
		Clock:         clockwork.NewFakeClock(),
	}

	ev1, err := client.RequestEvidence(context.Background(), []byte("n1"), []string{"default"})
	require.NoError(t, err)
	require.Equal(t, "quote", string(ev1.Raw))
	require.Equal(t, 1, agent.calls)

	ev2, err := client.RequestEvidence(context.Background(), []byte("n1"), []string{"default"})
	require.NoError(t, err)
	require.Equal(t, ev1, ev2)
	require.Equal(t, 1, agent.calls, "second call with the same nonce must be served from cache")
}

func TestClient_RequestEvidence_PropagatesAgentError(t *testing.T) {
	t.Parallel()
	agent := &fakeAgent{err: ErrAgentUnavailable(assertErr{})}
	client := &Client{
		Agent:    agent,
		CacheKey: func(nonce []byte, policies []string) string { return string(nonce) },
	}
	_, err := client.RequestEvidence(context.Background(), []byte("n1"), nil)
	require.Error(t, err)
}

func TestClient_VerifyToken_RejectsEmptyTrustRoots(t *testing.T) {
	t.Parallel()
	client := &Client{
		VerifyTokenFn: func(token Token, expectedPolicies []string, trustedRoots []jwt.Keyfunc, now time.Time) (VerifiedClaims, error) {
			if len(trustedRoots) == 0 {
				return VerifiedClaims{}, ErrRejected("no trusted roots configured: rejecting all tokens by default")
			}
			return VerifiedClaims{}, nil
		},
	}
	_, err := client.VerifyToken(Token{}, nil, nil)
	require.Error(t, err, "empty trusted_certs_paths must reject, not skip verification (spec §9)")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
