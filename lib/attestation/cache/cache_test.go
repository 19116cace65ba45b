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

package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	c, err := New[string](clock, time.Second, 8)
	require.NoError(t, err)

	key := Key([]byte("nonce-1"), []string{"policy-a", "policy-b"})
	c.Put(key, "evidence-bytes")

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "evidence-bytes", got)

	clock.Advance(999 * time.Millisecond)
	_, ok = c.Get(key)
	require.True(t, ok, "entry should still be live just under the TTL")

	clock.Advance(2 * time.Millisecond)
	_, ok = c.Get(key)
	require.False(t, ok, "entry should have expired")
}

func TestCache_BypassWhenRefreshIntervalZero(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	c, err := New[string](clock, 0, 8)
	require.NoError(t, err)

	key := Key([]byte("nonce-1"), nil)
	c.Put(key, "evidence-bytes")
	_, ok := c.Get(key)
	require.False(t, ok, "refresh_interval == 0 must bypass the cache entirely")
}

func TestKey_OrderIndependentOverPolicies(t *testing.T) {
	t.Parallel()
	a := Key([]byte("n"), []string{"x", "y"})
	b := Key([]byte("n"), []string{"y", "x"})
	require.Equal(t, a, b, "policy set order must not change the cache key")
}

func TestKey_DifferentNonceDifferentKey(t *testing.T) {
	t.Parallel()
	a := Key([]byte("n1"), []string{"x"})
	b := Key([]byte("n2"), []string{"x"})
	require.NotEqual(t, a, b)
}
