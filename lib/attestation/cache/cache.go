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

// Package cache implements the evidence/token cache from spec §4.1 and §5:
// sharded by nonce hash to avoid contention, each shard a bounded LRU map
// with TTL eviction.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const shardCount = 16

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL-evicting, shard-sharded bounded cache keyed by
// (nonce, policy set). It is generic over the cached value (Evidence or
// Token) so the attestation client can reuse one implementation for both
// sides (spec §4.1 "Caching").
type Cache[V any] struct {
	clock           clockwork.Clock
	refreshInterval time.Duration
	shards          [shardCount]*shard[V]
}

type shard[V any] struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry[V]]
}

// New builds a Cache. perShardCapacity bounds each of the 16 shards'
// LRU size. If refreshInterval is 0, Get always misses and Put is a no-op
// (spec §4.1: "For refresh_interval == 0, the cache is bypassed").
func New[V any](clock clockwork.Clock, refreshInterval time.Duration, perShardCapacity int) (*Cache[V], error) {
	c := &Cache[V]{clock: clock, refreshInterval: refreshInterval}
	for i := range c.shards {
		l, err := lru.New[string, entry[V]](perShardCapacity)
		if err != nil {
			return nil, err
		}
		c.shards[i] = &shard[V]{lru: l}
	}
	return c, nil
}

// Key builds the cache key for a (nonce, policy set) pair (spec §4.1
// "Evidence cache keyed by (nonce_of_bound_key, policy_set)").
func Key(nonce []byte, policies []string) string {
	h := sha256.New()
	h.Write(nonce)
	h.Write([]byte{0})
	sorted := append([]string(nil), policies...)
	sort.Strings(sorted)
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return string(h.Sum(nil))
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	var h uint64
	if len(key) >= 8 {
		h = binary.BigEndian.Uint64([]byte(key[:8]))
	}
	return c.shards[h%shardCount]
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c.refreshInterval <= 0 {
		return zero, false
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(key)
	if !ok {
		return zero, false
	}
	if c.clock.Now().After(e.expiresAt) {
		s.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with the cache's configured TTL.
func (c *Cache[V]) Put(key string, value V) {
	if c.refreshInterval <= 0 {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, entry[V]{value: value, expiresAt: c.clock.Now().Add(c.refreshInterval)})
}

// Evict removes key from the cache unconditionally (explicit rotation).
func (c *Cache[V]) Evict(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}
