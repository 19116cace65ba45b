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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// AgentTransport is the subset of lib/attestation/agent.Client used here,
// kept as an interface so tests can fake the local agent.
type AgentTransport interface {
	RequestEvidence(ctx context.Context, nonce []byte) (Evidence, error)
}

// ServiceTransport is the subset of lib/attestation/service.Client used
// here.
type ServiceTransport interface {
	IssueToken(ctx context.Context, ev Evidence, policies []string) (Token, error)
	VerifyEvidence(ctx context.Context, ev Evidence, boundKey []byte, expectedPolicies []string) (VerifiedClaims, error)
}

// EvidenceCache and TokenCache are the minimal cache surfaces Client needs;
// lib/attestation/cache.Cache[V] satisfies both when instantiated over
// Evidence and Token respectively.
type EvidenceCache interface {
	Get(key string) (Evidence, bool)
	Put(key string, value Evidence)
}

type TokenCache interface {
	Get(key string) (Token, bool)
	Put(key string, value Token)
}

// CacheKeyFunc builds a cache key from a nonce and policy set; satisfied by
// lib/attestation/cache.Key.
type CacheKeyFunc func(nonce []byte, policies []string) string

// TokenVerifyFunc validates an already-issued token against trust roots;
// satisfied by lib/attestation/service.VerifyToken.
type TokenVerifyFunc func(token Token, expectedPolicies []string, trustedRoots []jwt.Keyfunc, now time.Time) (VerifiedClaims, error)

// Client implements the four operations of spec §4.1 on top of an agent
// transport, a service transport, and the two caches.
type Client struct {
	Agent         AgentTransport
	Service       ServiceTransport
	EvidenceCache EvidenceCache
	TokenCache    TokenCache
	CacheKey      CacheKeyFunc
	VerifyTokenFn TokenVerifyFunc
	Clock         clockwork.Clock
	// Tracer, when set, opens the spec §4.9 tng.attest.fetch/tng.attest.verify
	// child spans around the agent/service round trips.
	Tracer oteltrace.Tracer
}

// RequestEvidence implements spec §4.1's request_evidence(nonce) →
// Evidence, serving from cache when a fresh entry for the same nonce
// exists.
func (c *Client) RequestEvidence(ctx context.Context, nonce []byte, policies []string) (Evidence, error) {
	key := c.CacheKey(nonce, policies)
	if c.EvidenceCache != nil {
		if ev, ok := c.EvidenceCache.Get(key); ok {
			return ev, nil
		}
	}
	if c.Tracer != nil {
		var span oteltrace.Span
		ctx, span = c.Tracer.Start(ctx, "tng.attest.fetch")
		defer span.End()
	}
	ev, err := c.Agent.RequestEvidence(ctx, nonce)
	if err != nil {
		return Evidence{}, err
	}
	if c.EvidenceCache != nil {
		c.EvidenceCache.Put(key, ev)
	}
	return ev, nil
}

// IssueToken implements spec §4.1's issue_token(evidence, policies) →
// Token, at most once per refresh_interval thanks to the token cache (spec
// §4.1 "Passport": "the Attester proactively redeems evidence for a token
// ... at most once per refresh_interval").
func (c *Client) IssueToken(ctx context.Context, ev Evidence, policies []string) (Token, error) {
	key := c.CacheKey(ev.Nonce, policies)
	if c.TokenCache != nil {
		if tok, ok := c.TokenCache.Get(key); ok {
			return tok, nil
		}
	}
	tok, err := c.Service.IssueToken(ctx, ev, policies)
	if err != nil {
		return Token{}, err
	}
	if c.TokenCache != nil {
		c.TokenCache.Put(key, tok)
	}
	return tok, nil
}

// VerifyToken implements spec §4.1's verify_token(...) → VerifiedClaims |
// AttestationRejected (passport path).
func (c *Client) VerifyToken(token Token, expectedPolicies []string, trustedRoots []jwt.Keyfunc) (VerifiedClaims, error) {
	now := time.Now()
	if c.Clock != nil {
		now = c.Clock.Now()
	}
	return c.VerifyTokenFn(token, expectedPolicies, trustedRoots, now)
}

// VerifyEvidence implements spec §4.1's verify_evidence(...) →
// VerifiedClaims | AttestationRejected (background-check path).
func (c *Client) VerifyEvidence(ctx context.Context, ev Evidence, boundKey []byte, expectedPolicies []string) (VerifiedClaims, error) {
	if c.Tracer != nil {
		var span oteltrace.Span
		ctx, span = c.Tracer.Start(ctx, "tng.attest.verify")
		defer span.End()
	}
	return c.Service.VerifyEvidence(ctx, ev, boundKey, expectedPolicies)
}
