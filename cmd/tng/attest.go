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

package main

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tng/lib/attestation"
	"github.com/gravitational/tng/lib/attestation/agent"
	"github.com/gravitational/tng/lib/attestation/cache"
	"github.com/gravitational/tng/lib/attestation/service"
	"github.com/gravitational/tng/lib/attestation/trustmodel"
	"github.com/gravitational/tng/lib/config"
	"github.com/gravitational/tng/lib/ratstls"
)

// defaultCacheRefresh bounds how long a cached evidence/token entry is
// served before a fresh round trip is required (spec §4.1's caches sit in
// front of both the agent and the service). It is the fixed TTL cache.New
// gives every entry from the moment it is stored; the evidence's or token's
// own ExpiresAt is not consulted.
const defaultCacheRefresh = 30 * time.Second

const perShardCacheCapacity = 256

// attestationBundle pairs the attestation.Client used for day-to-day
// evidence/token flow with the concrete service.Client's trusted JWT roots,
// which buildPeerVerifier needs directly since attestation.Client only
// holds the narrower ServiceTransport interface.
type attestationBundle struct {
	Client       *attestation.Client
	ServiceRoots []jwt.Keyfunc
}

// buildAttestationClient wires an attestation.Client from one endpoint's
// attest block: a local agent transport, an Attestation Service transport,
// and evidence/token caches (spec §4.1).
func buildAttestationClient(ctx context.Context, a config.AttestSpec) (*attestationBundle, error) {
	agentClient, err := agent.NewClient(ctx, agent.Config{Target: a.AgentAddr})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serviceClient := service.New(a.AttestationServiceURL, attestation.DefaultAgentDeadline)

	evCache, err := cache.New[attestation.Evidence](clockwork.NewRealClock(), defaultCacheRefresh, perShardCacheCapacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tokCache, err := cache.New[attestation.Token](clockwork.NewRealClock(), defaultCacheRefresh, perShardCacheCapacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &attestationBundle{
		Client: &attestation.Client{
			Agent:         agentClient,
			Service:       serviceClient,
			EvidenceCache: evCache,
			TokenCache:    tokCache,
			CacheKey:      cache.Key,
			VerifyTokenFn: service.VerifyToken,
			Clock:         clockwork.NewRealClock(),
		},
		ServiceRoots: serviceClient.TrustedRoots,
	}, nil
}

// evidenceSourceAdapter satisfies lib/identity.EvidenceSource by fetching
// fresh evidence for a provider-chosen nonce and handing back its raw
// bytes, the value the identity providers embed in the X.509/HPKE
// attestation extension (spec §4.2.1/§4.2.2).
type evidenceSourceAdapter struct {
	client   *attestation.Client
	policies []string
}

func (e *evidenceSourceAdapter) FetchAttestationMaterial(ctx context.Context, nonce []byte) ([]byte, error) {
	ev, err := e.client.RequestEvidence(ctx, nonce, e.policies)
	if err != nil {
		return nil, err
	}
	return ev.Raw, nil
}

// attestationEvidence rewraps a raw attestation extension value (already
// fetched once during identity generation) as an attestation.Evidence for
// selfCheckEvidence, which only needs the raw bytes the peer would also
// extract and re-verify.
func attestationEvidence(raw, nonce []byte, issuedAt time.Time) attestation.Evidence {
	return attestation.Evidence{Raw: raw, Nonce: nonce, IssuedAt: issuedAt}
}

// selfCheckEvidence runs freshly-fetched evidence through the same
// background-check verification a peer would apply before an `attest`-role
// endpoint publishes it as live identity material. A rotated certificate
// whose embedded evidence doesn't actually satisfy the endpoint's own
// declared policy fails here, at generation time, instead of failing every
// peer handshake after the rotation lands (spec §4.4's rotation loop).
func selfCheckEvidence(ctx context.Context, bundle *attestationBundle, ev attestation.Evidence, boundKey []byte, policies []string) error {
	v := trustmodel.NewBackgroundCheck(bundle.Client, ev, boundKey, policies)
	_, err := v.Verify(ctx)
	return trace.Wrap(err)
}

// policiesFrom splits the comma-separated policy list spec §6's
// attest.policy field carries.
func policiesFrom(policy string) []string {
	if policy == "" {
		return nil
	}
	parts := strings.Split(policy, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildPeerVerifier constructs the ratstls.Verifier a `verify`-role
// endpoint checks its peer's attestation extension against, dispatching on
// trust_model (spec §4.1 "Background-check"/"Passport").
func buildPeerVerifier(bundle *attestationBundle, a config.AttestSpec) (*ratstls.PeerVerifier, error) {
	policies := policiesFrom(a.Policy)
	switch a.TrustModel {
	case "background_check", "":
		return &ratstls.PeerVerifier{
			Variant:          ratstls.PeerVariantBackgroundCheck,
			ExpectedPolicies: policies,
			Evidence:         bundle.Client,
			Clock:            clockwork.NewRealClock(),
		}, nil
	case "passport":
		return &ratstls.PeerVerifier{
			Variant:          ratstls.PeerVariantPassport,
			ExpectedPolicies: policies,
			Token:            bundle.Client,
			TrustedRoots:     bundle.ServiceRoots,
			Clock:            clockwork.NewRealClock(),
		}, nil
	default:
		return nil, trace.BadParameter("unknown attest.trust_model %q", a.TrustModel)
	}
}
