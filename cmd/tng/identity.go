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
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/tng/lib/config"
	"github.com/gravitational/tng/lib/identity"
	"github.com/gravitational/tng/lib/overlay"
	"github.com/gravitational/tng/lib/ratstls"
)

// defaultRATSTLSRotationInterval rotates RATS-TLS identities well inside
// the 24h certificate lifetime RATSTLSProvider.Generate issues (spec §4.4
// "identity rotation"); endpoints don't get a per-endpoint override since
// only the OHTTP variant's key material has a spec-defined rotation_interval
// field (spec §6).
const defaultRATSTLSRotationInterval = 12 * time.Hour

// defaultOHTTPRotationInterval is used when ohttp.rotation_interval is
// absent from an endpoint that needs one (self_generated/peer_shared).
const defaultOHTTPRotationInterval = 12 * time.Hour

// endpointIdentity bundles the ring a tunnel layer dials/verifies through
// with the background goroutine driving its rotation, and the attestation
// bundle built for this endpoint's attest block (nil for no_ra endpoints).
type endpointIdentity struct {
	ring    *identity.Ring
	attest  *attestationBundle
	cleanup func()
}

// readySignalingGenerator closes ready after its first Generate call
// returns, successfully or not, so a caller that launches Rotator.Run in
// the background can still block until the initial synchronous generation
// Run performs has landed (spec §6: "readyz observes at least one issued
// identity").
type readySignalingGenerator struct {
	inner identity.Generator
	ready chan struct{}
	once  bool
}

func (g *readySignalingGenerator) Generate(ctx context.Context, now time.Time) (*identity.Artifact, error) {
	artifact, err := g.inner.Generate(ctx, now)
	if !g.once {
		g.once = true
		close(g.ready)
	}
	return artifact, err
}

// runRotator launches rotator.Run in the background and blocks until its
// first (synchronous, inside Run) generation attempt has completed, so the
// returned identity is immediately usable.
func runRotator(ctx context.Context, rotator *identity.Rotator) error {
	ready := make(chan struct{})
	rotator.Gen = &readySignalingGenerator{inner: rotator.Gen, ready: ready}

	errCh := make(chan error, 1)
	go func() { errCh <- rotator.Run(ctx) }()

	select {
	case <-ready:
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
		return ctx.Err()
	}
	if rotator.Ring.Active() == nil {
		select {
		case err := <-errCh:
			return trace.Wrap(err)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return trace.ConnectionProblem(nil, "initial identity generation failed")
		}
	}
	return nil
}

// selfCheckingGenerator wraps a RATS-TLS or OHTTP identity.Generator and
// verifies the freshly-minted artifact's own embedded evidence against the
// endpoint's declared policy before handing it to the ring. A generation
// whose evidence wouldn't satisfy its own policy is rejected here, so
// rotation keeps serving the previous (still valid) identity instead of
// installing one every peer would reject (spec §4.4, §7).
type selfCheckingGenerator struct {
	inner    identity.Generator
	bundle   *attestationBundle
	policies []string
}

func (g *selfCheckingGenerator) Generate(ctx context.Context, now time.Time) (*identity.Artifact, error) {
	artifact, err := g.inner.Generate(ctx, now)
	if err != nil {
		return nil, err
	}
	if g.bundle == nil {
		return artifact, nil
	}
	switch material := artifact.Material.(type) {
	case *identity.RATSTLSMaterial:
		leaf, err := x509.ParseCertificate(material.Cert.Certificate[0])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ext := identity.ExtractAttestationExtension(leaf)
		if ext == nil {
			return artifact, nil // no_ra: nothing embedded to self-check
		}
		// boundKey mirrors ratstls.PeerVerifier.Verify: the marshaled
		// public key the evidence is bound to, not the sha256 nonce used
		// only to request it.
		boundKey, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ev := attestationEvidence(ext, material.EvidenceNonce, now)
		if err := selfCheckEvidence(ctx, g.bundle, ev, boundKey, g.policies); err != nil {
			return nil, trace.Wrap(err, "generated identity failed self-check")
		}
	case *identity.OHTTPMaterial:
		if material.AttestationExtension == nil {
			return artifact, nil
		}
		boundKey, err := material.PublicKey.MarshalBinary()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ev := attestationEvidence(material.AttestationExtension, nil, now)
		if err := selfCheckEvidence(ctx, g.bundle, ev, boundKey, g.policies); err != nil {
			return nil, trace.Wrap(err, "generated identity failed self-check")
		}
	}
	return artifact, nil
}

// buildRingForEndpoint constructs the identity.Ring an endpoint tunnels
// through, selecting RATS-TLS or OHTTP material per the endpoint's
// configuration, and starts its background rotation loop.
func buildRingForEndpoint(ctx context.Context, ep config.Endpoint, bundle *attestationBundle, logger *slog.Logger) (*endpointIdentity, error) {
	if ep.OHTTP != nil {
		return buildOHTTPRing(ctx, ep, bundle, logger)
	}
	return buildRATSTLSRing(ctx, ep, bundle, logger)
}

func buildRATSTLSRing(ctx context.Context, ep config.Endpoint, bundle *attestationBundle, logger *slog.Logger) (*endpointIdentity, error) {
	ring := identity.NewRing()

	var source identity.EvidenceSource
	if bundle != nil {
		source = &evidenceSourceAdapter{client: bundle.Client, policies: policiesFrom(ep.Attest.Policy)}
	}
	provider := &identity.RATSTLSProvider{
		Source:  source,
		Subject: pkix.Name{CommonName: ep.ID},
		NoRA:    ep.Attest.NoRA,
	}

	var gen identity.Generator = provider
	if bundle != nil {
		gen = &selfCheckingGenerator{inner: provider, bundle: bundle, policies: policiesFrom(ep.Attest.Policy)}
	}

	rotatorCtx, cancel := context.WithCancel(ctx)
	rotator := &identity.Rotator{
		Ring:     ring,
		Gen:      gen,
		Interval: defaultRATSTLSRotationInterval,
		Clock:    clockwork.NewRealClock(),
		Logger:   logger,
	}
	if err := runRotator(rotatorCtx, rotator); err != nil {
		cancel()
		return nil, trace.Wrap(err, "endpoint %q initial identity generation", ep.ID)
	}

	return &endpointIdentity{ring: ring, attest: bundle, cleanup: cancel}, nil
}

func buildOHTTPRing(ctx context.Context, ep config.Endpoint, bundle *attestationBundle, logger *slog.Logger) (*endpointIdentity, error) {
	ring := identity.NewRing()
	o := ep.OHTTP

	interval := time.Duration(o.RotationInterval)
	if interval <= 0 {
		interval = defaultOHTTPRotationInterval
	}

	switch o.KeySource {
	case "file":
		src := &identity.FileKeySource{Path: o.KeyFile, Ring: ring, Logger: logger}
		if err := src.LoadOnce(time.Now()); err != nil {
			return nil, trace.Wrap(err, "endpoint %q ohttp file key source", ep.ID)
		}
		if err := src.Watch(ctx, time.Now, 200*time.Millisecond); err != nil {
			return nil, trace.Wrap(err, "endpoint %q ohttp file key source watch", ep.ID)
		}
		return &endpointIdentity{ring: ring, attest: bundle, cleanup: func() { _ = src.Close() }}, nil

	case "peer_shared":
		ei, err := buildOHTTPSelfGenerated(ctx, ep, bundle, ring, interval, logger)
		if err != nil {
			return nil, err
		}
		// The gossip channel authenticates itself with its own RATS-TLS
		// identity, separate from the OHTTP key material it's gossiping
		// about (spec §4.10: "established through a mutual RATS-TLS
		// handshake").
		transportIdentity, err := buildRATSTLSRing(ctx, ep, bundle, logger)
		if err != nil {
			return nil, trace.Wrap(err, "endpoint %q peer key-share overlay transport identity", ep.ID)
		}
		ratsCfg, err := ratstlsConfig(transportIdentity, ep, "")
		if err != nil {
			return nil, trace.Wrap(err, "endpoint %q peer key-share overlay", ep.ID)
		}
		member, err := overlay.Join(ring, ep.ID, o.OverlayBindAddr, overlayPortOrDefault(o.OverlayBindPort), ring.Active(), ratsCfg, o.OverlaySeeds)
		if err != nil {
			return nil, trace.Wrap(err, "endpoint %q peer key-share overlay", ep.ID)
		}
		prevCleanup := ei.cleanup
		ei.cleanup = func() {
			prevCleanup()
			_ = member.Leave(5 * time.Second)
			transportIdentity.cleanup()
		}
		return ei, nil

	default: // self_generated
		return buildOHTTPSelfGenerated(ctx, ep, bundle, ring, interval, logger)
	}
}

func buildOHTTPSelfGenerated(ctx context.Context, ep config.Endpoint, bundle *attestationBundle, ring *identity.Ring, interval time.Duration, logger *slog.Logger) (*endpointIdentity, error) {
	var source identity.EvidenceSource
	if bundle != nil {
		source = &evidenceSourceAdapter{client: bundle.Client, policies: policiesFrom(ep.Attest.Policy)}
	}
	provider := &identity.OHTTPProvider{Source: source, NoRA: ep.Attest.NoRA}

	var gen identity.Generator = provider
	if bundle != nil {
		gen = &selfCheckingGenerator{inner: provider, bundle: bundle, policies: policiesFrom(ep.Attest.Policy)}
	}

	rotatorCtx, cancel := context.WithCancel(ctx)
	rotator := &identity.Rotator{Ring: ring, Gen: gen, Interval: interval, Clock: clockwork.NewRealClock(), Logger: logger}
	if err := runRotator(rotatorCtx, rotator); err != nil {
		cancel()
		return nil, trace.Wrap(err, "endpoint %q initial identity generation", ep.ID)
	}
	return &endpointIdentity{ring: ring, attest: bundle, cleanup: cancel}, nil
}

func overlayPortOrDefault(p int) int {
	if p == 0 {
		return 8301
	}
	return p
}

// ratstlsConfig builds the *ratstls.Config a tunnel layer uses to dial or
// accept connections for this endpoint's ring, wiring a PeerVerifier when
// the endpoint verifies its peer (spec §4.1/§4.3).
func ratstlsConfig(ei *endpointIdentity, ep config.Endpoint, serverName string) (*ratstls.Config, error) {
	cfg := &ratstls.Config{Ring: ei.ring, ServerName: serverName}
	if !ep.Attest.Verify {
		return cfg, nil
	}
	if ei.attest == nil {
		return nil, trace.BadParameter("endpoint %q verify requires an attestation client", ep.ID)
	}
	verifier, err := buildPeerVerifier(ei.attest, ep.Attest)
	if err != nil {
		return nil, trace.Wrap(err, "endpoint %q", ep.ID)
	}
	cfg.Verifier = verifier
	return cfg, nil
}

// egressTLSConfig builds the server-side *tls.Config an egress listener's
// engine uses to answer the peer's RatsTLSUpgrade ClientHello (spec §4.3
// "on server side: same verifier, plus always presents its own attested
// cert").
func egressTLSConfig(ei *endpointIdentity, ep config.Endpoint) (*tls.Config, error) {
	cfg, err := ratstlsConfig(ei, ep, "")
	if err != nil {
		return nil, err
	}
	return cfg.ServerConfig()
}
