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

// Package identity implements TNG's identity ring and the two identity
// providers (RATS-TLS X.509, OHTTP HPKE key-pairs) from spec §3 "Identity
// ring", §4.2 and §9 "Identity rotation as a shared resource".
package identity

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// State is one of an artifact's three lifecycle stages (spec §3).
type State int

const (
	StateUnknown State = iota
	StateActive
	StateRetiring
	StateRetired
)

// Artifact is one identity in the ring: either an X.509 cert (RATS-TLS) or
// an HPKE key-pair (OHTTP), whichever Material holds.
type Artifact struct {
	ID         uuid.UUID
	State      State
	IssuedAt   time.Time
	RetireAt   time.Time
	Material   any // *RATSTLSMaterial or *OHTTPMaterial, set by the provider
}

type ringSnapshot struct {
	artifacts []*Artifact
}

// Ring is an atomically swappable collection of identity artifacts. Many
// concurrent handshakes read a snapshot pointer without taking a lock;
// rotation builds a new snapshot off-thread and swaps it in (spec §9).
//
// peer holds artifacts mirrored in from the peer key-share overlay (spec
// §4.10, `ohttp.key.source == peer_shared`): kept separate from snap so the
// local active/retiring rotation lineage and its RetireAt-driven eviction
// never touch keys this node doesn't own.
type Ring struct {
	snap atomic.Pointer[ringSnapshot]
	peer atomic.Pointer[ringSnapshot]
}

// NewRing builds an empty ring. Callers must install at least one active
// artifact (via Rotate) before the ring satisfies its invariant.
func NewRing() *Ring {
	r := &Ring{}
	r.snap.Store(&ringSnapshot{})
	r.peer.Store(&ringSnapshot{})
	return r
}

// MirrorPeerKey installs an externally-sourced OHTTP artifact so it
// decrypts inbound traffic without becoming this node's advertised active
// identity (spec §4.10: "Shared keys are mirrored into each node's OHTTP
// decryption ring; each node still publishes only its own key").
func (r *Ring) MirrorPeerKey(artifact *Artifact) {
	old := r.peer.Load()
	next := &ringSnapshot{artifacts: append(append([]*Artifact{}, old.artifacts...), artifact)}
	r.peer.Store(next)
}

// RetirePeerKey drops a previously mirrored peer artifact (spec §4.10: "On
// node loss detected by gossip heartbeat, its keys are retired from every
// surviving node").
func (r *Ring) RetirePeerKey(id uuid.UUID) {
	old := r.peer.Load()
	next := &ringSnapshot{}
	for _, a := range old.artifacts {
		if a.ID != id {
			next.artifacts = append(next.artifacts, a)
		}
	}
	r.peer.Store(next)
}

// Snapshot returns the current set of artifacts without taking a lock.
func (r *Ring) Snapshot() []*Artifact {
	return r.snap.Load().artifacts
}

// Active returns the single active artifact, if any.
func (r *Ring) Active() *Artifact {
	for _, a := range r.Snapshot() {
		if a.State == StateActive {
			return a
		}
	}
	return nil
}

// Decryptable returns every artifact still usable to decrypt inbound
// traffic: active and retiring, but not retired (spec §3: "retiring
// artifacts accept inbound traffic but are not advertised").
func (r *Ring) Decryptable() []*Artifact {
	var out []*Artifact
	for _, a := range r.Snapshot() {
		if a.State == StateActive || a.State == StateRetiring {
			out = append(out, a)
		}
	}
	out = append(out, r.peer.Load().artifacts...)
	return out
}

// Rotate builds the next generation of the ring: the current active
// artifact (if any) demotes to retiring with the given retireAt, every
// artifact already past its retireAt is dropped, and fresh becomes the new
// active entry. The swap is atomic; no reader ever observes a ring with
// zero active artifacts once the first Rotate has completed (spec §3
// invariant: "|active| >= 1 at all times after initial warm-up").
func (r *Ring) Rotate(fresh *Artifact, retireAt time.Time, now time.Time) error {
	if fresh.State != StateActive {
		return trace.BadParameter("fresh artifact must be installed in state active")
	}
	old := r.snap.Load()
	next := &ringSnapshot{}
	for _, a := range old.artifacts {
		switch a.State {
		case StateActive:
			demoted := *a
			demoted.State = StateRetiring
			demoted.RetireAt = retireAt
			next.artifacts = append(next.artifacts, &demoted)
		case StateRetiring:
			if now.Before(a.RetireAt) {
				next.artifacts = append(next.artifacts, a)
			}
			// else: evicted (past retire_at)
		case StateRetired:
			// never carried forward
		}
	}
	next.artifacts = append(next.artifacts, fresh)
	r.snap.Store(next)
	return nil
}

// Evict drops every artifact whose RetireAt has passed, used by a
// background sweep independent of rotation (e.g. for a `file` source ring
// that rotates on external change events rather than a fixed period).
func (r *Ring) Evict(now time.Time) {
	old := r.snap.Load()
	next := &ringSnapshot{}
	for _, a := range old.artifacts {
		if a.State == StateRetiring && !now.Before(a.RetireAt) {
			continue
		}
		next.artifacts = append(next.artifacts, a)
	}
	r.snap.Store(next)
}
