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
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/hashicorp/memberlist"

	"github.com/gravitational/tng/lib/identity"
)

// keyShare is the wire form of one member's published OHTTP key, carried in
// memberlist's push/pull full-state sync (spec §4.10).
type keyShare struct {
	NodeName             string    `json:"node_name"`
	ArtifactID           uuid.UUID `json:"artifact_id"`
	KeyID                byte      `json:"key_id"`
	PublicKey            []byte    `json:"public_key"`
	AttestationExtension []byte    `json:"attestation_extension,omitempty"`
}

// delegateState is the full LocalState/MergeRemoteState payload: this
// node's own key share plus every peer share it currently knows about, so a
// freshly joining node converges to the whole overlay's key set in one
// push/pull round rather than waiting for each member to be gossiped to
// individually.
type delegateState struct {
	Shares []keyShare `json:"shares"`
}

// delegate implements memberlist.Delegate and memberlist.EventDelegate. It
// mirrors every other member's OHTTP public key into ring (spec §4.10
// "Shared keys are mirrored into each node's OHTTP decryption ring") and
// retires them again when the member leaves.
type delegate struct {
	ring     *identity.Ring
	nodeName string
	self     keyShare

	mu     sync.Mutex
	known  map[string]keyShare   // nodeName -> last share seen from it
	mirror map[string]uuid.UUID  // nodeName -> artifact ID installed in ring.peer
}

// newDelegate builds a delegate that publishes selfArtifact's OHTTP public
// key as nodeName's share.
func newDelegate(ring *identity.Ring, nodeName string, selfArtifact *identity.Artifact) (*delegate, error) {
	material, ok := selfArtifact.Material.(*identity.OHTTPMaterial)
	if !ok {
		return nil, trace.BadParameter("overlay: self artifact is not OHTTP material")
	}
	pubBytes, err := material.PublicKey.MarshalBinary()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &delegate{
		ring:     ring,
		nodeName: nodeName,
		self: keyShare{
			NodeName:             nodeName,
			ArtifactID:           selfArtifact.ID,
			KeyID:                material.KeyID,
			PublicKey:            pubBytes,
			AttestationExtension: material.AttestationExtension,
		},
		known:  map[string]keyShare{},
		mirror: map[string]uuid.UUID{},
	}, nil
}

// NodeMeta is unused; TNG carries no per-node metadata in the SWIM gossip
// payload itself, only in the push/pull state.
func (d *delegate) NodeMeta(limit int) []byte { return nil }

// NotifyMsg is unused; key shares travel over LocalState/MergeRemoteState,
// not unreliable user messages.
func (d *delegate) NotifyMsg([]byte) {}

// GetBroadcasts carries no piggybacked broadcasts; convergence happens
// through the push/pull full-state exchange on every probe/join.
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState returns this node's own share plus every peer share it has
// learned of, so push/pull re-propagates the whole overlay's key set.
func (d *delegate) LocalState(join bool) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := delegateState{Shares: make([]keyShare, 0, len(d.known)+1)}
	state.Shares = append(state.Shares, d.self)
	for _, share := range d.known {
		state.Shares = append(state.Shares, share)
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	return buf
}

// MergeRemoteState mirrors every share in buf that this node has not
// already mirrored into its OHTTP decryption ring (spec §4.10).
func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	var state delegateState
	if err := json.Unmarshal(buf, &state); err != nil {
		return
	}

	scheme := identity.OHTTPSuite.KEM.Scheme()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, share := range state.Shares {
		if share.NodeName == d.nodeName {
			continue // never mirror our own key back in from a peer
		}
		if existing, ok := d.known[share.NodeName]; ok && existing.ArtifactID == share.ArtifactID {
			continue // already mirrored this exact artifact
		}

		pub, err := scheme.UnmarshalBinaryPublicKey(share.PublicKey)
		if err != nil {
			continue
		}

		if prevID, ok := d.mirror[share.NodeName]; ok {
			d.ring.RetirePeerKey(prevID)
		}
		d.ring.MirrorPeerKey(&identity.Artifact{
			ID:    share.ArtifactID,
			State: identity.StateActive,
			Material: &identity.OHTTPMaterial{
				KeyID:                share.KeyID,
				PublicKey:            pub,
				AttestationExtension: share.AttestationExtension,
			},
		})

		d.known[share.NodeName] = share
		d.mirror[share.NodeName] = share.ArtifactID
	}
}

// NotifyJoin is a no-op: a joining node's key arrives through the push/pull
// state exchange (MergeRemoteState), not the join notification itself.
func (d *delegate) NotifyJoin(node *memberlist.Node) {}

// NotifyUpdate is a no-op; TNG does not react to metadata changes.
func (d *delegate) NotifyUpdate(node *memberlist.Node) {}

// NotifyLeave retires the departed node's mirrored key from the ring (spec
// §4.10 "On node loss detected by gossip heartbeat, its keys are retired
// from every surviving node").
func (d *delegate) NotifyLeave(node *memberlist.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.mirror[node.Name]
	if !ok {
		return
	}
	d.ring.RetirePeerKey(id)
	delete(d.mirror, node.Name)
	delete(d.known, node.Name)
}
