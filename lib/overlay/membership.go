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
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/memberlist"

	"github.com/gravitational/tng/lib/identity"
	"github.com/gravitational/tng/lib/ratstls"
)

// Member is a running overlay participant: membership health-checking
// (SWIM, over plain UDP) plus the key-share push/pull sync (over mutual
// RATS-TLS) that mirrors peer OHTTP keys into ring.
type Member struct {
	ml        *memberlist.Memberlist
	transport *Transport
}

// Join starts gossiping on bindAddr:bindPort under nodeName, publishing
// selfArtifact's OHTTP public key, and attempts to join the overlay through
// seeds. ratsCfg authenticates every member-to-member stream connection
// (spec §4.10: "The overlay channel itself is established through a mutual
// RATS-TLS handshake").
func Join(ring *identity.Ring, nodeName, bindAddr string, bindPort int, selfArtifact *identity.Artifact, ratsCfg *ratstls.Config, seeds []string) (*Member, error) {
	transport, err := NewTransport(bindAddr, bindPort, ratsCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	del, err := newDelegate(ring, nodeName, selfArtifact)
	if err != nil {
		transport.Shutdown()
		return nil, trace.Wrap(err)
	}

	conf := memberlist.DefaultLANConfig()
	conf.Name = nodeName
	conf.Transport = transport
	conf.Delegate = del
	conf.Events = del
	conf.BindAddr = bindAddr
	conf.BindPort = bindPort

	ml, err := memberlist.Create(conf)
	if err != nil {
		transport.Shutdown()
		return nil, trace.Wrap(err)
	}

	m := &Member{ml: ml, transport: transport}

	if len(seeds) > 0 {
		resolved, err := resolveSeeds(seeds)
		if err != nil {
			ml.Shutdown()
			transport.Shutdown()
			return nil, trace.Wrap(err)
		}
		if _, err := ml.Join(resolved); err != nil {
			ml.Shutdown()
			transport.Shutdown()
			return nil, trace.Wrap(err)
		}
	}

	return m, nil
}

// Leave gracefully announces departure (so peers retire our mirrored key
// promptly instead of waiting on failure detection) before shutting down.
func (m *Member) Leave(timeout time.Duration) error {
	if err := m.ml.Leave(timeout); err != nil {
		return trace.Wrap(err)
	}
	if err := m.ml.Shutdown(); err != nil {
		return trace.Wrap(err)
	}
	return m.transport.Shutdown()
}

// Members returns the names of every node currently believed alive.
func (m *Member) Members() []string {
	var names []string
	for _, node := range m.ml.Members() {
		names = append(names, node.Name)
	}
	return names
}

// resolveSeeds expands each seed "host:port" into every A/AAAA record its
// host resolves to, tried in turn, so a single seed name backed by several
// addresses (e.g. a headless Kubernetes service) still converges (spec
// §4.10: "resolves each seed name to all A/AAAA records and tries them in
// turn").
func resolveSeeds(seeds []string) ([]string, error) {
	var resolved []string
	for _, seed := range seeds {
		host, port, err := net.SplitHostPort(seed)
		if err != nil {
			return nil, trace.BadParameter("overlay: invalid seed %q: %v", seed, err)
		}
		if ip := net.ParseIP(host); ip != nil {
			resolved = append(resolved, seed)
			continue
		}
		addrs, err := net.LookupHost(host)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, addr := range addrs {
			resolved = append(resolved, net.JoinHostPort(addr, port))
		}
	}
	return resolved, nil
}
