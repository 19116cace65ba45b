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

//go:build linux

package ingress

import (
	"context"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/netfilter"
)

// NetfilterEngine listens on an ephemeral port that nftables rules
// redirect matching outbound traffic to, recovers each flow's real
// destination from SO_ORIGINAL_DST, and drops any connection the nftables
// rules should not have sent here — a defense-in-depth re-check of spec
// §4.5's capture decision algorithm and its "traffic to local addresses is
// never captured" clause.
type NetfilterEngine struct {
	ln          net.Listener
	isLocalAddr func(net.IP) bool
	ch          <-chan acceptResult
}

// NewNetfilterEngine listens on ln. isLocalAddr classifies an IP as a
// local address for spec §4.5's "never captured" rule; pass nil to accept
// the conservative default (loopback and link-local only).
func NewNetfilterEngine(ln net.Listener, isLocalAddr func(net.IP) bool) *NetfilterEngine {
	if isLocalAddr == nil {
		isLocalAddr = defaultIsLocal
	}
	return &NetfilterEngine{ln: ln, isLocalAddr: isLocalAddr, ch: acceptLoop(ln)}
}

func defaultIsLocal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

func (n *NetfilterEngine) Accept(ctx context.Context) (*Accepted, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-n.ch:
			if res.err != nil {
				return nil, trace.ConnectionProblem(res.err, "netfilter ingress: accept failed")
			}
			tcpConn, ok := res.conn.(*net.TCPConn)
			if !ok {
				res.conn.Close()
				return nil, trace.BadParameter("netfilter ingress requires a TCP listener")
			}
			addrPort, err := netfilter.OriginalDestination(tcpConn)
			if err != nil {
				tcpConn.Close()
				return nil, trace.Wrap(err, "netfilter ingress: failed to recover original destination")
			}
			if n.isLocalAddr(net.IP(addrPort.Addr().AsSlice())) {
				tcpConn.Close()
				continue
			}
			addr, err := types.ParseAddress(addrPort.Addr().String())
			if err != nil {
				tcpConn.Close()
				continue
			}
			return &Accepted{
				Conn:        tcpConn,
				OriginalDst: types.Endpoint{Host: &addr, Port: types.Port(addrPort.Port())},
				Labels:      map[string]string{"ingress": "netfilter"},
			}, nil
		}
	}
}

func (n *NetfilterEngine) Close() error { return n.ln.Close() }
