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

package egress

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/netfilter"
)

// NetfilterEngine listens on an nftables-redirected listen_port and
// recovers each flow's real destination from SO_ORIGINAL_DST (spec §4.6
// "netfilter"). SOMark is applied to the upstream leg once it is dialed, to
// keep that outbound connection from being recaptured by the same nftables
// rules (spec §4.6: "the plaintext socket toward the real destination is
// tagged with so_mark to prevent recapture"). The original destination is
// always recovered off the raw TCP socket, before the RATS-TLS server
// handshake runs over it, since SO_ORIGINAL_DST is unreadable once the
// connection is wrapped.
type NetfilterEngine struct {
	ln     net.Listener
	SOMark uint32
	tlsCfg *tls.Config
	ch     <-chan acceptResult
}

// NewNetfilterEngine listens on ln, which must already be bound to the
// listen_port the controller's rules redirect traffic to, and answers the
// tunnel's server-side RATS-TLS handshake with tlsCfg on every accepted flow.
func NewNetfilterEngine(ln net.Listener, soMark uint32, tlsCfg *tls.Config) *NetfilterEngine {
	return &NetfilterEngine{ln: ln, SOMark: soMark, tlsCfg: tlsCfg, ch: acceptLoop(ln)}
}

func (n *NetfilterEngine) Accept(ctx context.Context) (*Accepted, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-n.ch:
		if res.err != nil {
			return nil, trace.ConnectionProblem(res.err, "netfilter egress: accept failed")
		}
		tcpConn, ok := res.conn.(*net.TCPConn)
		if !ok {
			res.conn.Close()
			return nil, trace.BadParameter("netfilter egress requires a TCP listener")
		}
		addrPort, err := netfilter.OriginalDestination(tcpConn)
		if err != nil {
			res.conn.Close()
			return nil, trace.Wrap(err, "netfilter egress: failed to recover original destination")
		}
		addr, err := types.ParseAddress(addrPort.Addr().String())
		if err != nil {
			res.conn.Close()
			return nil, trace.Wrap(err)
		}
		conn, err := serverHandshake(ctx, tcpConn, n.tlsCfg)
		if err != nil {
			return nil, trace.Wrap(err, "netfilter egress")
		}
		dest := types.Endpoint{Host: &addr, Port: types.Port(addrPort.Port())}
		return &Accepted{
			Conn:   conn,
			Dest:   dest,
			Labels: map[string]string{"egress": "netfilter"},
		}, nil
	}
}

// TagUpstream applies SO_MARK to conn, the outbound leg toward Dest.
func (n *NetfilterEngine) TagUpstream(conn *net.TCPConn) error {
	return netfilter.SetMark(conn, n.SOMark)
}

func (n *NetfilterEngine) Close() error { return n.ln.Close() }
