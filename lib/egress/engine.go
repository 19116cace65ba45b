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

// Package egress implements the two egress variants of spec §4.6 behind
// the same uniform accept contract lib/ingress uses (spec §9).
package egress

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/ratstls"
)

// Accepted is a tunnel-terminated connection together with the real
// destination to splice it to.
type Accepted struct {
	Conn   net.Conn
	Dest   types.Endpoint
	Labels map[string]string
}

// Engine is the variant-agnostic contract the supervisor speaks to.
type Engine interface {
	Accept(ctx context.Context) (*Accepted, error)
	Close() error
}

// serverHandshake runs the tunnel's server-side RATS-TLS handshake on a
// freshly accepted connection (spec §4.3 "on server side: same verifier,
// plus always presents its own attested cert"), bounded to
// ratstls.HandshakeDeadline so a stalled or malicious peer cannot hold an
// engine's accept loop open indefinitely. conn is closed on failure.
func serverHandshake(ctx context.Context, conn net.Conn, tlsCfg *tls.Config) (net.Conn, error) {
	tlsConn := tls.Server(conn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, ratstls.HandshakeDeadline)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	return tlsConn, nil
}

func acceptLoop(ln net.Listener) <-chan acceptResult {
	ch := make(chan acceptResult)
	go func() {
		for {
			conn, err := ln.Accept()
			ch <- acceptResult{conn: conn, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

type acceptResult struct {
	conn net.Conn
	err  error
}
