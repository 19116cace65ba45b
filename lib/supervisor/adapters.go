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

package supervisor

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/gravitational/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/egress"
	"github.com/gravitational/tng/lib/ingress"
	"github.com/gravitational/tng/lib/observability/metrics"
	"github.com/gravitational/tng/lib/ratstls"
)

// RatsTLSUpgrade wraps a dialed TCP connection in a client-side RATS-TLS
// handshake (spec §4.3), opening the spec §4.9 "tng.handshake" child span
// around it when tracer is non-nil. It is the UpgradeFunc for any endpoint
// whose tunnel protocol is the default (no `ohttp{}` override).
func RatsTLSUpgrade(cfg *ratstls.Config, tracer oteltrace.Tracer) UpgradeFunc {
	return func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		if tracer != nil {
			var span oteltrace.Span
			ctx, span = tracer.Start(ctx, "tng.handshake")
			defer span.End()
		}
		tlsCfg, err := cfg.ClientConfig()
		if err != nil {
			return nil, WithCause(CauseConfiguration, trace.Wrap(err))
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, WithCause(CauseHandshake, trace.Wrap(err))
		}
		return tlsConn, nil
	}
}

// IngressAccept adapts an ingress.Engine plus a fixed peer dial address
// into the supervisor's AcceptFunc. extra carries the ingress-type-specific
// label fields from spec §6's metric-labels table (e.g. `in`/`out` for
// mapping, `proxy_listen` for http_proxy); it is static per listener, not
// recomputed per connection.
func IngressAccept(engine ingress.Engine, peer types.Endpoint, ingressType, ingressID string, extra map[string]string, upgrade UpgradeFunc) AcceptFunc {
	var dialer net.Dialer
	return func(ctx context.Context) (net.Conn, DialFunc, metrics.EndpointLabels, error) {
		accepted, err := engine.Accept(ctx)
		if err != nil {
			return nil, nil, metrics.EndpointLabels{}, err
		}
		dial := DialFunc(func(ctx context.Context) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, "tcp", peer.String())
			if err != nil {
				return nil, WithCause(CauseTransport, trace.Wrap(err))
			}
			if upgrade == nil {
				return conn, nil
			}
			upgraded, err := upgrade(ctx, conn)
			if err != nil {
				conn.Close()
				return nil, err
			}
			return upgraded, nil
		})
		labels := metrics.EndpointLabels{Kind: "ingress", Type: ingressType, ID: ingressID, Extra: extra}
		return accepted.Conn, dial, labels, nil
	}
}

// EgressAccept adapts an egress.Engine into the supervisor's AcceptFunc.
// The destination is carried per-flow on egress.Accepted.Dest (spec §4.6
// "netfilter" resolves it per-connection; "mapping" is fixed but still
// flows through the same field). extra carries the egress-type-specific
// label fields from spec §6's table.
func EgressAccept(engine egress.Engine, egressType, egressID string, extra map[string]string, tagUpstream func(net.Conn) error) AcceptFunc {
	var dialer net.Dialer
	return func(ctx context.Context) (net.Conn, DialFunc, metrics.EndpointLabels, error) {
		accepted, err := engine.Accept(ctx)
		if err != nil {
			return nil, nil, metrics.EndpointLabels{}, err
		}
		dest := accepted.Dest
		dial := DialFunc(func(ctx context.Context) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, "tcp", dest.String())
			if err != nil {
				return nil, WithCause(CauseTransport, trace.Wrap(err))
			}
			if tagUpstream != nil {
				if err := tagUpstream(conn); err != nil {
					conn.Close()
					return nil, WithCause(CauseController, trace.Wrap(err))
				}
			}
			return conn, nil
		})
		labels := metrics.EndpointLabels{Kind: "egress", Type: egressType, ID: egressID, Extra: extra}
		return accepted.Conn, dial, labels, nil
	}
}
