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
	"log/slog"
	"net"

	"github.com/gravitational/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/config"
	"github.com/gravitational/tng/lib/ingress"
	"github.com/gravitational/tng/lib/observability/metrics"
	"github.com/gravitational/tng/lib/supervisor"
)

// dynamicIngressAccept adapts an ingress.Engine into the supervisor's
// AcceptFunc like supervisor.IngressAccept, but re-reads the dial target
// from each Accepted connection instead of a fixed peer address: the
// http_proxy/socks5/netfilter ingress variants resolve their destination
// per connection (the CONNECT target, the SOCKS5 request, the netfilter
// original destination), unlike mapping's single configured target (spec
// §4.5).
func dynamicIngressAccept(engine ingress.Engine, ingressType, ingressID string, extra map[string]string, upgrade supervisor.UpgradeFunc) supervisor.AcceptFunc {
	var dialer net.Dialer
	return func(ctx context.Context) (net.Conn, supervisor.DialFunc, metrics.EndpointLabels, error) {
		accepted, err := engine.Accept(ctx)
		if err != nil {
			return nil, nil, metrics.EndpointLabels{}, err
		}
		dest := accepted.OriginalDst
		dial := supervisor.DialFunc(func(ctx context.Context) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, "tcp", dest.String())
			if err != nil {
				return nil, supervisor.WithCause(supervisor.CauseTransport, trace.Wrap(err))
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

// runIngress listens for one `add_ingress[]` entry and runs it through a
// supervisor.Supervisor until ctx is cancelled. It blocks until the
// listener is up (so the caller can report ConfigurationError synchronously)
// and then returns; the supervisor loop itself runs in the background.
func runIngress(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger, nc *netfilterCoordinator) error {
	switch {
	case ep.Mapping != nil:
		return runIngressMapping(ctx, ep, ei, shapeMetrics, tracer, logger)
	case ep.HTTPProxy != nil:
		return runIngressHTTPProxy(ctx, ep, ei, shapeMetrics, tracer, logger)
	case ep.Socks5 != nil:
		return runIngressSocks5(ctx, ep, ei, shapeMetrics, tracer, logger)
	case ep.Netfilter != nil:
		return runIngressNetfilter(ctx, ep, ei, shapeMetrics, tracer, logger, nc)
	default:
		return trace.BadParameter("endpoint %q: no ingress variant configured", ep.ID)
	}
}

func ingressUpgrade(ei *endpointIdentity, ep config.Endpoint, serverName string, tracer oteltrace.Tracer) (supervisor.UpgradeFunc, error) {
	cfg, err := ratstlsConfig(ei, ep, serverName)
	if err != nil {
		return nil, err
	}
	return supervisor.RatsTLSUpgrade(cfg, tracer), nil
}

func runIngressMapping(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ep.Mapping.Listen)
	if err != nil {
		return trace.Wrap(err, "endpoint %q mapping.listen", ep.ID)
	}
	peer, err := types.ParseEndpoint(ep.Mapping.Target)
	if err != nil {
		ln.Close()
		return trace.Wrap(err, "endpoint %q mapping.target", ep.ID)
	}
	upgrade, err := ingressUpgrade(ei, ep, peer.String(), tracer)
	if err != nil {
		ln.Close()
		return trace.Wrap(err)
	}
	engine := ingress.NewMappingEngine(ln, peer)
	extra := mappingLabels(ep.Mapping.Listen, ep.Mapping.Target)
	accept := supervisor.IngressAccept(engine, peer, "mapping", ep.ID, extra, upgrade)
	sup := supervisor.New(shapeMetrics.get(shapeIngressMapping), tracer)
	go runSupervisor(ctx, sup, accept, engine, ep.ID, logger)
	return nil
}

func runIngressHTTPProxy(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ep.HTTPProxy.Listen)
	if err != nil {
		return trace.Wrap(err, "endpoint %q http_proxy.listen", ep.ID)
	}
	upgrade, err := ingressUpgrade(ei, ep, "", tracer)
	if err != nil {
		ln.Close()
		return trace.Wrap(err)
	}
	engine := ingress.NewHTTPProxyEngine(ln, endpointFilters(ep), logger.With("endpoint", ep.ID))
	extra := proxyLabels(ep.HTTPProxy.Listen)
	accept := dynamicIngressAccept(engine, "http_proxy", ep.ID, extra, upgrade)
	sup := supervisor.New(shapeMetrics.get(shapeIngressProxy), tracer)
	go runSupervisor(ctx, sup, accept, engine, ep.ID, logger)
	return nil
}

func runIngressSocks5(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ep.Socks5.Listen)
	if err != nil {
		return trace.Wrap(err, "endpoint %q socks5.listen", ep.ID)
	}
	upgrade, err := ingressUpgrade(ei, ep, "", tracer)
	if err != nil {
		ln.Close()
		return trace.Wrap(err)
	}
	var creds *ingress.Credentials
	if ep.Socks5.Username != "" {
		creds = &ingress.Credentials{Username: ep.Socks5.Username, Password: ep.Socks5.Password}
	}
	engine := ingress.NewSOCKS5Engine(ln, endpointFilters(ep), creds, logger.With("endpoint", ep.ID))
	extra := proxyLabels(ep.Socks5.Listen)
	accept := dynamicIngressAccept(engine, "socks5", ep.ID, extra, upgrade)
	sup := supervisor.New(shapeMetrics.get(shapeIngressProxy), tracer)
	go runSupervisor(ctx, sup, accept, engine, ep.ID, logger)
	return nil
}

// runSupervisor runs sup.Serve until ctx is cancelled, then closes the
// listener engine; it logs a non-cancellation Serve error instead of
// silently dropping the endpoint.
func runSupervisor(ctx context.Context, sup *supervisor.Supervisor, accept supervisor.AcceptFunc, engine ingress.Engine, endpointID string, logger *slog.Logger) {
	err := sup.Serve(ctx, accept)
	engine.Close()
	if err != nil && ctx.Err() == nil {
		logger.Error("ingress endpoint stopped", "endpoint", endpointID, "error", err)
	}
}

func endpointFilters(ep config.Endpoint) []types.EndpointFilter {
	filters := make([]types.EndpointFilter, 0, len(ep.Filters))
	for _, f := range ep.Filters {
		filter := types.EndpointFilter{Domain: f.Domain, DomainRegex: f.DomainRegex}
		if f.Port != nil {
			p := types.Port(*f.Port)
			filter.Port = &p
		}
		filters = append(filters, filter)
	}
	return filters
}
