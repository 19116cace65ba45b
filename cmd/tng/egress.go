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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/api/types"
	"github.com/gravitational/tng/lib/config"
	"github.com/gravitational/tng/lib/egress"
	"github.com/gravitational/tng/lib/ohttp"
	"github.com/gravitational/tng/lib/supervisor"
)

// ohttpKeyConfigPath is the fixed path an OHTTP egress advertises its
// current key-config under (spec §4.4 "Key-config endpoint").
const ohttpKeyConfigPath = "/.well-known/ohttp-gateway-configuration"

// runEgress listens for one `add_egress[]` entry. `mapping` and
// `netfilter` variants run through the usual TCP-splice supervisor;
// `mapping` endpoints carrying an `ohttp{}` block run an HTTP gateway
// instead (spec §4.4), since lib/ohttp operates on *http.Request, not raw
// streams, and only mapping gives it the one fixed backend it needs to
// build an http.Transport against — ohttp on an ingress or a netfilter
// egress endpoint is out of scope (see DESIGN.md).
func runEgress(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger, nc *netfilterCoordinator) error {
	switch {
	case ep.Mapping != nil && ep.OHTTP != nil:
		return runEgressOHTTPGateway(ctx, ep, ei, logger)
	case ep.Mapping != nil:
		return runEgressMapping(ctx, ep, ei, shapeMetrics, tracer, logger)
	case ep.Netfilter != nil:
		return runEgressNetfilter(ctx, ep, ei, shapeMetrics, tracer, logger, nc)
	default:
		return trace.BadParameter("endpoint %q: no egress variant configured", ep.ID)
	}
}

func runEgressMapping(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ep.Mapping.Listen)
	if err != nil {
		return trace.Wrap(err, "endpoint %q mapping.listen", ep.ID)
	}
	target, err := types.ParseEndpoint(ep.Mapping.Target)
	if err != nil {
		ln.Close()
		return trace.Wrap(err, "endpoint %q mapping.target", ep.ID)
	}
	tlsCfg, err := egressTLSConfig(ei, ep)
	if err != nil {
		ln.Close()
		return trace.Wrap(err)
	}
	engine := egress.NewMappingEngine(ln, target, tlsCfg)
	extra := mappingLabels(ep.Mapping.Listen, ep.Mapping.Target)
	accept := supervisor.EgressAccept(engine, "mapping", ep.ID, extra, nil)
	sup := supervisor.New(shapeMetrics.get(shapeEgressMapping), tracer)
	go runEgressSupervisor(ctx, sup, accept, engine, ep.ID, logger)
	return nil
}

// runEgressOHTTPGateway serves spec §4.4's egress-side OHTTP handler: an
// http.Server decapsulating inbound OHTTP requests and round-tripping them
// plaintext to the fixed mapping.target backend, alongside the key-config
// endpoint peers fetch the current public key from.
func runEgressOHTTPGateway(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ep.Mapping.Listen)
	if err != nil {
		return trace.Wrap(err, "endpoint %q mapping.listen", ep.ID)
	}
	gateway := &ohttp.Gateway{
		Ring:          ei.ring,
		Backend:       &fixedHostTransport{base: http.DefaultTransport, host: ep.Mapping.Target},
		DirectForward: compileDirectForward(ep.OHTTP.DirectForward),
		CORS:          corsPolicyFor(ep.OHTTP),
	}

	router := httprouter.New()
	router.GET(ohttpKeyConfigPath, ohttp.KeyConfigHandler(ei.ring))
	router.NotFound = gateway

	srv := &http.Server{Handler: router}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			logger.Error("ohttp gateway stopped", "endpoint", ep.ID, "error", err)
		}
	}()
	return nil
}

// fixedHostTransport rewrites every inner request's target to the
// endpoint's configured backend before delegating to base, mirroring how
// mapping's egress engine ignores whatever destination the client thought
// it was dialing (spec §4.4's gateway has no per-request routing; it always
// forwards to the one backend the administrator configured).
type fixedHostTransport struct {
	base http.RoundTripper
	host string
}

func (f *fixedHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = f.host
	req.Host = f.host
	return f.base.RoundTrip(req)
}

func compileDirectForward(rules []config.DirectForwardSpec) []*types.DirectForwardRule {
	out := make([]*types.DirectForwardRule, 0, len(rules))
	for _, r := range rules {
		rule := &types.DirectForwardRule{HTTPPathRegex: r.HTTPPathRegex}
		if err := rule.Compile(); err != nil {
			continue // already rejected by config.Validate at startup
		}
		out = append(out, rule)
	}
	return out
}

func corsPolicyFor(o *config.OHTTPSpec) *ohttp.CORSPolicy {
	if !o.CORS {
		return nil
	}
	return &ohttp.CORSPolicy{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}
}

func runEgressSupervisor(ctx context.Context, sup *supervisor.Supervisor, accept supervisor.AcceptFunc, engine egress.Engine, endpointID string, logger *slog.Logger) {
	err := sup.Serve(ctx, accept)
	engine.Close()
	if err != nil && ctx.Err() == nil {
		logger.Error("egress endpoint stopped", "endpoint", endpointID, "error", err)
	}
}
