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

// Command tng is the Trusted Network Gateway sidecar process. It wires
// lib/config's validated snapshot into the ingress/egress/identity/
// netfilter/observability packages; the JSON loader, a CLI flag parser,
// and log formatting stay out of scope (spec §1's Non-goals) — this main
// reads the one path argument os.Args gives it and does nothing else that
// isn't wiring.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/lib/config"
	"github.com/gravitational/tng/lib/controlplane"
	"github.com/gravitational/tng/lib/logutil"
	"github.com/gravitational/tng/lib/observability/tracing"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code spec §7 defines: 0 graceful shutdown,
// 1 configuration error, 2 fatal runtime error.
func run() int {
	logger := logutil.New("tng")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tng <config-path>")
		return 1
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		logger.Error("failed to read config", "path", os.Args[1], "error", err)
		return 1
	}
	var snapshot config.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		logger.Error("failed to parse config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hasNetfilter := hasNetfilterEndpoint(snapshot)
	var nc *netfilterCoordinator
	if hasNetfilter {
		nc, err = newNetfilterCoordinator(logger)
		if err != nil {
			logger.Error("netfilter controller install failed", "error", err)
			return 2
		}
	}

	deps := config.DefaultDependencies()
	if nc != nil {
		deps.IPSetExists = nc.ipSetExists
	}
	if err := snapshot.Validate(ctx, deps); err != nil {
		logger.Error("configuration invalid", "error", err)
		return 1
	}

	serviceName := "tng"
	if snapshot.Trace != nil && snapshot.Trace.ServiceName != "" {
		serviceName = snapshot.Trace.ServiceName
	}
	tp, err := tracing.NewProvider(ctx, serviceName)
	if err != nil {
		logger.Error("failed to start tracer provider", "error", err)
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()
	tracer := tracing.Tracer("tng")

	shapeMetrics := newMetricsByShape()
	cp := controlplane.New()

	cleanup, err := wireEndpoints(ctx, snapshot, nc, shapeMetrics, tracer, cp, logger)
	defer cleanup()
	if err != nil {
		logger.Error("endpoint setup failed", "error", err)
		return 2
	}

	servers := startAuxServers(snapshot, shapeMetrics, cp, logger)
	defer stopAuxServers(servers)

	shapeMetrics.setLive(true)
	<-ctx.Done()
	logger.Info("shutting down")

	if nc != nil {
		if err := nc.teardown(); err != nil {
			logger.Error("netfilter rollback failed, leaving redirect rules behind an unsupervised instance", "error", err)
			return 2
		}
	}
	return 0
}

func hasNetfilterEndpoint(s config.Snapshot) bool {
	for _, ep := range s.AddIngress {
		if ep.Netfilter != nil {
			return true
		}
	}
	for _, ep := range s.AddEgress {
		if ep.Netfilter != nil {
			return true
		}
	}
	return false
}

// wireEndpoints builds an attestation client and identity ring for each
// configured endpoint and starts its ingress/egress listener. The returned
// func tears down every identity/overlay resource built so far, and must
// run even when an error aborts wiring partway through (spec §7: a bind or
// identity-generation failure is fatal, but whatever already started must
// still be released).
func wireEndpoints(ctx context.Context, snapshot config.Snapshot, nc *netfilterCoordinator, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, cp *controlplane.Server, logger *slog.Logger) (func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	for _, ep := range snapshot.AddIngress {
		ei, err := wireOneEndpoint(ctx, ep, shapeMetrics, tracer, cp, logger.With("endpoint", ep.ID))
		if err != nil {
			return cleanup, trace.Wrap(err, "add_ingress %q", ep.ID)
		}
		cleanups = append(cleanups, ei.cleanup)
		if err := runIngress(ctx, ep, ei, shapeMetrics, tracer, logger, nc); err != nil {
			return cleanup, trace.Wrap(err, "add_ingress %q", ep.ID)
		}
		cp.MarkBound(ep.ID)
	}

	for _, ep := range snapshot.AddEgress {
		ei, err := wireOneEndpoint(ctx, ep, shapeMetrics, tracer, cp, logger.With("endpoint", ep.ID))
		if err != nil {
			return cleanup, trace.Wrap(err, "add_egress %q", ep.ID)
		}
		cleanups = append(cleanups, ei.cleanup)
		if err := runEgress(ctx, ep, ei, shapeMetrics, tracer, logger, nc); err != nil {
			return cleanup, trace.Wrap(err, "add_egress %q", ep.ID)
		}
		cp.MarkBound(ep.ID)
	}

	return cleanup, nil
}

// wireOneEndpoint builds the attestation client (when the endpoint attests
// or verifies) and the identity ring every tunnel layer dials/accepts
// through, and, for an `attest`-role endpoint, registers the ring with the
// control plane's readiness check (spec §6: readyz waits for at least one
// issued identity artifact).
func wireOneEndpoint(ctx context.Context, ep config.Endpoint, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, cp *controlplane.Server, logger *slog.Logger) (*endpointIdentity, error) {
	cp.RegisterEndpoint(ep.ID)

	var bundle *attestationBundle
	if ep.Attest.Attest || ep.Attest.Verify {
		b, err := buildAttestationClient(ctx, ep.Attest)
		if err != nil {
			return nil, trace.Wrap(err, "attestation client")
		}
		bundle = b
	}

	ei, err := buildRingForEndpoint(ctx, ep, bundle, logger)
	if err != nil {
		return nil, trace.Wrap(err, "identity")
	}
	if ep.Attest.Attest {
		cp.RegisterAttester(ei.ring)
	}
	return ei, nil
}

// auxServers are the two plain HTTP listeners spec §6 defines alongside the
// tunnel traffic itself: the control plane's /livez and /readyz, and the
// Prometheus scrape endpoint. Both are optional; a Snapshot omitting them
// runs without that listener entirely.
type auxServers struct {
	control *http.Server
	metrics *http.Server
}

func startAuxServers(snapshot config.Snapshot, shapeMetrics *metricsByShape, cp *controlplane.Server, logger *slog.Logger) *auxServers {
	var a auxServers
	if snapshot.ControlInterface != nil {
		a.control = &http.Server{Addr: snapshot.ControlInterface.Listen, Handler: cp}
		go serveAux(a.control, "control interface", logger)
	}
	if snapshot.Metric != nil && snapshot.Metric.Listen != "" {
		a.metrics = &http.Server{Addr: snapshot.Metric.Listen, Handler: shapeMetrics.handler()}
		go serveAux(a.metrics, "metrics", logger)
	}
	return &a
}

func serveAux(srv *http.Server, name string, logger *slog.Logger) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(name+" server stopped", "error", err)
	}
}

func stopAuxServers(a *auxServers) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.control != nil {
		_ = a.control.Shutdown(shutdownCtx)
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(shutdownCtx)
	}
}
