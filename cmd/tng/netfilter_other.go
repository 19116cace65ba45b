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

//go:build !linux

package main

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/lib/config"
)

// netfilterCoordinator is a non-functional stand-in on platforms lib/netfilter
// doesn't support (it's built only `//go:build linux`, spec §4.7 being an
// nftables/netlink integration). Any configured netfilter endpoint surfaces
// as a startup ConfigurationError here instead of failing later against a
// missing syscall.
type netfilterCoordinator struct{}

func newNetfilterCoordinator(logger *slog.Logger) (*netfilterCoordinator, error) {
	return &netfilterCoordinator{}, nil
}

func (nc *netfilterCoordinator) teardown() error {
	return nil
}

func (nc *netfilterCoordinator) ipSetExists(name string) bool {
	return false
}

func runIngressNetfilter(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger, nc *netfilterCoordinator) error {
	return trace.BadParameter("endpoint %q: netfilter ingress is not supported on this platform", ep.ID)
}

func runEgressNetfilter(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger, nc *netfilterCoordinator) error {
	return trace.BadParameter("endpoint %q: netfilter egress is not supported on this platform", ep.ID)
}
