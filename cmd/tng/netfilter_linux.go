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

package main

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/lib/config"
	"github.com/gravitational/tng/lib/egress"
	"github.com/gravitational/tng/lib/ingress"
	"github.com/gravitational/tng/lib/netfilter"
	"github.com/gravitational/tng/lib/supervisor"
)

// netfilterCoordinator owns the process-wide nftables chain every
// `netfilter` ingress/egress endpoint installs its redirect rules into
// (spec §4.7: "a dedicated chain per instance, owning all rules it
// creates").
type netfilterCoordinator struct {
	ctrl       *netfilter.Controller
	instanceID uuid.UUID
}

// newNetfilterCoordinator recovers any chain a crashed previous instance
// left behind (spec §4.7 "crash-recovery teardown on next start") and
// installs this instance's own chain.
func newNetfilterCoordinator(logger *slog.Logger) (*netfilterCoordinator, error) {
	instanceID := uuid.New()
	if err := netfilter.RecoverStale(instanceID); err != nil {
		logger.Warn("netfilter stale-chain recovery failed, continuing", "error", err)
	}
	ctrl, err := netfilter.New(instanceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &netfilterCoordinator{ctrl: ctrl, instanceID: instanceID}, nil
}

// teardown removes this instance's chain. Per spec §7, a failed rollback
// must not leave redirect rules active under a dead instance's identity,
// so main treats its error as fatal (process exit code 2).
func (nc *netfilterCoordinator) teardown() error {
	if nc == nil {
		return nil
	}
	return nc.ctrl.Teardown()
}

// ipSetExists backs config.Dependencies.IPSetExists once a coordinator is
// available, so Validate rejects an unknown ipset at startup instead of
// deferring to VerifyIPSets inside the first matching endpoint's setup.
func (nc *netfilterCoordinator) ipSetExists(name string) bool {
	if nc == nil {
		return false
	}
	return nc.ctrl.IPSetExists(name)
}

func captureRules(specs []config.CaptureRuleSpec, listenPort uint16) ([]netfilter.CaptureDstRule, error) {
	rules := make([]netfilter.CaptureDstRule, 0, len(specs))
	for _, s := range specs {
		rule := netfilter.CaptureDstRule{IPSetName: s.IPSet, Port: listenPort}
		if s.CIDR != "" {
			_, ipnet, err := net.ParseCIDR(s.CIDR)
			if err != nil {
				return nil, trace.Wrap(err, "capture_dst cidr %q", s.CIDR)
			}
			rule.CIDR = ipnet
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func soMarkFor(ep config.Endpoint) uint32 {
	if ep.Netfilter.SoMark != nil {
		return *ep.Netfilter.SoMark
	}
	return 0x746e67 // "tng" tagged default, distinct from the kernel's unmarked traffic
}

func runIngressNetfilter(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger, nc *netfilterCoordinator) error {
	if nc == nil {
		return trace.BadParameter("endpoint %q: netfilter coordinator unavailable", ep.ID)
	}
	listenPort := uint16(ep.Netfilter.ListenPort)
	rules, err := captureRules(ep.Netfilter.CaptureDst, listenPort)
	if err != nil {
		return trace.Wrap(err, "endpoint %q", ep.ID)
	}
	if err := nc.ctrl.VerifyIPSets(rules); err != nil {
		return trace.Wrap(err, "endpoint %q", ep.ID)
	}
	soMark := soMarkFor(ep)
	for _, rule := range rules {
		if err := nc.ctrl.Redirect(rule, listenPort, soMark); err != nil {
			return trace.Wrap(err, "endpoint %q", ep.ID)
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(listenPort))))
	if err != nil {
		return trace.Wrap(err, "endpoint %q netfilter.listen_port", ep.ID)
	}
	upgrade, err := ingressUpgrade(ei, ep, "", tracer)
	if err != nil {
		ln.Close()
		return trace.Wrap(err)
	}
	engine := ingress.NewNetfilterEngine(ln, nil)
	extra := netfilterLabels(ep.Netfilter.ListenPort)
	accept := dynamicIngressAccept(engine, "netfilter", ep.ID, extra, upgrade)
	sup := supervisor.New(shapeMetrics.get(shapeIngressNetfilter), tracer)
	go runSupervisor(ctx, sup, accept, engine, ep.ID, logger)
	return nil
}

func runEgressNetfilter(ctx context.Context, ep config.Endpoint, ei *endpointIdentity, shapeMetrics *metricsByShape, tracer oteltrace.Tracer, logger *slog.Logger, nc *netfilterCoordinator) error {
	if nc == nil {
		return trace.BadParameter("endpoint %q: netfilter coordinator unavailable", ep.ID)
	}
	listenPort := uint16(ep.Netfilter.ListenPort)
	rules, err := captureRules(ep.Netfilter.CaptureDst, listenPort)
	if err != nil {
		return trace.Wrap(err, "endpoint %q", ep.ID)
	}
	if err := nc.ctrl.VerifyIPSets(rules); err != nil {
		return trace.Wrap(err, "endpoint %q", ep.ID)
	}
	soMark := soMarkFor(ep)
	for _, rule := range rules {
		if err := nc.ctrl.RedirectEgress(rule, listenPort, soMark, ep.Netfilter.CaptureLocalTraffic); err != nil {
			return trace.Wrap(err, "endpoint %q", ep.ID)
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(listenPort))))
	if err != nil {
		return trace.Wrap(err, "endpoint %q netfilter.listen_port", ep.ID)
	}
	tlsCfg, err := egressTLSConfig(ei, ep)
	if err != nil {
		ln.Close()
		return trace.Wrap(err)
	}
	engine := egress.NewNetfilterEngine(ln, soMark, tlsCfg)
	extra := netfilterLabels(ep.Netfilter.ListenPort)
	accept := supervisor.EgressAccept(engine, "netfilter", ep.ID, extra, engine.TagUpstream)
	sup := supervisor.New(shapeMetrics.get(shapeEgressNetfilter), tracer)
	go runEgressSupervisor(ctx, sup, accept, engine, ep.ID, logger)
	return nil
}
