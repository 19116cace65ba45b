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

// Package config defines the JSON-decodable configuration snapshot (spec
// §6 "Configuration") and its Validate pass, which raises every
// ConfigurationError spec §7/§8 enumerates. Decoding the JSON itself and
// watching it for reload are an external collaborator's job (spec §1);
// cmd/tng only reads a path and calls Validate once at startup.
package config

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
)

// MappingSpec is one `mapping` ingress/egress variant (spec §4.5/§4.6).
type MappingSpec struct {
	Listen string `json:"listen"`
	Target string `json:"target"`
}

// HTTPProxySpec is an `http_proxy` ingress (spec §4.5).
type HTTPProxySpec struct {
	Listen       string            `json:"listen"`
	PathRewrites []PathRewriteSpec `json:"path_rewrites,omitempty"`
}

// PathRewriteSpec is the JSON form of api/types.PathRewriteRule.
type PathRewriteSpec struct {
	Match string `json:"match"`
	Sub   string `json:"sub"`
}

// Socks5Spec is a `socks5` ingress (spec §4.5).
type Socks5Spec struct {
	Listen   string `json:"listen"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CaptureRuleSpec is the JSON form of one `capture_dst` entry.
type CaptureRuleSpec struct {
	CIDR  string `json:"cidr,omitempty"`
	IPSet string `json:"ipset,omitempty"`
	Any   bool   `json:"any,omitempty"`
	Port  *int   `json:"port,omitempty"`
}

// NetfilterSpec is a `netfilter` ingress/egress (spec §4.5/§4.6/§4.7).
type NetfilterSpec struct {
	ListenPort      int               `json:"listen_port"`
	CaptureDst      []CaptureRuleSpec `json:"capture_dst,omitempty"`
	CaptureCgroup   []string          `json:"capture_cgroup,omitempty"`
	NocaptureCgroup []string          `json:"nocapture_cgroup,omitempty"`
	SoMark          *uint32           `json:"so_mark,omitempty"`

	// CaptureLocalTraffic decides whether egress `netfilter` also captures
	// flows whose source IP is this host itself, via the chain's OUTPUT
	// hook, in addition to the PREROUTING hook that always captures
	// traffic this host is merely routing (spec §4.6). It is ignored by
	// ingress `netfilter`, whose captured traffic is always locally
	// sourced by definition.
	CaptureLocalTraffic bool `json:"capture_local_traffic,omitempty"`
}

// DirectForwardSpec is the JSON form of api/types.DirectForwardRule.
type DirectForwardSpec struct {
	HTTPPathRegex string `json:"http_path_regex"`
}

// OHTTPSpec overrides the default RATS-TLS tunnel protocol with OHTTP (spec
// §4.4, §4.2.2). KeySource selects self_generated, file, or peer_shared.
type OHTTPSpec struct {
	KeySource        string              `json:"key_source"`
	KeyFile          string              `json:"key_file,omitempty"`
	RotationInterval Duration            `json:"rotation_interval,omitempty"`
	CORS             bool                `json:"cors,omitempty"`
	DirectForward    []DirectForwardSpec `json:"direct_forward,omitempty"`

	// OverlayBindAddr/OverlayBindPort/OverlaySeeds configure the spec §4.10
	// gossip member used only when KeySource is peer_shared. Default port
	// is 8301 (spec §6 "Wire protocols").
	OverlayBindAddr string   `json:"overlay_bind_addr,omitempty"`
	OverlayBindPort int      `json:"overlay_bind_port,omitempty"`
	OverlaySeeds    []string `json:"overlay_seeds,omitempty"`
}

// Duration parses spec's human durations ("2s", "5m") through
// time.ParseDuration.
type Duration time.Duration

// UnmarshalJSON accepts either a JSON string ("2s") or a bare number of
// nanoseconds, the same permissive shape clockwork-based teacher code
// expects of duration fields.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return trace.BadParameter("invalid duration %q: %v", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if _, err := fmt.Sscan(s, &nanos); err != nil {
		return trace.BadParameter("invalid duration %q: %v", s, err)
	}
	*d = Duration(nanos)
	return nil
}

// AttestSpec is the JSON form of the endpoint's attestation role (spec §6:
// "exactly one attestation role set").
type AttestSpec struct {
	Attest                bool   `json:"attest,omitempty"`
	Verify                bool   `json:"verify,omitempty"`
	NoRA                  bool   `json:"no_ra,omitempty"`
	TrustModel            string `json:"trust_model,omitempty"`
	Policy                string `json:"policy,omitempty"`
	AttestationServiceURL string `json:"attestation_service_url,omitempty"`
	AgentAddr             string `json:"agent_addr,omitempty"`
}

// Endpoint is one entry of `add_ingress[]` or `add_egress[]`. Exactly one of
// Mapping/HTTPProxy/Socks5/Netfilter must be set (spec §6).
type Endpoint struct {
	ID        string               `json:"id"`
	Mapping   *MappingSpec         `json:"mapping,omitempty"`
	HTTPProxy *HTTPProxySpec       `json:"http_proxy,omitempty"`
	Socks5    *Socks5Spec          `json:"socks5,omitempty"`
	Netfilter *NetfilterSpec       `json:"netfilter,omitempty"`
	OHTTP     *OHTTPSpec           `json:"ohttp,omitempty"`
	Filters   []EndpointFilterSpec `json:"filters,omitempty"`
	Attest    AttestSpec           `json:"attest"`
}

// EndpointFilterSpec is the JSON form of api/types.EndpointFilter.
type EndpointFilterSpec struct {
	Domain      string `json:"domain,omitempty"`
	DomainRegex string `json:"domain_regex,omitempty"`
	Port        *int   `json:"port,omitempty"`
}

// ControlInterface configures the /livez, /readyz listener (spec §6).
type ControlInterface struct {
	Listen string `json:"listen"`
}

// Metric configures the Prometheus scrape listener.
type Metric struct {
	Listen string `json:"listen,omitempty"`
}

// Trace configures the OTLP trace service name; exporter selection itself
// always comes from the standard OTLP environment variables (spec §6).
type Trace struct {
	ServiceName string `json:"service_name,omitempty"`
}

// Snapshot is the full top-level configuration document (spec §6).
type Snapshot struct {
	AddIngress       []Endpoint        `json:"add_ingress"`
	AddEgress        []Endpoint        `json:"add_egress"`
	ControlInterface *ControlInterface `json:"control_interface,omitempty"`
	Metric           *Metric           `json:"metric,omitempty"`
	Trace            *Trace            `json:"trace,omitempty"`
}

// Dependencies lets Validate check facts about the host environment
// (ipset membership, DNS resolvability) through injectable functions rather
// than touching the kernel or the network directly, so it stays unit
// testable (spec §8 boundary behaviors: "Unknown ipset -> ConfigurationError
// at start, not at first packet").
type Dependencies struct {
	// IPSetExists reports whether a named ipset group exists. Required only
	// when a netfilter endpoint references one.
	IPSetExists func(name string) bool
	// ResolveHost reports an error if host cannot be resolved. Consulted for
	// every listen or target address whose host is a DNS name. A nil func
	// skips the check.
	ResolveHost func(ctx context.Context, host string) error
}

// DefaultDependencies wires the real kernel/network checks: ResolveHost
// uses net.DefaultResolver; IPSetExists always reports missing, since
// reading the kernel's ipset table requires a netlink socket that only
// lib/netfilter (linux-only) can provide — callers on that platform should
// override it with the real controller's lookup.
func DefaultDependencies() Dependencies {
	return Dependencies{
		IPSetExists: func(string) bool { return false },
		ResolveHost: func(ctx context.Context, host string) error {
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		},
	}
}

// Validate runs every ConfigurationError check spec §7/§8 enumerate:
// unknown enum, mutually exclusive fields both set, unresolvable host,
// ipset not present, cgroup path not present, port out of range, required
// dependency absent.
func (s *Snapshot) Validate(ctx context.Context, deps Dependencies) error {
	seen := map[string]bool{}
	for i := range s.AddIngress {
		if err := s.AddIngress[i].validate(ctx, deps, seen); err != nil {
			return trace.Wrap(err, "add_ingress[%d]", i)
		}
	}
	for i := range s.AddEgress {
		if err := s.AddEgress[i].validate(ctx, deps, seen); err != nil {
			return trace.Wrap(err, "add_egress[%d]", i)
		}
	}
	if s.ControlInterface != nil && s.ControlInterface.Listen == "" {
		return trace.BadParameter("control_interface.listen must not be empty")
	}
	return nil
}

func (e *Endpoint) validate(ctx context.Context, deps Dependencies, seen map[string]bool) error {
	if e.ID == "" {
		return trace.BadParameter("endpoint id must not be empty")
	}
	if seen[e.ID] {
		return trace.BadParameter("duplicate endpoint id %q", e.ID)
	}
	seen[e.ID] = true

	variants := 0
	if e.Mapping != nil {
		variants++
	}
	if e.HTTPProxy != nil {
		variants++
	}
	if e.Socks5 != nil {
		variants++
	}
	if e.Netfilter != nil {
		variants++
	}
	if variants != 1 {
		return trace.BadParameter("endpoint %q must set exactly one of mapping, http_proxy, socks5, netfilter, got %d", e.ID, variants)
	}

	role := types.AttestRole{Attest: e.Attest.Attest, Verify: e.Attest.Verify, NoRA: e.Attest.NoRA}
	if err := role.Validate(); err != nil {
		return trace.Wrap(err, "endpoint %q", e.ID)
	}

	if e.Mapping != nil {
		if err := validateHostPort(ctx, e.Mapping.Listen, deps); err != nil {
			return trace.Wrap(err, "endpoint %q mapping.listen", e.ID)
		}
		if err := validateHostPort(ctx, e.Mapping.Target, deps); err != nil {
			return trace.Wrap(err, "endpoint %q mapping.target", e.ID)
		}
	}
	if e.HTTPProxy != nil {
		if err := validateHostPort(ctx, e.HTTPProxy.Listen, deps); err != nil {
			return trace.Wrap(err, "endpoint %q http_proxy.listen", e.ID)
		}
		for _, pr := range e.HTTPProxy.PathRewrites {
			rule := types.PathRewriteRule{Match: pr.Match, Sub: pr.Sub}
			if err := rule.Compile(); err != nil {
				return trace.Wrap(err, "endpoint %q", e.ID)
			}
		}
	}
	if e.Socks5 != nil {
		if err := validateHostPort(ctx, e.Socks5.Listen, deps); err != nil {
			return trace.Wrap(err, "endpoint %q socks5.listen", e.ID)
		}
	}
	if e.Netfilter != nil {
		if err := validatePort(e.Netfilter.ListenPort); err != nil {
			return trace.Wrap(err, "endpoint %q netfilter.listen_port", e.ID)
		}
		for _, rule := range e.Netfilter.CaptureDst {
			if err := rule.validate(deps); err != nil {
				return trace.Wrap(err, "endpoint %q netfilter.capture_dst", e.ID)
			}
		}
		for _, path := range append(append([]string{}, e.Netfilter.CaptureCgroup...), e.Netfilter.NocaptureCgroup...) {
			if err := types.ValidateCgroupPath(path); err != nil {
				return trace.Wrap(err, "endpoint %q", e.ID)
			}
		}
	}
	if e.OHTTP != nil {
		if err := e.OHTTP.validate(); err != nil {
			return trace.Wrap(err, "endpoint %q ohttp", e.ID)
		}
	}
	for _, f := range e.Filters {
		filter := types.EndpointFilter{Domain: f.Domain, DomainRegex: f.DomainRegex}
		if f.Port != nil {
			p := types.Port(*f.Port)
			filter.Port = &p
		}
		if err := filter.Validate(); err != nil {
			return trace.Wrap(err, "endpoint %q filter", e.ID)
		}
	}
	return nil
}

func (o *OHTTPSpec) validate() error {
	switch o.KeySource {
	case "self_generated", "file", "peer_shared":
	default:
		return trace.BadParameter("unknown ohttp.key_source %q", o.KeySource)
	}
	if o.KeySource == "file" && o.KeyFile == "" {
		return trace.BadParameter("ohttp.key_source=file requires key_file")
	}
	if o.KeySource == "peer_shared" {
		if o.OverlayBindAddr == "" {
			return trace.BadParameter("ohttp.key_source=peer_shared requires overlay_bind_addr")
		}
		if o.OverlayBindPort != 0 {
			if err := validatePort(o.OverlayBindPort); err != nil {
				return trace.Wrap(err, "ohttp.overlay_bind_port")
			}
		}
	}
	for _, df := range o.DirectForward {
		rule := types.DirectForwardRule{HTTPPathRegex: df.HTTPPathRegex}
		if err := rule.Compile(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (c *CaptureRuleSpec) validate(deps Dependencies) error {
	variants := 0
	if c.CIDR != "" {
		variants++
	}
	if c.IPSet != "" {
		variants++
	}
	if c.Any {
		variants++
	}
	if variants != 1 {
		return trace.BadParameter("capture_dst entry must set exactly one of cidr, ipset, any, got %d", variants)
	}
	if c.IPSet != "" {
		if deps.IPSetExists != nil && !deps.IPSetExists(c.IPSet) {
			return trace.BadParameter("ipset %q does not exist", c.IPSet)
		}
	}
	if c.Port != nil {
		if err := validatePort(*c.Port); err != nil {
			return err
		}
	}
	return nil
}

// validatePort enforces spec §8's "Port 0 or 65536 -> ConfigurationError"
// against the raw JSON integer, before it would ever be narrowed into
// api/types.Port (uint16), where 65536 silently wraps to 0.
func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return trace.BadParameter("port must be in [1, 65535], got %d", p)
	}
	return nil
}

func validateHostPort(ctx context.Context, hostport string, deps Dependencies) error {
	ep, err := types.ParseEndpoint(hostport)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := ep.Validate(); err != nil {
		return trace.Wrap(err)
	}
	if ep.Host != nil && ep.Host.Kind == types.AddressKindDNS && deps.ResolveHost != nil {
		if err := deps.ResolveHost(ctx, ep.Host.Value); err != nil {
			return trace.BadParameter("unresolvable host %q: %v", ep.Host.Value, err)
		}
	}
	return nil
}
