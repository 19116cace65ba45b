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

// Package types holds the value types shared across TNG's ingress, egress
// and attestation components: endpoints, filters, capture rules and
// path-rewrite rules.
package types

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/net/idna"
)

// Port is a TCP port number, constrained to [1, 65535].
type Port uint16

// Validate checks that p is in the valid TCP port range.
func (p Port) Validate() error {
	if p < 1 {
		return trace.BadParameter("port must be in [1, 65535], got %d", p)
	}
	return nil
}

// AddressKind distinguishes the syntactic shape of an Address.
type AddressKind int

const (
	// AddressKindUnknown is the zero value and is never valid.
	AddressKindUnknown AddressKind = iota
	AddressKindIPv4
	AddressKindIPv6
	AddressKindDNS
)

// Address is a host component of an Endpoint: an IPv4 literal, an IPv6
// literal, or a DNS label.
type Address struct {
	Kind  AddressKind
	Value string
}

// ParseAddress classifies a host string into an Address.
func ParseAddress(host string) (Address, error) {
	if host == "" {
		return Address{}, trace.BadParameter("address must not be empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return Address{Kind: AddressKindIPv4, Value: host}, nil
		}
		return Address{Kind: AddressKindIPv6, Value: host}, nil
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return Address{}, trace.BadParameter("address %q is neither an IP literal nor a valid DNS label: %v", host, err)
	}
	return Address{Kind: AddressKindDNS, Value: host}, nil
}

func (a Address) String() string { return a.Value }

// Endpoint is a {host, port} pair. Host may be unset (wildcard) in contexts
// that allow it, e.g. a listen endpoint binding all interfaces.
type Endpoint struct {
	Host *Address
	Port Port
}

// Validate enforces the invariants from spec.md §3: port in range, host (if
// set) syntactically valid.
func (e Endpoint) Validate() error {
	if err := e.Port.Validate(); err != nil {
		return trace.Wrap(err)
	}
	if e.Host != nil {
		if _, err := ParseAddress(e.Host.Value); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// String renders the endpoint as host:port, or :port for a wildcard host.
func (e Endpoint) String() string {
	host := ""
	if e.Host != nil {
		host = e.Host.Value
	}
	return net.JoinHostPort(host, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint parses a "host:port" string into an Endpoint. An empty host
// (":1234") yields a wildcard endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, trace.BadParameter("invalid endpoint %q: %v", s, err)
	}
	portNum, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil || portNum == 0 || portNum > 65535 {
		return Endpoint{}, trace.BadParameter("invalid port in endpoint %q", s)
	}
	ep := Endpoint{Port: Port(portNum)}
	if host != "" {
		addr, err := ParseAddress(host)
		if err != nil {
			return Endpoint{}, trace.Wrap(err)
		}
		ep.Host = &addr
	}
	return ep, nil
}

// EndpointFilter matches a destination domain (wildcarded or regex) plus an
// optional port. Domain and DomainRegex are mutually exclusive (spec §3,
// §8 boundary behaviors).
type EndpointFilter struct {
	Domain      string
	DomainRegex string
	Port        *Port
}

// Validate enforces the domain/domain_regex exclusivity invariant.
func (f EndpointFilter) Validate() error {
	if f.Domain != "" && f.DomainRegex != "" {
		return trace.BadParameter("endpoint filter must set exactly one of domain or domain_regex, got both")
	}
	if f.Domain == "" && f.DomainRegex == "" {
		return trace.BadParameter("endpoint filter must set one of domain or domain_regex")
	}
	if f.Port != nil {
		if err := f.Port.Validate(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Match reports whether host:port satisfies the filter. domainFromClient
// distinguishes a SOCKS5h/CONNECT-with-hostname presentation (matchable)
// from an already-resolved address (not matchable against a domain filter),
// per spec §4.5 "socks5".
func (f EndpointFilter) Match(host string, port Port, domainFromClient bool) (bool, error) {
	if f.Port != nil && *f.Port != port {
		return false, nil
	}
	if !domainFromClient {
		// Only a domain filter (wildcard or regex) can match a presented
		// hostname; a resolved IP never satisfies either shape.
		return false, nil
	}
	if f.Domain != "" {
		return matchWildcardDomain(f.Domain, host), nil
	}
	re, err := compileDomainRegex(f.DomainRegex)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return re.MatchString(host), nil
}

func matchWildcardDomain(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	suffix := pattern[1:] // ".example.com"
	return strings.HasSuffix(host, suffix) && host != suffix[1:]
}
