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

package types

import (
	"net"
	"net/netip"
	"os"

	"github.com/gravitational/trace"
)

// IPSpecKind distinguishes the three shapes a netfilter capture target can
// take (spec §3 "CaptureRule").
type IPSpecKind int

const (
	IPSpecKindUnknown IPSpecKind = iota
	IPSpecKindCIDR
	IPSpecKindIPSet
	IPSpecKindAny
)

// IPSpec is one entry of a CaptureRule's target: an explicit host/CIDR, a
// named ipset, or the wildcard "any".
type IPSpec struct {
	Kind IPSpecKind
	// CIDR holds the parsed network when Kind == IPSpecKindCIDR.
	CIDR netip.Prefix
	// IPSetName holds the ipset group name when Kind == IPSpecKindIPSet.
	IPSetName string
}

// CaptureRule is one ordered entry of a netfilter ingress's capture_dst list
// (spec §3, §4.5).
type CaptureRule struct {
	Target IPSpec
	Port   *Port
}

// CgroupSet is an ordered list of cgroup path prefixes used by
// capture_cgroup / nocapture_cgroup (spec §3, §4.5).
type CgroupSet []string

// Matches reports whether origin (a cgroup path as reported by the kernel)
// is covered by any prefix in the set.
func (s CgroupSet) Matches(origin string) bool {
	for _, prefix := range s {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// ValidateCgroupPath checks that a configured cgroup path actually exists on
// this host; a missing path is a ConfigurationError raised at startup, not
// at first packet (spec §7).
func ValidateCgroupPath(path string) error {
	if _, err := os.Stat(path); err != nil {
		return trace.BadParameter("cgroup path %q does not exist: %v", path, err)
	}
	return nil
}

// ShouldCapture implements the capture decision algorithm from spec §4.5
// verbatim: capture_cgroup (if non-empty) must match, nocapture_cgroup (if
// matching) always wins, then capture_dst decides.
func ShouldCapture(captureCgroup, nocaptureCgroup CgroupSet, captureDst []CaptureRule, originCgroup string, dstIP net.IP, dstPort Port, ipsetMember func(name string, ip net.IP) bool) bool {
	if len(captureCgroup) > 0 && !captureCgroup.Matches(originCgroup) {
		return false
	}
	if nocaptureCgroup.Matches(originCgroup) {
		return false
	}
	if len(captureDst) == 0 {
		return true
	}
	for _, rule := range captureDst {
		if rule.Port != nil && *rule.Port != dstPort {
			continue
		}
		switch rule.Target.Kind {
		case IPSpecKindAny:
			return true
		case IPSpecKindCIDR:
			addr, ok := netip.AddrFromSlice(dstIP)
			if ok && rule.Target.CIDR.Contains(addr.Unmap()) {
				return true
			}
		case IPSpecKindIPSet:
			if ipsetMember != nil && ipsetMember(rule.Target.IPSetName, dstIP) {
				return true
			}
		}
	}
	return false
}

// TrustModel is the attestation trust model an endpoint's attest/verify role
// uses (spec §4.1).
type TrustModel int

const (
	TrustModelUnknown TrustModel = iota
	TrustModelBackgroundCheck
	TrustModelPassport
)

// AttestRole is the combination of attest/verify/no_ra an endpoint carries
// (spec §6: "exactly one attestation role set").
type AttestRole struct {
	Attest bool
	Verify bool
	NoRA   bool
}

// Validate enforces spec §8's boundary behavior: no_ra is mutually
// exclusive with attest and verify.
func (r AttestRole) Validate() error {
	if r.NoRA && (r.Attest || r.Verify) {
		return trace.BadParameter("no_ra is mutually exclusive with attest/verify")
	}
	if !r.NoRA && !r.Attest && !r.Verify {
		return trace.BadParameter("an endpoint must set attest, verify, or no_ra")
	}
	return nil
}
