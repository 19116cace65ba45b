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

package netfilter

import (
	"fmt"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// chainNamePrefix plus the instance UUID names the dedicated chain this
// controller owns exclusively (spec §4.7: "Installs a dedicated chain per
// instance, owning all rules it creates").
const chainNamePrefix = "tng-redirect-"

// Controller owns this instance's nftables chains, one hooked at OUTPUT
// (locally-sourced traffic: every ingress rule, plus egress rules whose
// endpoint opts into capture_local_traffic) and one at PREROUTING
// (externally-arriving traffic this host is routing, always captured by
// egress rules) — spec §4.7/§6 "referenced from PREROUTING and OUTPUT".
type Controller struct {
	InstanceID uuid.UUID

	conn         *nftables.Conn
	table        *nftables.Table
	chain        *nftables.Chain // OUTPUT hook
	preChain     *nftables.Chain // PREROUTING hook
	chainName    string
	preChainName string
}

// New creates the controller's dedicated chains. It does not install any
// redirect rules yet; call Redirect/RedirectEgress for each capture rule.
func New(instanceID uuid.UUID) (*Controller, error) {
	c := &Controller{InstanceID: instanceID, conn: &nftables.Conn{}}
	c.chainName = chainNamePrefix + instanceID.String()
	c.preChainName = chainNamePrefix + instanceID.String() + "-pre"

	c.table = c.conn.AddTable(&nftables.Table{Name: "nat", Family: nftables.TableFamilyIPv4})
	c.chain = c.conn.AddChain(&nftables.Chain{
		Name:     c.chainName,
		Table:    c.table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityNATDest,
	})
	c.preChain = c.conn.AddChain(&nftables.Chain{
		Name:     c.preChainName,
		Table:    c.table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})
	if err := c.conn.Flush(); err != nil {
		return nil, trace.Wrap(err, "failed to install nftables chains %s/%s", c.chainName, c.preChainName)
	}
	return c, nil
}

// CaptureDstRule is one capture_dst entry to redirect to the local
// listener, expressed as either a CIDR or an ipset name (spec §4.5/§4.6).
type CaptureDstRule struct {
	CIDR      *net.IPNet
	IPSetName string
	Port      uint16
}

// IPSetExists reports whether name is a kernel ipset visible to this
// controller's table, the same lookup VerifyIPSets uses, exposed as a
// single predicate so config.Dependencies can validate config before any
// netfilter endpoint has built its rule set.
func (c *Controller) IPSetExists(name string) bool {
	sets, err := c.conn.GetSets(c.table)
	if err != nil {
		return false
	}
	for _, s := range sets {
		if s.Name == name {
			return true
		}
	}
	return false
}

// VerifyIPSets checks that every named ipset referenced by rules already
// exists (spec §4.7: "missing ipset names surface as ConfigurationError at
// startup" — TNG never creates ipsets itself).
func (c *Controller) VerifyIPSets(rules []CaptureDstRule) error {
	sets, err := c.conn.GetSets(c.table)
	if err != nil {
		return trace.Wrap(err)
	}
	have := make(map[string]struct{}, len(sets))
	for _, s := range sets {
		have[s.Name] = struct{}{}
	}
	for _, r := range rules {
		if r.IPSetName == "" {
			continue
		}
		if _, ok := have[r.IPSetName]; !ok {
			return trace.BadParameter("ConfigurationError: ipset %q referenced by capture_dst does not exist", r.IPSetName)
		}
	}
	return nil
}

// Redirect installs a rule in the OUTPUT chain sending locally-sourced
// traffic matching rule to redirectPort, skipping traffic whose socket is
// tagged with soMark (breaks capture loops, spec §4.5), commented with the
// instance UUID (spec §4.7: "All rules are labeled with an instance UUID
// comment"). Used by both ingress netfilter (always locally sourced) and
// egress netfilter when its endpoint sets capture_local_traffic.
func (c *Controller) Redirect(rule CaptureDstRule, redirectPort uint16, soMark uint32) error {
	exprs, err := redirectExprs(rule, redirectPort, soMark)
	if err != nil {
		return err
	}
	c.addRule(c.chain, exprs)
	if err := c.conn.Flush(); err != nil {
		return trace.Wrap(err, "failed to install redirect rule")
	}
	return nil
}

// RedirectEgress installs rule in the PREROUTING chain, which always
// captures traffic this host merely routes for other machines regardless
// of captureLocalTraffic, and additionally in the OUTPUT chain when
// captureLocalTraffic is set (spec §4.6: "capture_local_traffic decides
// whether flows whose source IP is a local address are also captured").
// An explicit capture_dst rule therefore always takes effect for routed
// traffic even when captureLocalTraffic is false, resolving spec §9's open
// question in favor of the explicit match.
func (c *Controller) RedirectEgress(rule CaptureDstRule, redirectPort uint16, soMark uint32, captureLocalTraffic bool) error {
	exprs, err := redirectExprs(rule, redirectPort, soMark)
	if err != nil {
		return err
	}
	c.addRule(c.preChain, exprs)
	if captureLocalTraffic {
		localExprs, err := redirectExprs(rule, redirectPort, soMark)
		if err != nil {
			return err
		}
		c.addRule(c.chain, localExprs)
	}
	if err := c.conn.Flush(); err != nil {
		return trace.Wrap(err, "failed to install egress redirect rule")
	}
	return nil
}

func (c *Controller) addRule(chain *nftables.Chain, exprs []expr.Any) {
	c.conn.AddRule(&nftables.Rule{
		Table:    c.table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: []byte(fmt.Sprintf("tng-instance=%s", c.InstanceID)),
	})
}

func redirectExprs(rule CaptureDstRule, redirectPort uint16, soMark uint32) ([]expr.Any, error) {
	if rule.CIDR == nil && rule.IPSetName == "" {
		return nil, trace.BadParameter("netfilter: capture_dst rule has neither a CIDR nor an ipset name")
	}

	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(soMark)},
	}
	if rule.CIDR != nil {
		exprs = append(exprs,
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: rule.CIDR.Mask, Xor: make([]byte, 4)},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: rule.CIDR.IP.To4()},
		)
	} else {
		exprs = append(exprs,
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Lookup{SourceRegister: 1, SetName: rule.IPSetName},
		)
	}
	exprs = append(exprs,
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(redirectPort)},
		&expr.Redir{RegisterProtoMin: 2},
	)
	return exprs, nil
}

// Teardown removes both of the controller's chains and every rule in
// them. It is idempotent and safe to call against chains left behind by a
// crashed prior instance with the same UUID (spec §4.7: "crash-recovery
// teardown on next start").
func (c *Controller) Teardown() error {
	c.conn.DelChain(c.chain)
	c.conn.DelChain(c.preChain)
	if err := c.conn.Flush(); err != nil {
		return trace.Wrap(err, "failed to remove nftables chains %s/%s", c.chainName, c.preChainName)
	}
	return nil
}

// RecoverStale removes any tng-redirect-* chain left behind by a previous
// instance of this process that crashed without tearing down, identified
// by a mismatched UUID still present in the nat table (spec §4.7).
func RecoverStale(currentInstance uuid.UUID) error {
	conn := &nftables.Conn{}
	table := &nftables.Table{Name: "nat", Family: nftables.TableFamilyIPv4}
	chains, err := conn.ListChains()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, ch := range chains {
		if ch.Table == nil || ch.Table.Name != table.Name {
			continue
		}
		if len(ch.Name) <= len(chainNamePrefix) || ch.Name[:len(chainNamePrefix)] != chainNamePrefix {
			continue
		}
		if ch.Name == chainNamePrefix+currentInstance.String() {
			continue
		}
		conn.DelChain(ch)
	}
	return trace.Wrap(conn.Flush())
}
