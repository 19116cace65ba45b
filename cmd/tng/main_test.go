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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/lib/config"
)

func TestHasNetfilterEndpoint(t *testing.T) {
	require.False(t, hasNetfilterEndpoint(config.Snapshot{}))

	require.True(t, hasNetfilterEndpoint(config.Snapshot{
		AddIngress: []config.Endpoint{{ID: "a", Netfilter: &config.NetfilterSpec{ListenPort: 1}}},
	}))
	require.True(t, hasNetfilterEndpoint(config.Snapshot{
		AddEgress: []config.Endpoint{{ID: "a", Netfilter: &config.NetfilterSpec{ListenPort: 1}}},
	}))
	require.False(t, hasNetfilterEndpoint(config.Snapshot{
		AddIngress: []config.Endpoint{{ID: "a", Mapping: &config.MappingSpec{Listen: "127.0.0.1:1", Target: "127.0.0.1:2"}}},
	}))
}

func TestEndpointFilters(t *testing.T) {
	port := 443
	ep := config.Endpoint{Filters: []config.EndpointFilterSpec{
		{Domain: "example.com", Port: &port},
		{DomainRegex: `.*\.example\.com`},
	}}
	filters := endpointFilters(ep)
	require.Len(t, filters, 2)
	require.Equal(t, "example.com", filters[0].Domain)
	require.NotNil(t, filters[0].Port)
	require.EqualValues(t, 443, *filters[0].Port)
	require.Equal(t, `.*\.example\.com`, filters[1].DomainRegex)
	require.Nil(t, filters[1].Port)
}

func TestEndpointFilters_Empty(t *testing.T) {
	require.Empty(t, endpointFilters(config.Endpoint{}))
}

func TestPoliciesFrom(t *testing.T) {
	require.Nil(t, policiesFrom(""))
	require.Equal(t, []string{"prod"}, policiesFrom("prod"))
	require.Equal(t, []string{"prod", "gpu"}, policiesFrom("prod, gpu"))
	require.Equal(t, []string{"prod", "gpu"}, policiesFrom("prod,,gpu"))
}

func TestOverlayPortOrDefault(t *testing.T) {
	require.Equal(t, 8301, overlayPortOrDefault(0))
	require.Equal(t, 9000, overlayPortOrDefault(9000))
}

func TestMetricsLabelHelpers(t *testing.T) {
	require.Equal(t, map[string]string{"in": ":8443", "out": "upstream:443"}, mappingLabels(":8443", "upstream:443"))
	require.Equal(t, map[string]string{"proxy_listen": ":3128"}, proxyLabels(":3128"))
	require.Equal(t, map[string]string{"listen_port": "16000"}, netfilterLabels(16000))
}

func TestLabelNamesFor(t *testing.T) {
	require.Equal(t, []string{"ingress_type", "ingress_id", "ingress_in", "ingress_out"}, labelNamesFor(shapeIngressMapping))
	require.Equal(t, []string{"ingress_type", "ingress_id", "ingress_proxy_listen"}, labelNamesFor(shapeIngressProxy))
	require.Equal(t, []string{"ingress_type", "ingress_id", "ingress_listen_port"}, labelNamesFor(shapeIngressNetfilter))
	require.Equal(t, []string{"egress_type", "egress_id", "egress_in", "egress_out"}, labelNamesFor(shapeEgressMapping))
	require.Equal(t, []string{"egress_type", "egress_id", "egress_listen_port"}, labelNamesFor(shapeEgressNetfilter))
	require.Nil(t, labelNamesFor("unknown"))
}

func TestMetricsByShape_Handler(t *testing.T) {
	m := newMetricsByShape()
	require.NotNil(t, m.handler())
	m.setLive(true)
	m.setLive(false)
}

func TestCompileDirectForward(t *testing.T) {
	rules := compileDirectForward([]config.DirectForwardSpec{
		{HTTPPathRegex: "^/health$"},
		{HTTPPathRegex: "("}, // invalid, dropped silently since config.Validate already rejected it
	})
	require.Len(t, rules, 1)
	require.True(t, rules[0].Matches("/health"))
}

func TestCorsPolicyFor(t *testing.T) {
	require.Nil(t, corsPolicyFor(&config.OHTTPSpec{CORS: false}))
	policy := corsPolicyFor(&config.OHTTPSpec{CORS: true})
	require.NotNil(t, policy)
	require.Equal(t, []string{"*"}, policy.AllowOrigins)
}
