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

package config

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopDeps() Dependencies {
	return Dependencies{
		IPSetExists: func(string) bool { return true },
		ResolveHost: func(context.Context, string) error { return nil },
	}
}

func validMappingEndpoint(id string) Endpoint {
	return Endpoint{
		ID:      id,
		Mapping: &MappingSpec{Listen: "127.0.0.1:10001", Target: "127.0.0.1:30001"},
		Attest:  AttestSpec{NoRA: true},
	}
}

func TestValidate_AcceptsWellFormedSnapshot(t *testing.T) {
	s := &Snapshot{AddIngress: []Endpoint{validMappingEndpoint("ingress-1")}}
	require.NoError(t, s.Validate(context.Background(), noopDeps()))
}

func TestValidate_RejectsEndpointWithNoVariant(t *testing.T) {
	s := &Snapshot{AddIngress: []Endpoint{{ID: "x", Attest: AttestSpec{NoRA: true}}}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsEndpointWithTwoVariants(t *testing.T) {
	s := &Snapshot{AddIngress: []Endpoint{{
		ID:        "x",
		Mapping:   &MappingSpec{Listen: "127.0.0.1:1", Target: "127.0.0.1:2"},
		HTTPProxy: &HTTPProxySpec{Listen: "127.0.0.1:3"},
		Attest:    AttestSpec{NoRA: true},
	}}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsNoRAWithAttest(t *testing.T) {
	e := validMappingEndpoint("x")
	e.Attest = AttestSpec{NoRA: true, Attest: true}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateEndpointID(t *testing.T) {
	s := &Snapshot{AddIngress: []Endpoint{validMappingEndpoint("dup"), validMappingEndpoint("dup")}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsPortZeroAndPort65536(t *testing.T) {
	for _, bad := range []string{"127.0.0.1:0", "127.0.0.1:65536"} {
		e := Endpoint{ID: "x", Mapping: &MappingSpec{Listen: bad, Target: "127.0.0.1:1"}, Attest: AttestSpec{NoRA: true}}
		s := &Snapshot{AddIngress: []Endpoint{e}}
		err := s.Validate(context.Background(), noopDeps())
		require.Error(t, err, "port %q should be rejected", bad)
	}
}

func TestValidate_RejectsUnknownIPSet(t *testing.T) {
	e := Endpoint{
		ID: "x",
		Netfilter: &NetfilterSpec{
			ListenPort: 12345,
			CaptureDst: []CaptureRuleSpec{{IPSet: "missing"}},
		},
		Attest: AttestSpec{NoRA: true},
	}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	deps := Dependencies{IPSetExists: func(string) bool { return false }}
	err := s.Validate(context.Background(), deps)
	require.Error(t, err)
}

func TestValidate_RejectsUnresolvableHost(t *testing.T) {
	e := Endpoint{ID: "x", Mapping: &MappingSpec{Listen: "127.0.0.1:1", Target: "nowhere.invalid:80"}, Attest: AttestSpec{NoRA: true}}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	deps := Dependencies{ResolveHost: func(context.Context, string) error { return require.AnError }}
	err := s.Validate(context.Background(), deps)
	require.Error(t, err)
}

func TestValidate_RejectsUnknownOHTTPKeySource(t *testing.T) {
	e := validMappingEndpoint("x")
	e.OHTTP = &OHTTPSpec{KeySource: "not_a_real_source"}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsFileKeySourceWithoutKeyFile(t *testing.T) {
	e := validMappingEndpoint("x")
	e.OHTTP = &OHTTPSpec{KeySource: "file"}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsPeerSharedWithoutOverlayBindAddr(t *testing.T) {
	e := validMappingEndpoint("x")
	e.OHTTP = &OHTTPSpec{KeySource: "peer_shared"}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_AcceptsPeerSharedWithOverlayBindAddr(t *testing.T) {
	e := validMappingEndpoint("x")
	e.OHTTP = &OHTTPSpec{KeySource: "peer_shared", OverlayBindAddr: "0.0.0.0", OverlayBindPort: 8301}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	require.NoError(t, s.Validate(context.Background(), noopDeps()))
}

func TestValidate_RejectsPeerSharedWithBadOverlayPort(t *testing.T) {
	e := validMappingEndpoint("x")
	e.OHTTP = &OHTTPSpec{KeySource: "peer_shared", OverlayBindAddr: "0.0.0.0", OverlayBindPort: 70000}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestValidate_RejectsBothDomainAndDomainRegexFilter(t *testing.T) {
	e := validMappingEndpoint("x")
	e.Filters = []EndpointFilterSpec{{Domain: "example.com", DomainRegex: "^example"}}
	s := &Snapshot{AddIngress: []Endpoint{e}}
	err := s.Validate(context.Background(), noopDeps())
	require.Error(t, err)
}

func TestNetfilterSpec_UnmarshalJSON_CaptureLocalTraffic(t *testing.T) {
	var s NetfilterSpec
	require.NoError(t, json.Unmarshal([]byte(`{"listen_port":12345,"capture_local_traffic":true}`), &s))
	require.True(t, s.CaptureLocalTraffic)

	var s2 NetfilterSpec
	require.NoError(t, json.Unmarshal([]byte(`{"listen_port":12345}`), &s2))
	require.False(t, s2.CaptureLocalTraffic)
}

func TestDuration_UnmarshalJSON_AcceptsStringForm(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2s"`), &d))
	require.EqualValues(t, 2_000_000_000, d)
}

func TestDuration_UnmarshalJSON_RejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, json.Unmarshal([]byte(`"not-a-duration"`), &d))
}
