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
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// New talks to the kernel over a netlink socket, which requires
// CAP_NET_ADMIN; skip rather than fail when the test sandbox lacks it,
// same pattern teleport's own netlink-backed tests use.
func TestController_NewAndTeardown(t *testing.T) {
	id := uuid.New()
	c, err := New(id)
	if err != nil {
		t.Skipf("skipping: nftables unavailable in this environment: %v", err)
	}
	require.NoError(t, c.Teardown())
}

func TestController_RedirectRejectsEmptyRule(t *testing.T) {
	id := uuid.New()
	c, err := New(id)
	if err != nil {
		t.Skipf("skipping: nftables unavailable in this environment: %v", err)
	}
	defer c.Teardown()

	err = c.Redirect(CaptureDstRule{}, 15001, 0x2137)
	require.Error(t, err)
}

func TestController_RedirectEgressRejectsEmptyRule(t *testing.T) {
	id := uuid.New()
	c, err := New(id)
	if err != nil {
		t.Skipf("skipping: nftables unavailable in this environment: %v", err)
	}
	defer c.Teardown()

	err = c.RedirectEgress(CaptureDstRule{}, 15001, 0x2137, true)
	require.Error(t, err)
}

func TestController_RedirectEgressInstallsPreroutingAndOutput(t *testing.T) {
	id := uuid.New()
	c, err := New(id)
	if err != nil {
		t.Skipf("skipping: nftables unavailable in this environment: %v", err)
	}
	defer c.Teardown()

	_, ipnet, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	require.NoError(t, c.RedirectEgress(CaptureDstRule{CIDR: ipnet}, 15001, 0x2137, true))
}
