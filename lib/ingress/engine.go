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

// Package ingress implements the four ingress variants of spec §4.5 behind
// a uniform accept contract (spec §9 "Polymorphism over ingress/egress
// variants": tagged variants, not inheritance, dispatched at accept time).
package ingress

import (
	"context"
	"net"

	"github.com/gravitational/tng/api/types"
)

// Accepted is what every ingress variant hands to the connection
// supervisor: a plaintext stream, the flow's original destination, and
// labels for observability (spec §9).
type Accepted struct {
	Conn        net.Conn
	OriginalDst types.Endpoint
	Labels      map[string]string
}

// Engine is the variant-agnostic contract the supervisor speaks to.
type Engine interface {
	// Accept blocks until a flow destined for tunneling is available or ctx
	// is done. Variants that can also serve plaintext-forwarded traffic
	// (http_proxy's non-matching requests) handle that internally and do
	// not surface it here.
	Accept(ctx context.Context) (*Accepted, error)
	Close() error
}

// acceptLoop adapts a blocking net.Listener.Accept into a channel so Accept
// implementations can select on ctx.Done() alongside it.
func acceptLoop(ln net.Listener) <-chan acceptResult {
	ch := make(chan acceptResult)
	go func() {
		for {
			conn, err := ln.Accept()
			ch <- acceptResult{conn: conn, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

type acceptResult struct {
	conn net.Conn
	err  error
}
