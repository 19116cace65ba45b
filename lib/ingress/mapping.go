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

package ingress

import (
	"context"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
)

// MappingEngine is the static 1:1 ingress variant: every accepted
// connection carries to the same fixed destination (spec §4.5 "mapping":
// "original destination = configured out").
type MappingEngine struct {
	ln  net.Listener
	out types.Endpoint
	ch  <-chan acceptResult
}

// NewMappingEngine listens on in and carries every accepted flow to out.
func NewMappingEngine(ln net.Listener, out types.Endpoint) *MappingEngine {
	return &MappingEngine{ln: ln, out: out, ch: acceptLoop(ln)}
}

func (m *MappingEngine) Accept(ctx context.Context) (*Accepted, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-m.ch:
		if res.err != nil {
			return nil, trace.ConnectionProblem(res.err, "mapping ingress: accept failed")
		}
		return &Accepted{
			Conn:        res.conn,
			OriginalDst: m.out,
			Labels:      map[string]string{"ingress": "mapping"},
		}, nil
	}
}

func (m *MappingEngine) Close() error { return m.ln.Close() }
