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

package agent

import (
	"context"
	"time"

	"github.com/google/go-attestation/attest"
	"github.com/gravitational/trace"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/gravitational/tng/lib/attestation"
)

// evidenceRequest/evidenceResponse are the wire shapes for the agent's
// request_evidence RPC (spec §4.1), carried over the jsonCodec registered in
// codec.go.
type evidenceRequest struct {
	Nonce []byte `json:"nonce"`
}

type evidenceResponse struct {
	// Params is a TPM attestation quote, shaped per google/go-attestation's
	// AttestationParameters, the transport encoding of spec §3's "opaque
	// byte string emitted by the local agent".
	Params   attest.AttestationParameters `json:"params"`
	IssuedAt time.Time                    `json:"issued_at"`
}

// Client talks to the local Attestation Agent over gRPC (typically a Unix
// domain socket).
type Client struct {
	conn     *grpc.ClientConn
	deadline time.Duration
}

// Config configures an agent Client.
type Config struct {
	// Target is the gRPC dial target, e.g. "unix:///run/tng/agent.sock".
	Target string
	// Deadline bounds request_evidence; defaults to
	// attestation.DefaultAgentDeadline.
	Deadline time.Duration
	// Interceptor, if set, installs Prometheus client interceptors on
	// the channel (spec §4.9).
	Interceptor *grpc_prometheus.ClientMetrics
}

// NewClient dials the local Attestation Agent.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Deadline == 0 {
		cfg.Deadline = attestation.DefaultAgentDeadline
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}
	if cfg.Interceptor != nil {
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(cfg.Interceptor.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(cfg.Interceptor.StreamClientInterceptor()),
		)
	}
	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, attestation.ErrAgentUnavailable(err)
	}
	return &Client{conn: conn, deadline: cfg.Deadline}, nil
}

// Close tears down the underlying channel.
func (c *Client) Close() error {
	return trace.Wrap(c.conn.Close())
}

// RequestEvidence implements spec §4.1's request_evidence(nonce) → Evidence.
func (c *Client) RequestEvidence(ctx context.Context, nonce []byte) (attestation.Evidence, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	req := &evidenceRequest{Nonce: nonce}
	resp := &evidenceResponse{}
	err := c.conn.Invoke(ctx, "/tng.attestation.v1.Agent/RequestEvidence", req, resp)
	if err != nil {
		if st, ok := status.FromError(err); ok {
			switch st.Code() {
			case codes.Unavailable, codes.DeadlineExceeded:
				return attestation.Evidence{}, attestation.ErrAgentUnavailable(err)
			default:
				return attestation.Evidence{}, attestation.ErrAgentRejected(err)
			}
		}
		return attestation.Evidence{}, attestation.ErrAgentUnavailable(err)
	}

	if len(resp.Params.Quotes) == 0 {
		return attestation.Evidence{}, attestation.ErrAgentRejected(trace.BadParameter("agent returned no quotes"))
	}
	raw := resp.Params.Quotes[0].Quote

	return attestation.Evidence{
		Raw:      raw,
		Nonce:    nonce,
		IssuedAt: resp.IssuedAt,
	}, nil
}
