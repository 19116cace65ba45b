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

package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gravitational/tng/lib/observability/metrics"
)

// DefaultHandshakeTimeout bounds DIAL_PEER+HANDSHAKE together (spec §5
// "handshake total: 60s").
const DefaultHandshakeTimeout = 60 * time.Second

// DefaultGraceTimeout bounds how long Serve waits for in-flight streams to
// drain after its context is cancelled before aborting them (spec §4.8
// "Cancellation").
const DefaultGraceTimeout = 30 * time.Second

const copyBufferSize = 32 * 1024

// DialFunc dials the next hop for one flow: the peer TNG instance for an
// ingress supervisor, or the real destination for an egress supervisor.
// It is produced fresh per accepted connection since the target varies
// per flow (http_proxy, socks5, netfilter) or is fixed (mapping).
type DialFunc func(ctx context.Context) (net.Conn, error)

// UpgradeFunc performs the tunnel protocol handshake (RATS-TLS or OHTTP)
// over an already-dialed connection. A nil UpgradeFunc means the dialed
// connection is used as-is (plaintext egress to the real destination).
type UpgradeFunc func(ctx context.Context, conn net.Conn) (net.Conn, error)

// AcceptFunc yields the next flow to supervise: the accepted plaintext
// connection, a DialFunc bound to that flow's destination, and the
// observability labels to attribute it under.
type AcceptFunc func(ctx context.Context) (client net.Conn, dial DialFunc, labels metrics.EndpointLabels, err error)

// Supervisor drives accepted flows through the spec §4.8 lifecycle state
// machine, enforcing the handshake budget, bounded-buffer bidirectional
// copy, and drain-then-abort shutdown.
type Supervisor struct {
	Metrics          *metrics.Registry
	Tracer           oteltrace.Tracer
	HandshakeTimeout time.Duration
	GraceTimeout     time.Duration

	wg sync.WaitGroup
}

// New constructs a Supervisor with spec-default timeouts.
func New(m *metrics.Registry, tracer oteltrace.Tracer) *Supervisor {
	return &Supervisor{
		Metrics:          m,
		Tracer:           tracer,
		HandshakeTimeout: DefaultHandshakeTimeout,
		GraceTimeout:     DefaultGraceTimeout,
	}
}

// Serve accepts flows from accept until ctx is cancelled, running each
// concurrently. On cancellation it stops accepting, waits up to
// GraceTimeout for in-flight flows to reach CLOSED on their own, then
// cancels their cooperative token so stragglers abort (spec §4.8
// "Cancellation").
func (s *Supervisor) Serve(ctx context.Context, accept AcceptFunc) error {
	flowCtx, abort := context.WithCancel(context.Background())
	defer abort()

	for {
		client, dial, labels, err := accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return trace.Wrap(err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runFlow(flowCtx, client, dial, labels)
		}()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.GraceTimeout):
		abort()
		<-drained
	}
	return nil
}

// runFlow executes one flow's full lifecycle: DIAL_PEER → HANDSHAKE →
// STREAMING → CLOSED, or FAILED on the first error.
func (s *Supervisor) runFlow(ctx context.Context, client net.Conn, dial DialFunc, labels metrics.EndpointLabels) {
	defer client.Close()

	var span oteltrace.Span
	if s.Tracer != nil {
		ctx, span = s.Tracer.Start(ctx, "tng.flow")
		defer span.End()
	}

	if s.Metrics != nil {
		s.Metrics.ConnectionOpened(labels)
	}
	failed := false
	defer func() {
		if s.Metrics != nil {
			s.Metrics.ConnectionClosed(labels, failed)
		}
	}()

	peer, err := s.dialPeer(ctx, dial)
	if err != nil {
		s.recordFailure(span, err)
		failed = true
		return
	}
	defer peer.Close()

	failed = s.stream(ctx, span, client, peer, labels)
}

func (s *Supervisor) dialPeer(ctx context.Context, dial DialFunc) (net.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, s.HandshakeTimeout)
	defer cancel()
	return dial(hctx)
}

func (s *Supervisor) stream(ctx context.Context, span oteltrace.Span, client, peer net.Conn, labels metrics.EndpointLabels) bool {
	var sspan oteltrace.Span
	if s.Tracer != nil {
		ctx, sspan = s.Tracer.Start(ctx, "tng.stream")
		defer sspan.End()
	}
	_, _, err := s.splice(ctx, client, peer, labels)
	if err != nil && ctx.Err() == nil {
		s.recordFailure(span, err)
		return true
	}
	return false
}

// splice runs the bidirectional copy; it returns once both directions
// have closed (natural EOF) or ctx is cancelled, in which case both
// connections are force-closed to unblock the copy goroutines.
func (s *Supervisor) splice(ctx context.Context, client, peer net.Conn, labels metrics.EndpointLabels) (txBytes, rxBytes int64, err error) {
	type result struct {
		n   int64
		err error
	}
	toPeer := make(chan result, 1)
	toClient := make(chan result, 1)

	go func() {
		n, err := s.copyDirection(peer, client, labels, true)
		closeWrite(peer)
		toPeer <- result{n, err}
	}()
	go func() {
		n, err := s.copyDirection(client, peer, labels, false)
		closeWrite(client)
		toClient <- result{n, err}
	}()

	var toPeerRes, toClientRes result
	var toPeerDone, toClientDone bool
	for !toPeerDone || !toClientDone {
		select {
		case toPeerRes = <-toPeer:
			toPeerDone = true
		case toClientRes = <-toClient:
			toClientDone = true
		case <-ctx.Done():
			client.Close()
			peer.Close()
			if !toPeerDone {
				toPeerRes = <-toPeer
				toPeerDone = true
			}
			if !toClientDone {
				toClientRes = <-toClient
				toClientDone = true
			}
		}
	}
	if toPeerRes.err != nil {
		return toPeerRes.n, toClientRes.n, toPeerRes.err
	}
	return toPeerRes.n, toClientRes.n, toClientRes.err
}

// copyDirection copies src into dst with a fixed-size buffer (spec §5 "no
// buffering above the stream primitive's natural window") and attributes
// the byte count to tx or rx depending on direction.
func (s *Supervisor) copyDirection(dst io.Writer, src io.Reader, labels metrics.EndpointLabels, clientToPeer bool) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if s.Metrics != nil {
				if clientToPeer {
					s.Metrics.AddTxBytes(labels, n)
				} else {
					s.Metrics.AddRxBytes(labels, n)
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}

func (s *Supervisor) recordFailure(span oteltrace.Span, err error) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, Classify(err).String())
}
