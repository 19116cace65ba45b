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
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/tng/lib/observability/metrics"
)

func newTestRegistry() *metrics.Registry {
	return metrics.New(prometheus.NewRegistry(), []string{"ingress_type", "ingress_id", "ingress_in", "ingress_out"})
}

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

// singleAccept returns an AcceptFunc that hands out exactly one flow, then
// blocks on ctx.Done() like a real engine would once its listener is idle.
func singleAccept(client net.Conn, dial DialFunc, labels metrics.EndpointLabels) AcceptFunc {
	used := false
	return func(ctx context.Context) (net.Conn, DialFunc, metrics.EndpointLabels, error) {
		if !used {
			used = true
			return client, dial, labels, nil
		}
		<-ctx.Done()
		return nil, nil, metrics.EndpointLabels{}, ctx.Err()
	}
}

func TestSupervisor_StreamsUntilClientCloses(t *testing.T) {
	reg := newTestRegistry()
	s := New(reg, nil)
	s.GraceTimeout = 200 * time.Millisecond

	clientLocal, clientRemote := pipePair(t)
	peerLocal, peerRemote := pipePair(t)

	labels := metrics.EndpointLabels{Kind: "ingress", Type: "mapping", ID: "web", Extra: map[string]string{"in": "a", "out": "b"}}
	dial := DialFunc(func(ctx context.Context) (net.Conn, error) { return peerLocal, nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, singleAccept(clientRemote, dial, labels)) }()

	go func() {
		clientLocal.Write([]byte("hello"))
		buf := make([]byte, 5)
		io.ReadFull(clientLocal, buf)
		clientLocal.Close()
	}()

	buf := make([]byte, 5)
	_, err := io.ReadFull(peerRemote, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	peerRemote.Write(buf)
	peerRemote.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	m := &dto.Metric{}
	require.NoError(t, reg.CxTotal.With(labels.Labels()).Write(m))
	require.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestSupervisor_DialFailureIncrementsCxFailed(t *testing.T) {
	reg := newTestRegistry()
	s := New(reg, nil)
	s.GraceTimeout = 200 * time.Millisecond

	_, clientRemote := pipePair(t)
	labels := metrics.EndpointLabels{Kind: "ingress", Type: "mapping", ID: "broken", Extra: map[string]string{"in": "a", "out": "b"}}
	dial := DialFunc(func(ctx context.Context) (net.Conn, error) {
		return nil, WithCause(CauseTransport, io.ErrClosedPipe)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, singleAccept(clientRemote, dial, labels)) }()

	require.Eventually(t, func() bool {
		m := &dto.Metric{}
		reg.CxFailed.With(labels.Labels()).Write(m)
		return m.GetCounter().GetValue() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestClassify_HonorsExplicitCause(t *testing.T) {
	err := WithCause(CauseAttestationRejected, io.ErrClosedPipe)
	require.Equal(t, CauseAttestationRejected, Classify(err))
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "fake net error" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return false }

func TestClassify_InfersTransportFromNetError(t *testing.T) {
	require.Equal(t, CauseTransport, Classify(fakeNetError{}))
}
