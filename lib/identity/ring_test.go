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

package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestArtifact() *Artifact {
	return &Artifact{ID: uuid.New(), State: StateActive}
}

func TestRing_RotateKeepsExactlyOneActive(t *testing.T) {
	t.Parallel()
	r := NewRing()
	now := time.Now()

	require.Nil(t, r.Active())

	a1 := newTestArtifact()
	require.NoError(t, r.Rotate(a1, now.Add(time.Minute), now))
	require.Equal(t, a1.ID, r.Active().ID)

	a2 := newTestArtifact()
	require.NoError(t, r.Rotate(a2, now.Add(2*time.Minute), now))
	require.Equal(t, a2.ID, r.Active().ID, "new rotation must install the fresh artifact as active")

	decryptable := r.Decryptable()
	require.Len(t, decryptable, 2, "the demoted artifact must remain decryptable while retiring")
}

func TestRing_RotateEvictsExpiredRetiring(t *testing.T) {
	t.Parallel()
	r := NewRing()
	now := time.Now()

	a1 := newTestArtifact()
	require.NoError(t, r.Rotate(a1, now.Add(time.Minute), now))

	// Installing a2 demotes a1 to retiring with retire_at = now+1m.
	a2 := newTestArtifact()
	require.NoError(t, r.Rotate(a2, now.Add(time.Minute), now))

	later := now.Add(2 * time.Minute) // past a1's retire_at
	a3 := newTestArtifact()
	require.NoError(t, r.Rotate(a3, later.Add(time.Minute), later))

	snap := r.Snapshot()
	require.Len(t, snap, 2, "a1 should have been evicted once past its retire_at")
	for _, a := range snap {
		require.NotEqual(t, a1.ID, a.ID)
	}
	require.Equal(t, a3.ID, r.Active().ID)
}

func TestRing_RotateRejectsNonActiveFresh(t *testing.T) {
	t.Parallel()
	r := NewRing()
	fresh := &Artifact{ID: uuid.New(), State: StateRetiring}
	err := r.Rotate(fresh, time.Now().Add(time.Minute), time.Now())
	require.Error(t, err)
}

type fakeGenerator struct {
	calls int
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, now time.Time) (*Artifact, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &Artifact{ID: uuid.New(), State: StateActive, IssuedAt: now}, nil
}

func TestRotator_RotatesOnEachTick(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	ring := NewRing()
	gen := &fakeGenerator{}
	rotator := &Rotator{Ring: ring, Gen: gen, Interval: time.Second, Clock: clock}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rotator.Run(ctx) }()

	clock.BlockUntil(1)
	require.Equal(t, 1, gen.calls, "initial synchronous generation must happen before Run blocks on the ticker")

	clock.Advance(time.Second)
	clock.BlockUntil(1)
	require.Eventually(t, func() bool { return gen.calls >= 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
