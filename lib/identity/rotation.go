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
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Generator is satisfied by RATSTLSProvider and OHTTPProvider.
type Generator interface {
	Generate(ctx context.Context, now time.Time) (*Artifact, error)
}

// Rotator drives periodic rotation of a Ring from a Generator, off the
// handshake path (spec §9: "rotation builds a new ring off-thread and swaps
// it in").
type Rotator struct {
	Ring     *Ring
	Gen      Generator
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Run performs an initial synchronous generation (so readyz can observe at
// least one issued identity, per spec §6) and then rotates every Interval
// until ctx is done.
func (r *Rotator) Run(ctx context.Context) error {
	if err := r.rotateOnce(ctx); err != nil {
		return err
	}
	if r.Interval <= 0 {
		return nil
	}
	ticker := r.Clock.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := r.rotateOnce(ctx); err != nil && r.Logger != nil {
				r.Logger.Error("identity rotation failed, continuing to serve previous identity", "error", err)
			}
		}
	}
}

func (r *Rotator) rotateOnce(ctx context.Context) error {
	now := r.Clock.Now()
	artifact, err := r.Gen.Generate(ctx, now)
	if err != nil {
		// Passport-mode attesters block rotation on AS unavailability but
		// keep serving the previous identity until it expires (spec §7).
		return err
	}
	retireAt := now.Add(r.Interval)
	if r.Interval <= 0 {
		retireAt = now.Add(time.Hour)
	}
	return r.Ring.Rotate(artifact, retireAt, now)
}
