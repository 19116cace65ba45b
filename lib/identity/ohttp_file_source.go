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
	"crypto/ecdh"
	"crypto/x509"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// FileKeySource loads a PKCS#8 X25519 private key from disk and watches the
// file for atomic replacement, rotating the ring on change (spec §4.2.2
// "file", §9 "File-based key watch"). Keys provisioned this way are assumed
// attested out-of-band.
type FileKeySource struct {
	Path   string
	Ring   *Ring
	Logger *slog.Logger

	watcher *fsnotify.Watcher
}

// LoadOnce reads the key file and installs it as the ring's active
// artifact, demoting whatever was previously active to retiring.
func (f *FileKeySource) LoadOnce(now time.Time) error {
	artifact, err := f.load(now)
	if err != nil {
		return trace.Wrap(err)
	}
	return f.Ring.Rotate(artifact, now.Add(time.Hour), now)
}

func (f *FileKeySource) load(now time.Time) (*Artifact, error) {
	der, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, trace.BadParameter("file key source: invalid PKCS#8 key at %s: %v", f.Path, err)
	}
	scheme := OHTTPSuite.KEM.Scheme()
	raw, ok := parsed.([]byte)
	if k, isECDH := parsed.(*ecdh.PrivateKey); isECDH && k.Curve() == ecdh.X25519() {
		// crypto/x509 decodes an X25519 PKCS#8 key to *ecdh.PrivateKey,
		// whose Bytes() is the 32-byte scalar the HPKE scheme expects.
		raw, ok = k.Bytes(), true
	}
	if !ok {
		// Any other key type falls through as the raw DER, which the
		// X25519 scheme rejects below.
		raw = der
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(raw)
	if err != nil {
		return nil, trace.BadParameter("file key source: not an X25519 private key: %v", err)
	}

	return &Artifact{
		ID:       uuid.New(),
		State:    StateActive,
		IssuedAt: now,
		Material: &OHTTPMaterial{PublicKey: priv.Public(), SecretKey: priv},
	}, nil
}

// Watch starts an fsnotify watch on the key file's directory (watching the
// directory, not the file, is required to observe rename-into-place
// replacement) and rotates the ring on every qualifying event, debouncing
// bursts and retrying transient ENOENT (spec §9).
func (f *FileKeySource) Watch(ctx context.Context, now func() time.Time, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	f.watcher = w
	dir := parentDir(f.Path)
	if err := w.Add(dir); err != nil {
		return trace.Wrap(err)
	}

	go func() {
		defer w.Close()
		var pending bool
		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != f.Path {
					continue
				}
				if !pending {
					pending = true
					timer.Reset(debounce)
				}
			case <-timer.C:
				pending = false
				if err := f.loadWithRetry(now()); err != nil && f.Logger != nil {
					f.Logger.Error("file key source reload failed", "path", f.Path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if f.Logger != nil {
					f.Logger.Error("file key source watch error", "error", err)
				}
			}
		}
	}()
	return nil
}

func (f *FileKeySource) loadWithRetry(now time.Time) error {
	const maxAttempts = 5
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		artifact, err := f.load(now)
		if err == nil {
			return f.Ring.Rotate(artifact, now.Add(time.Hour), now)
		}
		lastErr = err
		if !errors.Is(err, os.ErrNotExist) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return trace.Wrap(lastErr)
}

// Close stops the watch.
func (f *FileKeySource) Close() error {
	if f.watcher == nil {
		return nil
	}
	return f.watcher.Close()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
