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

package logutil

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDirectives_ComponentOverrideAndDefault(t *testing.T) {
	d := ParseDirectives("tng/ingress=debug,warn")
	require.Equal(t, slog.LevelWarn, d.Default)
	require.Equal(t, slog.LevelDebug, d.Level("tng/ingress"))
	require.Equal(t, slog.LevelWarn, d.Level("tng/egress"), "unlisted component falls back to default")
}

func TestParseDirectives_EmptyStringYieldsInfoDefault(t *testing.T) {
	d := ParseDirectives("")
	require.Equal(t, slog.LevelInfo, d.Default)
	require.Equal(t, slog.LevelInfo, d.Level("anything"))
}

func TestParseDirectives_IgnoresUnknownLevelNames(t *testing.T) {
	d := ParseDirectives("tng/ingress=not-a-level")
	_, overridden := d.Components["tng/ingress"]
	require.False(t, overridden)
}

func TestParseDirectives_MultipleComponents(t *testing.T) {
	d := ParseDirectives("tng/ingress=debug,tng/overlay=error,info")
	require.Equal(t, slog.LevelDebug, d.Level("tng/ingress"))
	require.Equal(t, slog.LevelError, d.Level("tng/overlay"))
	require.Equal(t, slog.LevelInfo, d.Default)
}

func TestNew_AttachesComponentAttribute(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stderr := os.Stderr
	os.Stderr = w
	logger := New("tng/ingress")
	os.Stderr = stderr
	require.NotNil(t, logger)

	logger.Error("probe")
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Contains(t, string(out), "component=tng/ingress")
}

func TestNew_WithPreservesComponentFilter(t *testing.T) {
	t.Setenv(EnvVar, "tng/egress=error")
	directivesOnce = sync.Once{}

	logger := New("tng/egress").With("flow_id", "abc")
	require.False(t, logger.Enabled(t.Context(), slog.LevelInfo), "info should be filtered out under an error-level directive")
	require.True(t, logger.Enabled(t.Context(), slog.LevelError))
}
