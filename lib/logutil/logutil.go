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

// Package logutil wraps log/slog with TNG's two ambient conventions (spec
// §6 "Environment"): every package logger carries a `component` attribute,
// and the level filter is read from an environment variable using
// tracing-subscriber's directive syntax (`TNG_LOG=tng/ingress=debug,info`:
// a comma-separated list of `target=level` directives plus an optional
// trailing bare default level).
package logutil

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvVar is the directive-syntax level filter variable (spec §6).
const EnvVar = "TNG_LOG"

// Directives is a parsed TNG_LOG filter: per-component level overrides plus
// a default level applied to components with no explicit entry.
type Directives struct {
	Default    slog.Level
	Components map[string]slog.Level
}

// ParseDirectives parses a tracing-subscriber-style directive string. Each
// comma-separated entry is either `target=level` or a bare `level`, which
// becomes the default. An empty string yields the zero Directives (default
// slog.LevelInfo, no overrides).
func ParseDirectives(s string) Directives {
	d := Directives{Default: slog.LevelInfo, Components: map[string]slog.Level{}}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if target, levelStr, ok := strings.Cut(entry, "="); ok {
			if level, ok := parseLevel(levelStr); ok {
				d.Components[target] = level
			}
			continue
		}
		if level, ok := parseLevel(entry); ok {
			d.Default = level
		}
	}
	return d
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// Level reports the effective level for component, falling back to
// Default when no directive names it exactly. Directive matching is exact
// (no prefix/wildcard expansion), matching the literal examples spec §6
// gives (`tng/ingress=debug`).
func (d Directives) Level(component string) slog.Level {
	if level, ok := d.Components[component]; ok {
		return level
	}
	return d.Default
}

var (
	directivesOnce sync.Once
	directives     Directives
)

func currentDirectives() Directives {
	directivesOnce.Do(func() {
		directives = ParseDirectives(os.Getenv(EnvVar))
	})
	return directives
}

// componentHandler wraps an slog.Handler so its Enabled check consults the
// directive filter for this logger's component rather than a single
// process-wide level, letting TNG_LOG selectively raise verbosity for one
// package (e.g. `tng/ingress=debug`) without touching the rest.
type componentHandler struct {
	slog.Handler
	component string
}

func (h *componentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentDirectives().Level(h.component)
}

// WithAttrs and WithGroup must re-wrap the derived handler, or a chained
// logger.With(...) call would lose the component-scoped Enabled check by
// falling back to slog.Logger's promoted-method default on the bare inner
// handler.
func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentHandler{Handler: h.Handler.WithAttrs(attrs), component: h.component}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{Handler: h.Handler.WithGroup(name), component: h.component}
}

// New returns a component-tagged logger: every record carries
// `component=name` and the effective level is whatever TNG_LOG resolves
// for name (spec §6).
func New(name string) *slog.Logger {
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(&componentHandler{Handler: base, component: name}).With("component", name)
}
