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

package types

import (
	"regexp"
	"sync"

	"github.com/gravitational/trace"
)

// compileDomainRegex compiles a domain-matching regex with Go's RE2 engine,
// which is linear-time and non-backtracking by construction (spec §9
// "Regex grammar": no look-around, no backreferences — RE2 cannot express
// either, so compilation itself enforces the constraint).
var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func compileDomainRegex(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, trace.BadParameter("invalid domain regex %q: %v", pattern, err)
	}
	regexCache[pattern] = re
	return re, nil
}

// PathRewriteRule rewrites the outer OHTTP request path. Match is matched
// against the inner request path; Sub is the replacement, using `$1`/`$name`
// group references (spec §9). A legacy `\N` reference is accepted and
// normalized to `$N` for backward compatibility with configurations authored
// against the original Rust implementation's substitution syntax.
type PathRewriteRule struct {
	Match string
	Sub   string

	compiled *regexp.Regexp
}

// Compile validates the rule's regex and normalizes legacy `\N` references
// in Sub into `$N`.
func (r *PathRewriteRule) Compile() error {
	re, err := regexp.Compile(r.Match)
	if err != nil {
		return trace.BadParameter("invalid path_rewrites match %q: %v", r.Match, err)
	}
	r.compiled = re
	r.Sub = legacyBackrefPattern.ReplaceAllString(r.Sub, "$$$1")
	return nil
}

var legacyBackrefPattern = regexp.MustCompile(`\\([0-9]+)`)

// Rewrite applies the rule to path if it fully matches, returning the
// rewritten path and true, or ("", false) if it does not match.
func (r *PathRewriteRule) Rewrite(path string) (string, bool) {
	if r.compiled == nil {
		return "", false
	}
	loc := r.compiled.FindStringSubmatchIndex(path)
	if loc == nil || loc[0] != 0 || loc[1] != len(path) {
		return "", false
	}
	result := r.compiled.ExpandString(nil, r.Sub, path, loc)
	return string(result), true
}

// FirstMatch evaluates rules in order and returns the first rewrite, or "/"
// if none match (spec §4.4: "the outer path is
// either / or derived by the first matching path_rewrites rule").
func FirstMatch(rules []*PathRewriteRule, innerPath string) string {
	for _, r := range rules {
		if out, ok := r.Rewrite(innerPath); ok {
			return out
		}
	}
	return "/"
}

// DirectForwardRule bypasses OHTTP decapsulation for matching outer HTTP
// paths (spec §3, §4.4).
type DirectForwardRule struct {
	HTTPPathRegex string

	compiled *regexp.Regexp
}

// Compile validates the rule's regex.
func (r *DirectForwardRule) Compile() error {
	re, err := regexp.Compile(r.HTTPPathRegex)
	if err != nil {
		return trace.BadParameter("invalid direct_forward http_path_regex %q: %v", r.HTTPPathRegex, err)
	}
	r.compiled = re
	return nil
}

// Matches reports whether path fully matches the rule.
func (r *DirectForwardRule) Matches(path string) bool {
	if r.compiled == nil {
		return false
	}
	loc := r.compiled.FindStringIndex(path)
	return loc != nil && loc[0] == 0 && loc[1] == len(path)
}

// FirstDirectForwardMatch evaluates rules in order, first match wins (spec
// §4.4 "Direct-forward").
func FirstDirectForwardMatch(rules []*DirectForwardRule, path string) bool {
	for _, r := range rules {
		if r.Matches(path) {
			return true
		}
	}
	return false
}
