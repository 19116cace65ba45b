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

// Package service is an HTTP client to the Attestation Service: issuing
// tokens from evidence (passport mode) and verifying evidence synchronously
// (background-check mode) — spec §4.1.
package service

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gravitational/tng/lib/attestation"
)

// Client talks to an Attestation Service over HTTP.
type Client struct {
	http *resty.Client
	// TrustedRoots verify the Attestation Service's token signatures. An
	// empty set means "reject all" by default (spec §9 Known Ambiguity,
	// resolved to reject-all; see DESIGN.md).
	TrustedRoots []jwt.Keyfunc
}

// New builds a Client pointed at an Attestation Service base address.
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	return &Client{http: c}
}

type issueTokenRequest struct {
	Evidence []byte   `json:"evidence"`
	Nonce    []byte   `json:"nonce"`
	Policies []string `json:"policies"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

// IssueToken implements spec §4.1's issue_token(evidence, policies) → Token.
// The nonce embedded in the evidence must match the key whose ownership is
// being certified; that binding is the caller's responsibility (the nonce
// is derived from the identity's public key by lib/identity).
func (c *Client) IssueToken(ctx context.Context, ev attestation.Evidence, policies []string) (attestation.Token, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(issueTokenRequest{Evidence: ev.Raw, Nonce: ev.Nonce, Policies: policies}).
		SetResult(&issueTokenResponse{}).
		Post("/issue_token")
	if err != nil {
		return attestation.Token{}, attestation.ErrServiceUnavailable(err)
	}
	if resp.IsError() {
		return attestation.Token{}, attestation.ErrRejected("attestation service rejected evidence: %s", resp.String())
	}
	result := resp.Result().(*issueTokenResponse)
	return parseToken(result.Token)
}

type verifyEvidenceRequest struct {
	Evidence         []byte   `json:"evidence"`
	BoundKey         []byte   `json:"bound_key"`
	ExpectedPolicies []string `json:"expected_policies"`
}

type verifyEvidenceResponse struct {
	Policies []string `json:"policies"`
}

// VerifyEvidence implements spec §4.1's background-check
// verify_evidence(evidence, bound_key, expected_policies) path: forwards to
// the Attestation Service synchronously.
func (c *Client) VerifyEvidence(ctx context.Context, ev attestation.Evidence, boundKey []byte, expectedPolicies []string) (attestation.VerifiedClaims, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(verifyEvidenceRequest{Evidence: ev.Raw, BoundKey: boundKey, ExpectedPolicies: expectedPolicies}).
		SetResult(&verifyEvidenceResponse{}).
		Post("/verify_evidence")
	if err != nil {
		return attestation.VerifiedClaims{}, attestation.ErrServiceUnavailable(err)
	}
	if resp.IsError() {
		return attestation.VerifiedClaims{}, attestation.ErrRejected("attestation service rejected evidence: %s", resp.String())
	}
	result := resp.Result().(*verifyEvidenceResponse)
	claims := attestation.VerifiedClaims{Policies: result.Policies, BoundKey: boundKey}
	if !claims.HasAllPolicies(expectedPolicies) {
		return attestation.VerifiedClaims{}, attestation.ErrRejected("evidence does not satisfy expected policies %v", expectedPolicies)
	}
	return claims, nil
}

// tokenClaims is the JWT claim shape an Attestation Service issues.
type tokenClaims struct {
	jwt.RegisteredClaims
	Policies    []string  `json:"policies"`
	BoundKey    string    `json:"bound_key"`
	PolicyUntil time.Time `json:"policy_until"`
}

func parseToken(raw string) (attestation.Token, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES384", "RS256"}))
	var claims tokenClaims
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return attestation.Token{}, attestation.ErrRejected("malformed attestation token: %v", err)
	}
	boundKey, err := base64.StdEncoding.DecodeString(claims.BoundKey)
	if err != nil {
		return attestation.Token{}, attestation.ErrRejected("malformed bound_key in attestation token: %v", err)
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return attestation.Token{
		Raw:         []byte(raw),
		Policies:    claims.Policies,
		BoundKey:    boundKey,
		IssuedAt:    claims.IssuedAt.Time,
		SignerExp:   exp,
		PolicyUntil: claims.PolicyUntil,
	}, nil
}

// VerifyToken implements spec §4.1's verify_token surface for the passport
// model: signature chain against trustedRoots (if non-empty; empty means
// reject-all, per the §9 resolution in DESIGN.md), exp, and policy
// coverage.
func VerifyToken(token attestation.Token, expectedPolicies []string, trustedRoots []jwt.Keyfunc, now time.Time) (attestation.VerifiedClaims, error) {
	if len(trustedRoots) == 0 {
		return attestation.VerifiedClaims{}, attestation.ErrRejected("no trusted roots configured: rejecting all tokens by default")
	}
	var lastErr error
	for _, keyfunc := range trustedRoots {
		var claims tokenClaims
		_, err := jwt.ParseWithClaims(string(token.Raw), &claims, keyfunc, jwt.WithValidMethods([]string{"ES384", "RS256"}))
		if err == nil {
			if now.After(token.ExpiresAt()) {
				return attestation.VerifiedClaims{}, attestation.ErrRejected("attestation token expired at %s", token.ExpiresAt())
			}
			claims := attestation.VerifiedClaims{Policies: token.Policies, BoundKey: token.BoundKey}
			if !claims.HasAllPolicies(expectedPolicies) {
				return attestation.VerifiedClaims{}, attestation.ErrRejected("token does not satisfy expected policies %v", expectedPolicies)
			}
			return claims, nil
		}
		lastErr = err
	}
	return attestation.VerifiedClaims{}, attestation.ErrRejected("no trusted root validated token signature: %v", lastErr)
}
