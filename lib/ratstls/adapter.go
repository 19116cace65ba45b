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

// Package ratstls is a thin shim over TLS 1.3 that folds remote-attestation
// evidence into the certificate handshake (spec §4.3). On handshake it
// presents a cert whose extension carries evidence or a token; on verify it
// extracts that extension and delegates to the attestation client.
package ratstls

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/lib/identity"
)

// Verifier abstracts lib/attestation/trustmodel.Verifier so this package
// does not depend on the concrete trust-model wiring.
type Verifier interface {
	Verify(peerCert *x509.Certificate, extension []byte) error
}

// HandshakeDeadline bounds an entire RATS-TLS handshake (spec §5: "handshake
// total: 60 s").
const HandshakeDeadline = 60 * time.Second

// Config builds a *tls.Config for either a client or a server role.
type Config struct {
	Ring     *identity.Ring
	Verifier Verifier
	// ServerName is set on client configs.
	ServerName string
}

// ClientConfig returns a TLS 1.3-only config that presents the ring's
// active identity and verifies the peer's certificate through Verifier
// (spec §4.3 "On client side").
func (c *Config) ClientConfig() (*tls.Config, error) {
	cert, err := c.activeCertificate()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{*cert},
		ServerName:         c.ServerName,
		InsecureSkipVerify: true, // custom verification below replaces the default chain check
	}
	cfg.VerifyPeerCertificate = c.verifyPeerCertificate
	return cfg, nil
}

// ServerConfig returns a TLS 1.3-only config that always presents the
// ring's current identity and, if Verifier is set, requires and verifies a
// client certificate (mutual RATS-TLS, used by the peer key-share overlay
// per spec §4.10).
func (c *Config) ServerConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return c.activeCertificate()
		},
	}
	if c.Verifier != nil {
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = c.verifyPeerCertificate
	}
	return cfg, nil
}

func (c *Config) activeCertificate() (*tls.Certificate, error) {
	active := c.Ring.Active()
	if active == nil {
		return nil, trace.ConnectionProblem(nil, "no active RATS-TLS identity issued yet")
	}
	material, ok := active.Material.(*identity.RATSTLSMaterial)
	if !ok {
		return nil, trace.BadParameter("ring entry is not RATS-TLS material")
	}
	return material.Cert, nil
}

// verifyPeerCertificate implements spec §4.3's three verification steps:
// extract the attestation extension, ensure it binds the peer's public
// key, and hand off to the attestation client. The handshake fails (and no
// application byte is ever delivered) if any step fails, because
// crypto/tls aborts the handshake the instant this callback returns an
// error.
func (c *Config) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return trace.AccessDenied("peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return trace.AccessDenied("peer certificate is malformed: %v", err)
	}

	extension := identity.ExtractAttestationExtension(leaf)

	if c.Verifier == nil {
		// no_ra: accept the presented identity without attestation.
		return nil
	}
	if extension == nil {
		return trace.AccessDenied("peer certificate carries no attestation extension")
	}
	if err := c.Verifier.Verify(leaf, extension); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
