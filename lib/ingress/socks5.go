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

package ingress

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
)

const (
	socks5Version = 0x05

	authNone     = 0x00
	authUserPass = 0x02
	authNoneAcc  = 0xff

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded = 0x00
	replyFailure   = 0x01
)

// Credentials is an optional RFC 1929 username/password pair required
// before a SOCKS5 client's CONNECT is honored.
type Credentials struct {
	Username, Password string
}

// SOCKS5Engine implements RFC 1928 (with optional RFC 1929 auth) and
// records whether the target was presented as a domain (socks5h) or an
// already-resolved address (socks5); only the former is matchable against
// domain filters (spec §4.5 "socks5").
type SOCKS5Engine struct {
	ln      net.Listener
	filters []types.EndpointFilter
	creds   *Credentials
	logger  *slog.Logger
	ch      <-chan acceptResult
}

// NewSOCKS5Engine listens on ln. creds may be nil to allow unauthenticated
// clients.
func NewSOCKS5Engine(ln net.Listener, filters []types.EndpointFilter, creds *Credentials, logger *slog.Logger) *SOCKS5Engine {
	return &SOCKS5Engine{ln: ln, filters: filters, creds: creds, logger: logger, ch: acceptLoop(ln)}
}

func (s *SOCKS5Engine) Accept(ctx context.Context) (*Accepted, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-s.ch:
			if res.err != nil {
				return nil, trace.ConnectionProblem(res.err, "socks5 ingress: accept failed")
			}
			accepted, err := s.handshake(res.conn)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("socks5 ingress: handshake failed", "error", err)
				}
				res.conn.Close()
				continue
			}
			return accepted, nil
		}
	}
}

func (s *SOCKS5Engine) handshake(conn net.Conn) (*Accepted, error) {
	if err := s.negotiateMethod(conn); err != nil {
		return nil, trace.Wrap(err)
	}
	host, domainFromClient, port, err := s.readRequest(conn)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	endpoint, err := buildEndpoint(host, port)
	if err != nil {
		s.reply(conn, replyFailure)
		return nil, trace.Wrap(err)
	}

	matched, err := matchFilters(s.filters, host, port, domainFromClient)
	if err != nil {
		s.reply(conn, replyFailure)
		return nil, trace.Wrap(err)
	}
	if !matched {
		s.reply(conn, replyFailure)
		return nil, trace.AccessDenied("socks5 ingress: target %s:%d does not match any dst_filter", host, port)
	}

	if err := s.reply(conn, replySucceeded); err != nil {
		return nil, trace.Wrap(err)
	}

	labels := map[string]string{"ingress": "socks5"}
	if domainFromClient {
		labels["socks5_variant"] = "socks5h"
	} else {
		labels["socks5_variant"] = "socks5"
	}
	return &Accepted{Conn: conn, OriginalDst: endpoint, Labels: labels}, nil
}

func (s *SOCKS5Engine) negotiateMethod(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return trace.Wrap(err)
	}
	if hdr[0] != socks5Version {
		return trace.BadParameter("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return trace.Wrap(err)
	}

	wantUserPass := s.creds != nil
	chosen := byte(authNoneAcc)
	for _, m := range methods {
		if wantUserPass && m == authUserPass {
			chosen = authUserPass
			break
		}
		if !wantUserPass && m == authNone {
			chosen = authNone
		}
	}
	if _, err := conn.Write([]byte{socks5Version, chosen}); err != nil {
		return trace.Wrap(err)
	}
	if chosen == authNoneAcc {
		return trace.AccessDenied("socks5: no acceptable auth method")
	}
	if chosen == authUserPass {
		return s.authenticate(conn)
	}
	return nil
}

// authenticate implements RFC 1929.
func (s *SOCKS5Engine) authenticate(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return trace.Wrap(err)
	}
	uname := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, uname); err != nil {
		return trace.Wrap(err)
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return trace.Wrap(err)
	}
	passwd := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return trace.Wrap(err)
	}

	ok := string(uname) == s.creds.Username && string(passwd) == s.creds.Password
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{0x01, status}); err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.AccessDenied("socks5: authentication failed")
	}
	return nil
}

func (s *SOCKS5Engine) readRequest(conn net.Conn) (host string, domainFromClient bool, port uint16, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return "", false, 0, trace.Wrap(err)
	}
	if hdr[0] != socks5Version || hdr[1] != cmdConnect {
		return "", false, 0, trace.BadParameter("socks5: only CONNECT is supported")
	}

	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", false, 0, trace.Wrap(err)
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", false, 0, trace.Wrap(err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		l := make([]byte, 1)
		if _, err = io.ReadFull(conn, l); err != nil {
			return "", false, 0, trace.Wrap(err)
		}
		name := make([]byte, l[0])
		if _, err = io.ReadFull(conn, name); err != nil {
			return "", false, 0, trace.Wrap(err)
		}
		host = string(name)
		domainFromClient = true
	default:
		return "", false, 0, trace.BadParameter("socks5: unsupported address type %d", hdr[3])
	}

	portBytes := make([]byte, 2)
	if _, err = io.ReadFull(conn, portBytes); err != nil {
		return "", false, 0, trace.Wrap(err)
	}
	port = binary.BigEndian.Uint16(portBytes)
	return host, domainFromClient, port, nil
}

func (s *SOCKS5Engine) reply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socks5Version, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func (s *SOCKS5Engine) Close() error { return s.ln.Close() }

func buildEndpoint(host string, port uint16) (types.Endpoint, error) {
	addr, err := types.ParseAddress(host)
	if err != nil {
		return types.Endpoint{}, trace.Wrap(err)
	}
	return types.Endpoint{Host: &addr, Port: types.Port(port)}, nil
}

func matchFilters(filters []types.EndpointFilter, host string, port uint16, domainFromClient bool) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	for _, f := range filters {
		ok, err := f.Match(host, types.Port(port), domainFromClient)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

