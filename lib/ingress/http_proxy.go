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
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/gravitational/tng/api/types"
)

// HTTPProxyEngine parses HTTP/1.1 CONNECT or absolute-form requests and
// tunnels only those whose target matches dst_filters, forwarding
// everything else in plaintext itself (spec §4.5 "http_proxy").
type HTTPProxyEngine struct {
	ln      net.Listener
	filters []types.EndpointFilter
	logger  *slog.Logger
	ch      <-chan acceptResult
}

// NewHTTPProxyEngine listens on proxyListen.
func NewHTTPProxyEngine(ln net.Listener, filters []types.EndpointFilter, logger *slog.Logger) *HTTPProxyEngine {
	return &HTTPProxyEngine{ln: ln, filters: filters, logger: logger, ch: acceptLoop(ln)}
}

func (h *HTTPProxyEngine) Accept(ctx context.Context) (*Accepted, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-h.ch:
			if res.err != nil {
				return nil, trace.ConnectionProblem(res.err, "http_proxy ingress: accept failed")
			}
			accepted, handledLocally, err := h.handle(res.conn)
			if err != nil {
				if h.logger != nil {
					h.logger.Warn("http_proxy ingress: request handling failed", "error", err)
				}
				res.conn.Close()
				continue
			}
			if handledLocally {
				continue
			}
			return accepted, nil
		}
	}
}

func (h *HTTPProxyEngine) handle(conn net.Conn) (*Accepted, bool, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, true, trace.BadParameter("malformed proxy request: %v", err)
	}

	var target string
	if req.Method == http.MethodConnect {
		target = req.Host
	} else if req.URL.IsAbs() {
		target = req.URL.Host
	} else {
		return nil, true, trace.BadParameter("http_proxy ingress requires CONNECT or absolute-form requests, got %q %q", req.Method, req.URL.String())
	}

	endpoint, err := types.ParseEndpoint(target)
	if err != nil {
		return nil, true, trace.Wrap(err)
	}

	matched, err := matchesAny(h.filters, endpoint)
	if err != nil {
		return nil, true, trace.Wrap(err)
	}
	if !matched {
		h.forwardPlain(conn, req, target)
		return nil, true, nil
	}

	if req.Method == http.MethodConnect {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return nil, true, trace.Wrap(err)
		}
	} else {
		// Absolute-form GET/POST/etc that matched a filter: replay the
		// request line to the tunnel since there was no CONNECT handshake
		// to consume it.
		conn = &prefixedConn{Conn: conn, prefix: requestBytes(req)}
	}

	return &Accepted{
		Conn:        conn,
		OriginalDst: endpoint,
		Labels:      map[string]string{"ingress": "http_proxy"},
	}, false, nil
}

func (h *HTTPProxyEngine) forwardPlain(client net.Conn, req *http.Request, target string) {
	defer client.Close()
	upstream, err := net.Dial("tcp", target)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("http_proxy ingress: plaintext dial failed", "target", target, "error", err)
		}
		return
	}
	defer upstream.Close()

	if req.Method != http.MethodConnect {
		if err := req.Write(upstream); err != nil {
			return
		}
	}
	go io.Copy(upstream, client)
	io.Copy(client, upstream)
}

func (h *HTTPProxyEngine) Close() error { return h.ln.Close() }

func matchesAny(filters []types.EndpointFilter, ep types.Endpoint) (bool, error) {
	host := ""
	if ep.Host != nil {
		host = ep.Host.Value
	}
	for _, f := range filters {
		ok, err := f.Match(host, ep.Port, true)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func requestBytes(req *http.Request) []byte {
	var buf bytes.Buffer
	_ = req.Write(&buf)
	return buf.Bytes()
}
