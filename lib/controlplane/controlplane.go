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

// Package controlplane serves the two operational HTTP endpoints spec §6
// defines: `GET /livez` (the process is running) and `GET /readyz` (every
// configured endpoint has bound its socket and, for attester roles, at
// least one identity artifact has been issued).
package controlplane

import (
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/tng/lib/identity"
)

// Server tracks readiness state and serves /livez and /readyz.
type Server struct {
	router *httprouter.Router

	mu        sync.RWMutex
	endpoints map[string]bool
	attesters []*identity.Ring
}

// New builds a Server with no endpoints registered yet; call
// RegisterEndpoint for each ingress/egress listener and RegisterAttester
// for each one configured with an `attest` role before traffic starts.
func New() *Server {
	s := &Server{
		router:    httprouter.New(),
		endpoints: map[string]bool{},
	}
	s.router.GET("/livez", s.handleLivez)
	s.router.GET("/readyz", s.handleReadyz)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegisterEndpoint declares an endpoint (by its configured id) that must
// report bound before readyz succeeds.
func (s *Server) RegisterEndpoint(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[id]; !exists {
		s.endpoints[id] = false
	}
}

// MarkBound reports that id's listener socket is now bound.
func (s *Server) MarkBound(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[id] = true
}

// RegisterAttester adds ring to the set of identity rings readyz requires
// to have issued at least one artifact (spec §6: "for attester roles, at
// least one identity artifact has been issued").
func (s *Server) RegisterAttester(ring *identity.Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attesters = append(s.attesters, ring)
}

// Ready reports whether every endpoint is bound and every attester ring
// has an issued artifact.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, bound := range s.endpoints {
		if !bound {
			return false
		}
	}
	for _, ring := range s.attesters {
		if len(ring.Snapshot()) == 0 {
			return false
		}
	}
	return true
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if !s.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
