// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package rhttp hosts the HTTP services of the daemon. Services own a
// URL prefix; the server dispatches to the longest matching prefix
// after running the middleware chain. Shutdown drains in-flight
// requests and closes every service.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Service is a self-contained HTTP service mounted under a prefix.
type Service interface {
	// Prefix is the path prefix the service is routed under, without
	// leading or trailing slashes.
	Prefix() string
	// Handler serves all requests routed to the service.
	Handler() http.Handler
	// Close releases the resources held by the service.
	Close() error
}

// Middleware wraps the routing handler. The first middleware in the
// chain sees the request first.
type Middleware func(http.Handler) http.Handler

// Server hosts a set of services on one listener.
type Server struct {
	log         zerolog.Logger
	addr        string
	svcs        map[string]Service
	middlewares []Middleware
	httpServer  *http.Server
	listener    net.Listener
}

// New returns a server that will listen on addr once started.
func New(log zerolog.Logger, addr string) *Server {
	return &Server{
		log:  log,
		addr: addr,
		svcs: map[string]Service{},
	}
}

// Register mounts svc under its prefix. Registering two services with
// the same prefix is a programming error.
func (s *Server) Register(svc Service) error {
	prefix := strings.Trim(svc.Prefix(), "/")
	if _, ok := s.svcs[prefix]; ok {
		return errors.Errorf("rhttp: prefix %q already registered", prefix)
	}
	s.svcs[prefix] = svc
	s.log.Info().Str("prefix", "/"+prefix).Msg("http service registered")
	return nil
}

// Use appends mw to the middleware chain.
func (s *Server) Use(mw Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start listens and serves until Shutdown. It blocks like
// http.Server.ListenAndServe and returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "rhttp: could not listen on %s", s.addr)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.buildHandler()}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests bounded by ctx, then closes every
// service.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for prefix, svc := range s.svcs {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Str("prefix", "/"+prefix).Msg("error closing service")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Handler exposes the routing handler with the middleware chain
// applied. Tests drive it through httptest without a listener.
func (s *Server) Handler() http.Handler {
	return s.buildHandler()
}

func (s *Server) buildHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.route)
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

// route dispatches to the service with the longest matching prefix.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	prefixes := make([]string, 0, len(s.svcs))
	for p := range s.svcs {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			// the service sees its own sub-path, like http.StripPrefix
			r2 := r.Clone(r.Context())
			r2.URL.Path = strings.TrimPrefix(r.URL.Path, "/"+prefix)
			if r2.URL.Path == "" {
				r2.URL.Path = "/"
			}
			s.svcs[prefix].Handler().ServeHTTP(w, r2)
			return
		}
	}
	errtypes.WriteError(w, r, errtypes.FileNotFound(r.URL.Path))
}
