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

// Package ingest exposes the resumable-upload protocol (tus 1.0.0) on
// /ingest/tus. Uploads are authorized by signed query parameters the
// control-plane verifies; bytes stream through the upload manager into
// the blob store.
package ingest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/pailhq/pail/pkg/upload"
)

const (
	tusVersion    = "1.0.0"
	tusExtensions = "creation,creation-with-upload,creation-defer-length,expiration,termination"

	contentTypeOffset = "application/offset+octet-stream"
	overrideHeader    = "X-HTTP-Method-Override"
)

type svc struct {
	manager *upload.Manager
	cp      *controlplane.Client
	router  chi.Router
}

// New returns the ingest service.
func New(manager *upload.Manager, cp *controlplane.Client) *svc {
	s := &svc{manager: manager, cp: cp}
	s.initRouter()
	return s
}

func (s *svc) Prefix() string {
	return "ingest"
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Clients behind middleboxes that only speak GET/POST tunnel the
		// verb through an override header.
		if r.Method == http.MethodPost {
			switch r.Header.Get(overrideHeader) {
			case http.MethodPatch:
				r.Method = http.MethodPatch
			case http.MethodDelete:
				r.Method = http.MethodDelete
			case http.MethodHead:
				r.Method = http.MethodHead
			}
		}

		// Every protocol response advertises the version, errors included.
		w.Header().Set("Tus-Resumable", tusVersion)

		if r.Method != http.MethodOptions && r.Header.Get("Tus-Resumable") != tusVersion {
			s.writeError(w, r, errtypes.InvalidTusVersion(r.Header.Get("Tus-Resumable")))
			return
		}

		s.router.ServeHTTP(w, r)
	})
}

func (s *svc) initRouter() {
	r := chi.NewRouter()
	r.Route("/tus", func(r chi.Router) {
		r.Options("/", s.handleOptions)
		r.Post("/", s.handleCreate)
		r.Options("/{id}", s.handleOptions)
		r.Head("/{id}", s.handleHead)
		r.Patch("/{id}", s.handlePatch)
		r.Delete("/{id}", s.handleDelete)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errtypes.UploadNotFound(r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errtypes.InvalidRequest("method not allowed"))
	})
	s.router = r
}

// project returns the project resolved from the request host. The
// protocol only exists on project subdomains.
func (s *svc) project(r *http.Request) (*controlplane.Project, error) {
	p, ok := appctx.ContextGetProject(r.Context())
	if !ok {
		return nil, errtypes.ProjectNotFound(r.Host)
	}
	return p, nil
}

func (s *svc) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := errtypes.AsAPIError(err); ok && apiErr.Code == errtypes.CodeInvalidTusVersion {
		w.Header().Set("Tus-Version", tusVersion)
	}
	errtypes.WriteError(w, r, err)
}
