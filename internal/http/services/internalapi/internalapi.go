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

// Package internalapi exposes the operator surface under /internal. Only
// the control-plane calls it: requests must arrive on the main domain
// and carry the shared bearer secret.
package internalapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pailhq/pail/pkg/errtypes"
)

const defaultListLimit = 1000

type svc struct {
	blob   blobstore.Store
	secret string
	router chi.Router
}

// New returns the internal API service. secret is the shared
// control-plane callback secret.
func New(blob blobstore.Store, secret string) *svc {
	s := &svc{blob: blob, secret: secret}

	r := chi.NewRouter()
	r.Use(s.authorize)
	r.Delete("/delete/*", s.handleDelete)
	r.Post("/list", s.handleList)
	r.Post("/get-metadata/*", s.handleGetMetadata)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errtypes.WriteError(w, r, errtypes.FileNotFound(r.URL.Path))
	})
	s.router = r
	return s
}

func (s *svc) Prefix() string {
	return "internal"
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the operator surface does not exist on project subdomains
		if _, ok := appctx.ContextGetProject(r.Context()); ok {
			errtypes.WriteError(w, r, errtypes.FileNotFound(r.URL.Path))
			return
		}
		s.router.ServeHTTP(w, r)
	})
}

func (s *svc) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
			errtypes.WriteError(w, r, errtypes.Unauthorized("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adapterKey returns the trailing wildcard of the route. Adapter keys
// contain slashes, so the whole remainder is the key.
func adapterKey(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	if key == "" {
		return "", errtypes.InvalidRequest("missing adapter key")
	}
	return key, nil
}

func (s *svc) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := adapterKey(r)
	if err != nil {
		errtypes.WriteError(w, r, err)
		return
	}

	if err := s.blob.Delete(r.Context(), key); err != nil && !blobstore.IsNotFound(err) {
		appctx.GetLogger(r.Context()).Error().Err(err).Str("key", key).Msg("could not delete blob")
		errtypes.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) handleList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix string `json:"prefix"`
		Limit  int    `json:"limit,omitempty"`
		Cursor string `json:"cursor,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errtypes.WriteError(w, r, errtypes.InvalidRequest("malformed list request"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}

	res, err := s.blob.List(r.Context(), req.Prefix, req.Limit, req.Cursor)
	if err != nil {
		errtypes.WriteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (s *svc) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	key, err := adapterKey(r)
	if err != nil {
		errtypes.WriteError(w, r, err)
		return
	}

	info, err := s.blob.Head(r.Context(), key)
	if err != nil {
		if blobstore.IsNotFound(err) {
			errtypes.WriteError(w, r, errtypes.FileNotFound(key))
			return
		}
		errtypes.WriteError(w, r, err)
		return
	}

	res := struct {
		Size         int64             `json:"size"`
		ETag         string            `json:"etag"`
		Uploaded     string            `json:"uploaded"`
		HTTPMetadata struct {
			ContentType string `json:"contentType,omitempty"`
		} `json:"httpMetadata"`
		CustomMetadata map[string]string `json:"customMetadata,omitempty"`
	}{
		Size:           info.Size,
		ETag:           info.ETag,
		Uploaded:       info.Uploaded.UTC().Format("2006-01-02T15:04:05.000Z"),
		CustomMetadata: info.UserMetadata,
	}
	res.HTTPMetadata.ContentType = info.ContentType

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
