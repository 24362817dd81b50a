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

// Package cors answers preflight requests and stamps the CORS headers
// the upload protocol needs. Uploads come from browsers on arbitrary
// customer origins, so the policy is a wildcard without credentials.
package cors

import (
	"net/http"
	"strings"

	"github.com/rs/cors"
)

// New returns the CORS middleware. OPTIONS requests to the upload
// endpoint pass through so the protocol handler can advertise its
// capability headers on top of the preflight response; everywhere else
// the preflight is answered here.
func New() func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodHead,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "Origin", "X-Requested-With",
			"X-Request-Id", "X-HTTP-Method-Override",
			"Tus-Resumable", "Upload-Length", "Upload-Offset", "Upload-Metadata",
			"Upload-Defer-Length", "Upload-Concat", "Upload-Expires",
			"If-None-Match", "Range",
		},
		ExposedHeaders: []string{
			"Location", "Upload-Offset", "Upload-Length", "Upload-Metadata",
			"Upload-Defer-Length", "Upload-Expires",
			"Tus-Version", "Tus-Resumable", "Tus-Max-Size", "Tus-Extension",
			"Content-Range", "Content-Disposition", "ETag", "Accept-Ranges",
			"X-Request-Id",
		},
		MaxAge:             86400,
		AllowCredentials:   false,
		OptionsPassthrough: true,
	})
	return func(next http.Handler) http.Handler {
		return c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// only the upload protocol answers its own OPTIONS
			if r.Method == http.MethodOptions && !strings.HasPrefix(r.URL.Path, "/ingest") {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
