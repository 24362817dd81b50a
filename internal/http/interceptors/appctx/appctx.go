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

// Package appctx stores a request-scoped logger, tagged with a request
// id, in the context of every incoming request.
package appctx

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/pailhq/pail/pkg/appctx"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-Id"

// New returns a middleware that injects the logger into the request
// context. An incoming request id is kept; otherwise one is generated
// and echoed back on the response.
func New(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			sub := log.With().Str("request_id", reqID).Logger()
			ctx := appctx.WithLogger(r.Context(), &sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
