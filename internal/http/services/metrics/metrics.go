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

// Package metrics exposes the Prometheus registry on /metrics. Only the
// main domain serves it; project subdomains pretend it does not exist.
package metrics

import (
	"net/http"

	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type svc struct {
	handler http.Handler
}

// New returns the metrics service.
func New() *svc {
	return &svc{handler: promhttp.Handler()}
}

func (s *svc) Prefix() string {
	return "metrics"
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := appctx.ContextGetProject(r.Context()); ok {
			errtypes.WriteError(w, r, errtypes.FileNotFound(r.URL.Path))
			return
		}
		s.handler.ServeHTTP(w, r)
	})
}
