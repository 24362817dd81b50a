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

// Package project routes by virtual host. A request to
// {slug}.{baseDomain} resolves the slug against the control-plane and
// attaches the project to the context; everything else is the main
// domain, reserved for the operator surface. Lookups are authoritative
// on every request, there is no project cache.
package project

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/errtypes"
)

// slugRE is the accepted subdomain shape: 3-63 chars, lower-case
// alphanumerics and inner hyphens.
var slugRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

// Resolver looks up projects by slug. *controlplane.Client implements it.
type Resolver interface {
	LookupProjectBySlug(ctx context.Context, slug string) (*controlplane.Project, error)
}

// New returns the host-routing middleware for the given base domain.
func New(baseDomain string, resolver Resolver) func(http.Handler) http.Handler {
	baseDomain = strings.ToLower(strings.TrimSuffix(baseDomain, "."))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug, ok := projectSlug(r.Host, baseDomain)
			if !ok {
				// main domain: no project in context
				next.ServeHTTP(w, r)
				return
			}
			if !slugRE.MatchString(slug) {
				errtypes.WriteError(w, r, errtypes.ProjectNotFound(slug))
				return
			}

			project, err := resolver.LookupProjectBySlug(r.Context(), slug)
			if err != nil {
				if _, ok := errtypes.AsAPIError(err); !ok {
					err = errtypes.ProjectNotFound(slug)
				}
				errtypes.WriteError(w, r, err)
				return
			}
			project.Slug = slug

			ctx := appctx.ContextSetProject(r.Context(), project)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// projectSlug extracts the subdomain label from host. The bare base
// domain and hosts outside of it count as the main domain.
func projectSlug(host, baseDomain string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if host == baseDomain || !strings.HasSuffix(host, "."+baseDomain) {
		return "", false
	}
	// Anything left of the base domain is the slug candidate; shapes the
	// slug pattern rejects (including nested labels) become 404.
	return strings.TrimSuffix(host, "."+baseDomain), true
}
