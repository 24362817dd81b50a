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

// Package appctx carries request-scoped components through the context:
// the logger and the project resolved from the request host.
package appctx

import (
	"context"

	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/rs/zerolog"
)

type key int

const projectKey key = iota

// WithLogger returns a context with an associated logger.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// GetLogger returns the logger associated with the given context
// or a disabled logger in case no logger is stored inside the context.
func GetLogger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// ContextSetProject stores the project resolved from the request host.
func ContextSetProject(ctx context.Context, p *controlplane.Project) context.Context {
	return context.WithValue(ctx, projectKey, p)
}

// ContextGetProject returns the project stored in the context, if any.
func ContextGetProject(ctx context.Context) (*controlplane.Project, bool) {
	p, ok := ctx.Value(projectKey).(*controlplane.Project)
	return p, ok
}
