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

// Package metastore defines the TTL key/value store that backs the
// upload metadata and expiration-index namespaces. Values are opaque
// strings. The redis subpackage is the production driver; the memory
// subpackage backs tests.
package metastore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key does not exist or its TTL elapsed.
var ErrNotFound = errors.New("metastore: key not found")

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// Store is a flat namespace of string keys with per-key TTL.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Put stores value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys matching prefix. Order is unspecified.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close releases the underlying connections.
	Close() error
}
