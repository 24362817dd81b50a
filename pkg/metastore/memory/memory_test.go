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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pailhq/pail/pkg/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "upload:missing")
	assert.True(t, metastore.IsNotFound(err))

	require.NoError(t, s.Put(ctx, "upload:a", "v1", 0))
	v, err := s.Get(ctx, "upload:a")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Delete(ctx, "upload:a"))
	_, err = s.Get(ctx, "upload:a")
	assert.True(t, metastore.IsNotFound(err))

	// deleting again is fine
	require.NoError(t, s.Delete(ctx, "upload:a"))
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "upload:a", "v1", time.Hour))

	v, err := s.Get(ctx, "upload:a")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	now = now.Add(2 * time.Hour)
	_, err = s.Get(ctx, "upload:a")
	assert.True(t, metastore.IsNotFound(err))
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, "upload:a", "1", 0))
	require.NoError(t, s.Put(ctx, "upload:b", "2", 0))
	require.NoError(t, s.Put(ctx, "expiration:x:a", "a", 0))

	keys, err := s.List(ctx, "upload:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"upload:a", "upload:b"}, keys)

	keys, err = s.List(ctx, "expiration:")
	require.NoError(t, err)
	assert.Equal(t, []string{"expiration:x:a"}, keys)
}
