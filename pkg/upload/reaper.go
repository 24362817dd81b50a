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

package upload

import (
	"context"
	"time"

	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/metastore"
)

// Reaper sweeps the expiration index and reclaims uploads whose expiry
// is past: multipart handles and blobs left behind by clients that
// never resumed. The key TTLs already bound metadata growth; the reaper
// exists to release blob-store resources early.
type Reaper struct {
	manager  *Manager
	store    *Store
	interval time.Duration
}

// NewReaper returns a reaper sweeping every interval.
func NewReaper(manager *Manager, store *Store, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{manager: manager, store: store, interval: interval}
}

// Run blocks until ctx is done, sweeping on every tick.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	log := appctx.GetLogger(ctx)

	keys, err := r.store.ExpirationKeys(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reaper: error listing expiration index")
		return
	}

	now := r.manager.now()
	for _, key := range keys {
		expiresAt, id, ok := ParseExpirationKey(key)
		if !ok {
			log.Warn().Str("key", key).Msg("reaper: malformed expiration key")
			continue
		}
		t, err := time.Parse(TimeFormat, expiresAt)
		if err != nil || now.Before(t) {
			continue
		}

		meta, err := r.store.Get(ctx, id)
		if metastore.IsNotFound(err) {
			// The record's TTL already fired; only the index key is left.
			if err := r.store.kv.Delete(ctx, key); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("reaper: error deleting stale index key")
			}
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("upload", id).Msg("reaper: error loading metadata")
			continue
		}

		if err := r.manager.Terminate(ctx, meta); err != nil {
			log.Warn().Err(err).Str("upload", id).Msg("reaper: error terminating expired upload")
			continue
		}
		log.Info().Str("upload", id).Msg("reaper: reclaimed expired upload")
	}
}
