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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pailhq/pail/pkg/metastore"
	"github.com/pkg/errors"
)

// TimeFormat is how expiry timestamps travel: in metadata records, in
// expiration-index keys and in the Upload-Expires header.
const TimeFormat = http.TimeFormat

// Metadata is the record of one in-flight upload. It is created by
// CREATE, advanced by PATCH and destroyed by DELETE, a successful
// finalize or TTL expiry.
type Metadata struct {
	UploadID      string `json:"uploadId"`
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	FileKeyID     string `json:"fileKeyId"`
	AccessKey     string `json:"accessKey"`
	FileName      string `json:"fileName"`

	// Size is the declared total length, nil while the length is deferred.
	Size   *int64 `json:"size"`
	Offset int64  `json:"offset"`

	AdapterKey        string           `json:"adapterKey"`
	MultipartUploadID string           `json:"multipartUploadId,omitempty"`
	Parts             []blobstore.Part `json:"parts"`

	IsPublic        bool   `json:"isPublic"`
	ClaimedHash     string `json:"claimedHash,omitempty"`
	ClaimedMimeType string `json:"claimedMimeType,omitempty"`
	ClaimedSize     *int64 `json:"claimedSize,omitempty"`

	// UserMetadata holds the decoded Upload-Metadata pairs.
	UserMetadata map[string]string `json:"metadata,omitempty"`

	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt"`
}

// Expired reports whether the record's expiry is past.
func (m *Metadata) Expired(now time.Time) bool {
	t, err := time.Parse(TimeFormat, m.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(t)
}

// Complete reports whether every declared byte has been acknowledged.
func (m *Metadata) Complete() bool {
	return m.Size != nil && m.Offset == *m.Size
}

func uploadKey(id string) string {
	return "upload:" + id
}

func expirationKey(expiresAt, id string) string {
	return "expiration:" + expiresAt + ":" + id
}

// Store persists Metadata records in two TTL-scoped namespaces: the
// full record under upload:{id} and an index key under
// expiration:{timestamp}:{id} whose value is the upload id.
type Store struct {
	kv metastore.Store
}

// NewStore wraps kv.
func NewStore(kv metastore.Store) *Store {
	return &Store{kv: kv}
}

// Save writes the record and its expiration index key. The TTL of both
// keys matches the record's expiry so the store reclaims abandoned
// uploads on its own.
func (s *Store) Save(ctx context.Context, m *Metadata) error {
	expires, err := time.Parse(TimeFormat, m.ExpiresAt)
	if err != nil {
		return errors.Wrapf(err, "upload: invalid expiry %q", m.ExpiresAt)
	}
	ttl := time.Until(expires)
	if ttl <= 0 {
		return errors.Errorf("upload: record for %s already expired", m.UploadID)
	}

	buf, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "upload: error encoding metadata")
	}
	if err := s.kv.Put(ctx, uploadKey(m.UploadID), string(buf), ttl); err != nil {
		return errors.Wrap(err, "upload: error storing metadata")
	}
	if err := s.kv.Put(ctx, expirationKey(m.ExpiresAt, m.UploadID), m.UploadID, ttl); err != nil {
		return errors.Wrap(err, "upload: error storing expiration index")
	}
	return nil
}

// Get loads the record for id. A missing record returns
// metastore.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Metadata, error) {
	v, err := s.kv.Get(ctx, uploadKey(id))
	if err != nil {
		return nil, err
	}
	m := &Metadata{}
	if err := json.Unmarshal([]byte(v), m); err != nil {
		return nil, errors.Wrapf(err, "upload: error decoding metadata for %s", id)
	}
	return m, nil
}

// Delete removes the record and its expiration index key.
func (s *Store) Delete(ctx context.Context, m *Metadata) error {
	if err := s.kv.Delete(ctx, uploadKey(m.UploadID)); err != nil {
		return errors.Wrap(err, "upload: error deleting metadata")
	}
	if err := s.kv.Delete(ctx, expirationKey(m.ExpiresAt, m.UploadID)); err != nil {
		return errors.Wrap(err, "upload: error deleting expiration index")
	}
	return nil
}

// ExpirationKeys lists the raw expiration-index keys.
func (s *Store) ExpirationKeys(ctx context.Context) ([]string, error) {
	return s.kv.List(ctx, "expiration:")
}

// ParseExpirationKey splits expiration:{timestamp}:{id} into its parts.
// The timestamp itself contains colons, so the id is everything after
// the last one.
func ParseExpirationKey(key string) (expiresAt, id string, ok bool) {
	const prefix = "expiration:"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
