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

package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "callback-secret"

type fakeBlob struct {
	infos   map[string]*blobstore.ObjectInfo
	deleted []string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{infos: map[string]*blobstore.ObjectInfo{}}
}

func (f *fakeBlob) Head(_ context.Context, key string) (*blobstore.ObjectInfo, error) {
	info, ok := f.infos[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return info, nil
}

func (f *fakeBlob) Delete(_ context.Context, key string) error {
	if _, ok := f.infos[key]; !ok {
		return blobstore.ErrNotFound
	}
	delete(f.infos, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlob) List(_ context.Context, prefix string, limit int, cursor string) (*blobstore.ListResult, error) {
	res := &blobstore.ListResult{}
	for key, info := range f.infos {
		if strings.HasPrefix(key, prefix) {
			res.Objects = append(res.Objects, *info)
		}
	}
	if len(res.Objects) > limit {
		res.Objects = res.Objects[:limit]
		res.Truncated = true
		res.Cursor = "next"
	}
	return res, nil
}

func (f *fakeBlob) Put(context.Context, string, io.Reader, int64, string) error { return nil }
func (f *fakeBlob) CreateMultipartUpload(context.Context, string) (string, error) {
	return "", nil
}
func (f *fakeBlob) UploadPart(context.Context, string, string, int, io.Reader, int64) (string, error) {
	return "", nil
}
func (f *fakeBlob) CompleteMultipartUpload(context.Context, string, string, []blobstore.Part) error {
	return nil
}
func (f *fakeBlob) AbortMultipartUpload(context.Context, string, string) error { return nil }
func (f *fakeBlob) Get(context.Context, string, *blobstore.ByteRange) (*blobstore.Object, error) {
	return nil, blobstore.ErrNotFound
}

type fixture struct {
	svc  *svc
	blob *fakeBlob
}

func newFixture(t *testing.T) *fixture {
	blob := newFakeBlob()
	return &fixture{svc: New(blob, testSecret), blob: blob}
}

func (f *fixture) do(method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	req.Host = "pail.dev"
	req.Header.Set("Authorization", "Bearer "+testSecret)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.svc.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRequiresBearerSecret(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/list", map[string]string{"prefix": ""}, func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/list", map[string]string{"prefix": ""}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")
}

func TestHiddenOnProjectSubdomains(t *testing.T) {
	f := newFixture(t)
	project := &controlplane.Project{ID: "proj1", Slug: "acme"}

	rec := f.do(http.MethodPost, "/list", map[string]string{"prefix": ""}, func(r *http.Request) {
		*r = *r.WithContext(appctx.ContextSetProject(r.Context(), project))
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteBlob(t *testing.T) {
	f := newFixture(t)
	f.blob.infos["proj1/env1/blob1"] = &blobstore.ObjectInfo{Key: "proj1/env1/blob1", Size: 10}

	rec := f.do(http.MethodDelete, "/delete/proj1/env1/blob1", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"proj1/env1/blob1"}, f.blob.deleted)

	// deleting an absent key is still a 204
	rec = f.do(http.MethodDelete, "/delete/proj1/env1/blob1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListObjects(t *testing.T) {
	f := newFixture(t)
	f.blob.infos["proj1/env1/a"] = &blobstore.ObjectInfo{Key: "proj1/env1/a", Size: 1}
	f.blob.infos["proj1/env1/b"] = &blobstore.ObjectInfo{Key: "proj1/env1/b", Size: 2}
	f.blob.infos["proj2/env1/c"] = &blobstore.ObjectInfo{Key: "proj2/env1/c", Size: 3}

	rec := f.do(http.MethodPost, "/list", map[string]any{"prefix": "proj1/"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res blobstore.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Objects, 2)
	assert.False(t, res.Truncated)
}

func TestListHonorsLimit(t *testing.T) {
	f := newFixture(t)
	f.blob.infos["p/a"] = &blobstore.ObjectInfo{Key: "p/a"}
	f.blob.infos["p/b"] = &blobstore.ObjectInfo{Key: "p/b"}

	rec := f.do(http.MethodPost, "/list", map[string]any{"prefix": "p/", "limit": 1})

	require.Equal(t, http.StatusOK, rec.Code)
	var res blobstore.ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Objects, 1)
	assert.True(t, res.Truncated)
	assert.NotEmpty(t, res.Cursor)
}

func TestGetMetadata(t *testing.T) {
	f := newFixture(t)
	f.blob.infos["proj1/env1/blob1"] = &blobstore.ObjectInfo{
		Key:          "proj1/env1/blob1",
		Size:         42,
		ETag:         "etag-1",
		Uploaded:     time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		ContentType:  "image/png",
		UserMetadata: map[string]string{"origin": "import"},
	}

	rec := f.do(http.MethodPost, "/get-metadata/proj1/env1/blob1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Size         int64  `json:"size"`
		ETag         string `json:"etag"`
		Uploaded     string `json:"uploaded"`
		HTTPMetadata struct {
			ContentType string `json:"contentType"`
		} `json:"httpMetadata"`
		CustomMetadata map[string]string `json:"customMetadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(42), res.Size)
	assert.Equal(t, "etag-1", res.ETag)
	assert.Equal(t, "2026-02-03T04:05:06.000Z", res.Uploaded)
	assert.Equal(t, "image/png", res.HTTPMetadata.ContentType)
	assert.Equal(t, map[string]string{"origin": "import"}, res.CustomMetadata)
}

func TestGetMetadataMissingIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/get-metadata/proj1/env1/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "file_not_found")
}
