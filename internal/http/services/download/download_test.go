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

package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func (f *fakeBlob) Get(_ context.Context, key string, rng *blobstore.ByteRange) (*blobstore.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	buf, ok := f.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	body := buf
	if rng != nil {
		end := rng.End
		if end > int64(len(buf))-1 {
			end = int64(len(buf)) - 1
		}
		body = buf[rng.Start : end+1]
	}
	return &blobstore.Object{Body: io.NopCloser(bytes.NewReader(body)), Size: int64(len(buf))}, nil
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
func (f *fakeBlob) Head(context.Context, string) (*blobstore.ObjectInfo, error) {
	return nil, blobstore.ErrNotFound
}
func (f *fakeBlob) List(context.Context, string, int, string) (*blobstore.ListResult, error) {
	return &blobstore.ListResult{}, nil
}
func (f *fakeBlob) Delete(context.Context, string) error { return nil }

type fakeControlPlane struct {
	mu      sync.Mutex
	keys    map[string]*controlplane.FileKey
	lookups int
	tracked []controlplane.DownloadEvent
	srv     *httptest.Server
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	f := &fakeControlPlane{keys: map[string]*controlplane.FileKey{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/internal/lookup-file-key":
			var body struct {
				AccessKey string `json:"accessKey"`
				ProjectID string `json:"projectId"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.lookups++
			fk, ok := f.keys[body.ProjectID+":"+body.AccessKey]
			f.mu.Unlock()
			if !ok {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(fk)
		case "/api/internal/track-download":
			var ev controlplane.DownloadEvent
			_ = json.NewDecoder(r.Body).Decode(&ev)
			f.mu.Lock()
			f.tracked = append(f.tracked, ev)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeControlPlane) waitTracked(t *testing.T) controlplane.DownloadEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.tracked) > 0 {
			ev := f.tracked[0]
			f.mu.Unlock()
			return ev
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no track-download event arrived")
	return controlplane.DownloadEvent{}
}

type fixture struct {
	svc     *svc
	blob    *fakeBlob
	cp      *fakeControlPlane
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	blob := &fakeBlob{objects: map[string][]byte{}}
	cp := newFakeControlPlane(t)
	client, err := controlplane.New(&controlplane.Config{URL: cp.srv.URL, Secret: "secret"})
	require.NoError(t, err)

	s := New(blob, client, testSecret)
	t.Cleanup(func() { _ = s.Close() })

	project := &controlplane.Project{ID: "proj1", Slug: "acme"}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appctx.ContextSetProject(r.Context(), project)
		s.Handler().ServeHTTP(w, r.WithContext(ctx))
	})
	return &fixture{svc: s, blob: blob, cp: cp, handler: handler}
}

// seed registers a 1000-byte public file under accessKey "ak1".
func (f *fixture) seed(isPublic bool) []byte {
	content := bytes.Repeat([]byte("0123456789"), 100)
	f.blob.objects["proj1/env1/blob1"] = content
	f.cp.keys["proj1:ak1"] = &controlplane.FileKey{
		ID:            "fk1",
		FileName:      "data.bin",
		AccessKey:     "ak1",
		ProjectID:     "proj1",
		EnvironmentID: "env1",
		IsPublic:      isPublic,
		File: &controlplane.File{
			ID:         "file1",
			Hash:       `"abc123"`,
			MimeType:   "application/octet-stream",
			Size:       1000,
			AdapterKey: "proj1/env1/blob1",
		},
	}
	return content
}

func (f *fixture) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = "acme.pail.dev"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func signedURL(accessKey string, expiresAt int64) string {
	exp := strconv.FormatInt(expiresAt, 10)
	sig := signing.Sign(testSecret, map[string]string{"accessKey": accessKey, "expiresAt": exp})
	return "/" + accessKey + "?sig=" + sig + "&expiresAt=" + exp
}

func TestPublicDownload(t *testing.T) {
	f := newFixture(t)
	content := f.seed(true)

	rec := f.get("/ak1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=31536000, immutable", rec.Header().Get("Cache-Control"))
	assert.Equal(t, `inline; filename="data.bin"`, rec.Header().Get("Content-Disposition"))

	ev := f.cp.waitTracked(t)
	assert.Equal(t, "file1", ev.FileID)
	assert.Equal(t, int64(1000), ev.Bytes)
}

func TestPrivateDownloadRequiresSignature(t *testing.T) {
	f := newFixture(t)
	f.seed(false)

	rec := f.get("/ak1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature_invalid")

	rec = f.get("/ak1?sig=deadbeef&expiresAt="+strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.get(signedURL("ak1", time.Now().Add(time.Hour).Unix()), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestExpiredLinkRejectedBeforeLookup(t *testing.T) {
	f := newFixture(t)
	f.seed(false)

	rec := f.get(signedURL("ak1", time.Now().Add(-time.Minute).Unix()), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, f.cp.lookups, "expired links must fail before any store I/O")
	assert.Equal(t, 0, f.blob.gets)
}

func TestPrivateRangedDownload(t *testing.T) {
	f := newFixture(t)
	content := f.seed(false)

	url := signedURL("ak1", time.Now().Add(time.Hour).Unix())
	rec := f.get(url, map[string]string{"Range": "bytes=100-199"})

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "100", rec.Header().Get("Content-Length"))
	assert.Equal(t, content[100:200], rec.Body.Bytes())

	ev := f.cp.waitTracked(t)
	assert.Equal(t, int64(100), ev.Bytes)
}

func TestRangeForms(t *testing.T) {
	f := newFixture(t)
	content := f.seed(true)

	rec := f.get("/ak1", map[string]string{"Range": "bytes=950-"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 950-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, content[950:], rec.Body.Bytes())

	rec = f.get("/ak1", map[string]string{"Range": "bytes=-50"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 950-999/1000", rec.Header().Get("Content-Range"))

	// end past the object clamps
	rec = f.get("/ak1", map[string]string{"Range": "bytes=990-5000"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 990-999/1000", rec.Header().Get("Content-Range"))
}

func TestBadRangesServeFullObject(t *testing.T) {
	f := newFixture(t)
	f.seed(true)

	for _, header := range []string{
		"bytes=abc-def",
		"bytes=500-100",
		"bytes=1000-",  // start at size is unsatisfiable
		"bytes=0-10,20-30", // multi-range unsupported
		"items=0-10",
	} {
		rec := f.get("/ak1", map[string]string{"Range": header})
		assert.Equal(t, http.StatusOK, rec.Code, "Range: %s", header)
		assert.Equal(t, "1000", rec.Header().Get("Content-Length"), "Range: %s", header)
	}
}

func TestIfNoneMatch(t *testing.T) {
	f := newFixture(t)
	f.seed(true)

	rec := f.get("/ak1", map[string]string{"If-None-Match": `"abc123"`})

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("Cache-Control"))
	assert.Equal(t, 0, f.blob.gets, "a 304 must not touch the blob store")
	assert.Empty(t, rec.Body.Bytes())
}

func TestEtagFallsBackToQuotedFileID(t *testing.T) {
	f := newFixture(t)
	f.seed(true)
	f.cp.keys["proj1:ak1"].File.Hash = ""

	rec := f.get("/ak1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"file1"`, rec.Header().Get("ETag"))
}

func TestFilenameOverride(t *testing.T) {
	f := newFixture(t)
	f.seed(true)

	rec := f.get(`/ak1?filename=report%22%0d%0a.pdf`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `inline; filename="report.pdf"`, rec.Header().Get("Content-Disposition"))
}

func TestUnknownAccessKeyIs404(t *testing.T) {
	f := newFixture(t)

	rec := f.get("/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "file_not_found")
}

func TestFileKeyWithoutFileIs404(t *testing.T) {
	f := newFixture(t)
	f.seed(true)
	f.cp.keys["proj1:ak1"].File = nil

	rec := f.get("/ak1", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileKeyLookupIsCached(t *testing.T) {
	f := newFixture(t)
	f.seed(true)

	for i := 0; i < 3; i++ {
		rec := f.get("/ak1", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	f.cp.mu.Lock()
	lookups := f.cp.lookups
	f.cp.mu.Unlock()
	assert.Equal(t, 1, lookups, "repeated downloads must hit the cache")
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		size   int64
		want   *blobstore.ByteRange
	}{
		{"bytes=0-499", 1000, &blobstore.ByteRange{Start: 0, End: 499}},
		{"bytes=500-", 1000, &blobstore.ByteRange{Start: 500, End: 999}},
		{"bytes=-200", 1000, &blobstore.ByteRange{Start: 800, End: 999}},
		{"bytes=-2000", 1000, &blobstore.ByteRange{Start: 0, End: 999}},
		{"bytes=0-0", 1, &blobstore.ByteRange{Start: 0, End: 0}},
		{"", 1000, nil},
		{"bytes=", 1000, nil},
		{"bytes=-", 1000, nil},
		{"bytes=-0", 1000, nil},
		{"bytes=5", 1000, nil},
		{"bytes=1000-", 1000, nil},
		{"bytes=0-10", 0, nil},
	}
	for _, tc := range tests {
		got := parseRange(tc.header, tc.size)
		assert.Equal(t, tc.want, got, fmt.Sprintf("%q size=%d", tc.header, tc.size))
	}
}
