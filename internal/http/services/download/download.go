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

// Package download serves stored files on /f/{accessKey}. Public files
// are served as-is; private files require a signed link with an expiry.
// File keys are resolved through the control-plane and cached briefly
// in-process.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jellydator/ttlcache/v2"
	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/pailhq/pail/pkg/signing"
)

const (
	fileKeyCacheTTL  = 60 * time.Second
	fileKeyCacheSize = 4096

	trackTimeout = 5 * time.Second
)

type svc struct {
	blob          blobstore.Store
	cp            *controlplane.Client
	signingSecret string
	cache         *ttlcache.Cache
	router        chi.Router

	// detached parent for fire-and-forget tracking, cancelled on Close
	trackCtx    context.Context
	trackCancel context.CancelFunc
}

// New returns the download service.
func New(blob blobstore.Store, cp *controlplane.Client, signingSecret string) *svc {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(fileKeyCacheTTL)
	cache.SetCacheSizeLimit(fileKeyCacheSize)
	cache.SkipTTLExtensionOnHit(true)

	ctx, cancel := context.WithCancel(context.Background())
	s := &svc{
		blob:          blob,
		cp:            cp,
		signingSecret: signingSecret,
		cache:         cache,
		trackCtx:      ctx,
		trackCancel:   cancel,
	}

	r := chi.NewRouter()
	r.Get("/{accessKey}", s.handleGet)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errtypes.WriteError(w, r, errtypes.FileNotFound(r.URL.Path))
	})
	s.router = r
	return s
}

func (s *svc) Prefix() string {
	return "f"
}

func (s *svc) Close() error {
	s.trackCancel()
	return s.cache.Close()
}

func (s *svc) Handler() http.Handler {
	return s.router
}

func (s *svc) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	project, ok := appctx.ContextGetProject(ctx)
	if !ok {
		errtypes.WriteError(w, r, errtypes.ProjectNotFound(r.Host))
		return
	}

	accessKey := chi.URLParam(r, "accessKey")
	q := r.URL.Query()

	// a link that already expired is rejected before any store I/O
	if expiresAt := q.Get("expiresAt"); expiresAt != "" {
		exp, err := strconv.ParseInt(expiresAt, 10, 64)
		if err != nil || time.Now().Unix() >= exp {
			errtypes.WriteError(w, r, errtypes.SignatureInvalid("download link expired"))
			return
		}
	}

	fk, err := s.lookupFileKey(ctx, accessKey, project.ID)
	if err != nil {
		errtypes.WriteError(w, r, err)
		return
	}

	if !fk.IsPublic {
		sig, expiresAt := q.Get("sig"), q.Get("expiresAt")
		if sig == "" || expiresAt == "" {
			errtypes.WriteError(w, r, errtypes.SignatureInvalid("missing download signature"))
			return
		}
		params := map[string]string{"accessKey": accessKey, "expiresAt": expiresAt}
		if !signing.Verify(s.signingSecret, params, sig) {
			errtypes.WriteError(w, r, errtypes.SignatureInvalid("download signature rejected"))
			return
		}
	}

	file := fk.File
	if file == nil {
		errtypes.WriteError(w, r, errtypes.FileNotFound(accessKey))
		return
	}

	etag := file.Hash
	if etag == "" {
		etag = `"` + file.ID + `"`
	}

	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("Accept-Ranges", "bytes")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rng := parseRange(r.Header.Get("Range"), file.Size)

	obj, err := s.blob.Get(ctx, file.AdapterKey, rng)
	if err != nil {
		if blobstore.IsNotFound(err) {
			errtypes.WriteError(w, r, errtypes.FileNotFound(accessKey))
			return
		}
		errtypes.WriteError(w, r, err)
		return
	}
	defer obj.Body.Close()

	name := fk.FileName
	if override := q.Get("filename"); override != "" {
		name = override
	}

	h.Set("Content-Type", file.MimeType)
	h.Set("Content-Disposition", `inline; filename="`+sanitizeFileName(name)+`"`)

	served := file.Size
	if rng != nil {
		served = rng.End - rng.Start + 1
		h.Set("Content-Length", strconv.FormatInt(served, 10))
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, file.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		h.Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}

	if _, err := io.Copy(w, obj.Body); err != nil {
		// headers are out; all we can do is log the broken stream
		log.Warn().Err(err).Str("accessKey", accessKey).Msg("download stream interrupted")
		return
	}

	s.trackDownload(fk, served)
}

// lookupFileKey resolves an access key through the control-plane with a
// short in-process cache. Hits do not extend the TTL, so a revoked key
// stops resolving within a minute.
func (s *svc) lookupFileKey(ctx context.Context, accessKey, projectID string) (*controlplane.FileKey, error) {
	cacheKey := projectID + ":" + accessKey
	if v, err := s.cache.Get(cacheKey); err == nil {
		return v.(*controlplane.FileKey), nil
	}

	fk, err := s.cp.LookupFileKey(ctx, accessKey, projectID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(cacheKey, fk)
	return fk, nil
}

// trackDownload notifies the control-plane off the request path. The
// response never waits for it.
func (s *svc) trackDownload(fk *controlplane.FileKey, bytes int64) {
	if fk.File == nil {
		return
	}
	event := &controlplane.DownloadEvent{
		ProjectID:     fk.ProjectID,
		EnvironmentID: fk.EnvironmentID,
		FileID:        fk.File.ID,
		Bytes:         bytes,
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.trackCtx, trackTimeout)
		defer cancel()
		if err := s.cp.TrackDownload(ctx, event); err != nil {
			appctx.GetLogger(ctx).Warn().Err(err).Str("fileId", event.FileID).Msg("could not track download")
		}
	}()
}

// parseRange interprets a Range header against the object size. Only
// single ranges are honored. Anything malformed or unsatisfiable yields
// nil, meaning the full object.
func parseRange(header string, size int64) *blobstore.ByteRange {
	if size <= 0 || !strings.HasPrefix(header, "bytes=") {
		return nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.ContainsRune(spec, ',') {
		return nil
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	// suffix form: last n bytes
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		if n > size {
			n = size
		}
		return &blobstore.ByteRange{Start: size - n, End: size - 1}
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return &blobstore.ByteRange{Start: start, End: end}
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\r', '\n', '\\':
			return -1
		}
		return r
	}, name)
}
