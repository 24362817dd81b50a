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

package ingest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/pailhq/pail/pkg/upload"
)

func (s *svc) handleOptions(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Tus-Version", tusVersion)
	h.Set("Tus-Extension", tusExtensions)
	h.Set("Tus-Max-Size", strconv.FormatInt(s.manager.MaxSize(), 10))
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, err := s.project(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	size, deferred, err := parseCreateLength(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	userMetadata, err := parseUploadMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	withUpload, err := creationWithUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	grant, err := s.verifyGrant(r, project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	isPublic := project.DefaultFileAccess == "public"
	if grant.IsPublic != nil {
		isPublic = *grant.IsPublic
	}

	meta, err := s.manager.Create(ctx, &upload.CreateOptions{
		ProjectID:       project.ID,
		EnvironmentID:   grant.EnvironmentID,
		FileKeyID:       grant.FileKeyID,
		AccessKey:       grant.AccessKey,
		FileName:        grant.FileName,
		Size:            size,
		IsPublic:        isPublic,
		ClaimedHash:     grant.ClaimedHash,
		ClaimedMimeType: grant.ClaimedMimeType,
		UserMetadata:    userMetadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	location := uploadLocation(r, meta.UploadID)

	// zero-length uploads complete synchronously, without a PATCH
	if !deferred && *size == 0 {
		if err := s.manager.CompleteEmpty(ctx, meta); err != nil {
			s.writeError(w, r, err)
			return
		}
		h := w.Header()
		h.Set("Location", location)
		h.Set("Upload-Offset", "0")
		h.Set("Upload-Length", "0")
		w.WriteHeader(http.StatusCreated)
		return
	}

	completed := false
	if withUpload {
		if meta.Size != nil && r.ContentLength > *meta.Size {
			s.writeError(w, r, errtypes.InvalidRequest("first chunk exceeds the declared upload length"))
			return
		}
		completed, err = s.manager.WriteChunk(ctx, meta, r.Body, r.ContentLength)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	h := w.Header()
	h.Set("Location", location)
	h.Set("Upload-Offset", strconv.FormatInt(meta.Offset, 10))
	if meta.Size != nil {
		h.Set("Upload-Length", strconv.FormatInt(*meta.Size, 10))
	}
	if !completed {
		h.Set("Upload-Expires", meta.ExpiresAt)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *svc) handleHead(w http.ResponseWriter, r *http.Request) {
	// offset probes and their errors must never be cached
	w.Header().Set("Cache-Control", "no-store")

	project, err := s.project(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	meta, err := s.manager.Get(r.Context(), chi.URLParam(r, "id"), project.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Upload-Offset", strconv.FormatInt(meta.Offset, 10))
	h.Set("Upload-Expires", meta.ExpiresAt)
	if meta.Size != nil {
		h.Set("Upload-Length", strconv.FormatInt(*meta.Size, 10))
	} else {
		h.Set("Upload-Defer-Length", "1")
	}
	if len(meta.UserMetadata) > 0 {
		h.Set("Upload-Metadata", serializeUploadMetadata(meta.UserMetadata))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *svc) handlePatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, err := s.project(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if ct := trimContentType(r.Header.Get("Content-Type")); ct != contentTypeOffset {
		s.writeError(w, r, errtypes.InvalidContentType(r.Header.Get("Content-Type")))
		return
	}

	offsetHeader := r.Header.Get("Upload-Offset")
	if offsetHeader == "" {
		s.writeError(w, r, errtypes.InvalidRequest("missing Upload-Offset header"))
		return
	}
	offset, ok := parseNonNegative(offsetHeader)
	if !ok {
		s.writeError(w, r, errtypes.InvalidRequest("malformed Upload-Offset header"))
		return
	}

	meta, err := s.manager.Get(ctx, chi.URLParam(r, "id"), project.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if offset != meta.Offset {
		s.writeError(w, r, errtypes.OffsetMismatch(meta.Offset, offset))
		return
	}

	// a deferred length may be fixed exactly once
	if lengthHeader := r.Header.Get("Upload-Length"); lengthHeader != "" {
		length, ok := parseNonNegative(lengthHeader)
		if !ok {
			s.writeError(w, r, errtypes.InvalidRequest("malformed Upload-Length header"))
			return
		}
		if meta.Size != nil {
			if *meta.Size != length {
				s.writeError(w, r, errtypes.InvalidRequest("upload length was already set"))
				return
			}
		} else if err := s.manager.SetLength(ctx, meta, length); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if r.ContentLength < 0 {
		s.writeError(w, r, errtypes.InvalidRequest("missing Content-Length header"))
		return
	}
	if r.ContentLength == 0 {
		// fixing a deferred length at the current offset completes the
		// upload without carrying any bytes
		if meta.Complete() {
			if meta.Offset == 0 {
				err = s.manager.CompleteEmpty(ctx, meta)
			} else {
				err = s.manager.Finalize(ctx, meta)
			}
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			w.Header().Set("Upload-Offset", strconv.FormatInt(meta.Offset, 10))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h := w.Header()
		h.Set("Upload-Offset", strconv.FormatInt(meta.Offset, 10))
		h.Set("Upload-Expires", meta.ExpiresAt)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if meta.Size != nil && meta.Offset+r.ContentLength > *meta.Size {
		s.writeError(w, r, errtypes.InvalidRequest("chunk exceeds the declared upload length"))
		return
	}

	completed, err := s.manager.WriteChunk(ctx, meta, r.Body, r.ContentLength)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Upload-Offset", strconv.FormatInt(meta.Offset, 10))
	if !completed {
		h.Set("Upload-Expires", meta.ExpiresAt)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) handleDelete(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	meta, err := s.manager.Get(r.Context(), chi.URLParam(r, "id"), project.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.manager.Terminate(r.Context(), meta); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// verifyGrant extracts the signed query parameters and has the
// control-plane verify them. Any failure, transport included, means the
// request was not proven to come from a key holder.
func (s *svc) verifyGrant(r *http.Request, project *controlplane.Project) (*controlplane.VerifyResult, error) {
	q := r.URL.Query()

	required := []string{"keyId", "sig", "size", "environmentId", "fileKeyId", "accessKey", "fileName"}
	for _, name := range required {
		if q.Get(name) == "" {
			return nil, errtypes.InvalidRequest("missing query parameter " + name)
		}
	}
	size, ok := parseNonNegative(q.Get("size"))
	if !ok {
		return nil, errtypes.InvalidRequest("malformed query parameter size")
	}

	payload := &controlplane.UploadPayload{
		Type:          "upload",
		EnvironmentID: q.Get("environmentId"),
		FileKeyID:     q.Get("fileKeyId"),
		AccessKey:     q.Get("accessKey"),
		FileName:      q.Get("fileName"),
		Size:          size,
		KeyID:         q.Get("keyId"),
		Hash:          q.Get("hash"),
		MimeType:      q.Get("mimeType"),
		ExpiresAt:     q.Get("expiresAt"),
	}
	if v := q.Get("isPublic"); v != "" {
		isPublic := v == "true"
		payload.IsPublic = &isPublic
	}

	res, err := s.cp.VerifySignature(r.Context(), q.Get("keyId"), q.Get("sig"), payload)
	if err != nil || !res.Valid {
		return nil, errtypes.SignatureInvalid("upload signature rejected")
	}
	if res.ProjectID != "" && res.ProjectID != project.ID {
		return nil, errtypes.SignatureInvalid("upload signature rejected")
	}

	// the verified payload is authoritative for the claims
	if res.EnvironmentID == "" {
		res.EnvironmentID = payload.EnvironmentID
	}
	if res.FileKeyID == "" {
		res.FileKeyID = payload.FileKeyID
	}
	if res.FileName == "" {
		res.FileName = payload.FileName
	}
	res.AccessKey = payload.AccessKey
	if res.ClaimedHash == "" {
		res.ClaimedHash = payload.Hash
	}
	if res.ClaimedMimeType == "" {
		res.ClaimedMimeType = payload.MimeType
	}
	if res.IsPublic == nil {
		res.IsPublic = payload.IsPublic
	}
	return res, nil
}

// parseCreateLength enforces Upload-Length XOR Upload-Defer-Length.
func parseCreateLength(r *http.Request) (size *int64, deferred bool, err error) {
	lengthHeader := r.Header.Get("Upload-Length")
	deferHeader := r.Header.Get("Upload-Defer-Length")

	switch {
	case lengthHeader != "" && deferHeader != "":
		return nil, false, errtypes.InvalidRequest("Upload-Length and Upload-Defer-Length are mutually exclusive")
	case lengthHeader == "" && deferHeader == "":
		return nil, false, errtypes.InvalidRequest("one of Upload-Length or Upload-Defer-Length is required")
	case deferHeader != "":
		if deferHeader != "1" {
			return nil, false, errtypes.InvalidRequest("malformed Upload-Defer-Length header")
		}
		return nil, true, nil
	default:
		n, ok := parseNonNegative(lengthHeader)
		if !ok {
			return nil, false, errtypes.InvalidRequest("malformed Upload-Length header")
		}
		return &n, false, nil
	}
}

// creationWithUpload reports whether the CREATE carries a first chunk.
// A body without the protocol content type is rejected.
func creationWithUpload(r *http.Request) (bool, error) {
	ct := trimContentType(r.Header.Get("Content-Type"))
	if ct == contentTypeOffset && r.ContentLength > 0 {
		return true, nil
	}
	if r.ContentLength > 0 {
		return false, errtypes.InvalidContentType(r.Header.Get("Content-Type"))
	}
	return false, nil
}

// uploadLocation builds the absolute URL of the new upload, honoring
// the forwarded scheme when the gateway sits behind a proxy.
func uploadLocation(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + "/ingest/tus/" + id
}

// parseNonNegative parses a base-10 non-negative integer. Signs,
// spaces and empty strings are rejected.
func parseNonNegative(s string) (int64, bool) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func trimContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
