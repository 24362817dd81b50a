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

// Package upload implements the resumable-upload engine behind the tus
// verbs: session metadata, the chunk pipeline into the blob store and
// the finalize step that verifies content and notifies the
// control-plane.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/pailhq/pail/pkg/metastore"
	"github.com/pailhq/pail/pkg/mimetypes"
	"github.com/pkg/errors"
)

const (
	// smallObjectLimit is the size below which a single-shot chunk skips
	// the multipart machinery and goes through one put.
	smallObjectLimit = 5 << 20
	// headerWindow is how much of the stored object the finalizer reads
	// to detect the content type.
	headerWindow = 8 << 10
)

// Manager drives upload sessions against the blob store, the metadata
// store and the control-plane.
type Manager struct {
	blob     blobstore.Store
	store    *Store
	cp       *controlplane.Client
	maxSize  int64
	lifetime time.Duration

	now func() time.Time
}

// NewManager returns a Manager. lifetime governs how long an upload may
// stay in flight; maxSize caps the declared length.
func NewManager(blob blobstore.Store, store *Store, cp *controlplane.Client, maxSize int64, lifetime time.Duration) *Manager {
	return &Manager{
		blob:     blob,
		store:    store,
		cp:       cp,
		maxSize:  maxSize,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// MaxSize returns the configured upload size cap.
func (m *Manager) MaxSize() int64 {
	return m.maxSize
}

// CreateOptions carries the resolved claims of a verified CREATE.
type CreateOptions struct {
	ProjectID       string
	EnvironmentID   string
	FileKeyID       string
	AccessKey       string
	FileName        string
	Size            *int64
	IsPublic        bool
	ClaimedHash     string
	ClaimedMimeType string
	UserMetadata    map[string]string
}

// Create opens a new upload session and persists its metadata.
func (m *Manager) Create(ctx context.Context, opts *CreateOptions) (*Metadata, error) {
	if opts.Size != nil && *opts.Size > m.maxSize {
		return nil, errtypes.UploadTooLarge(*opts.Size, m.maxSize)
	}

	id, err := newUploadID()
	if err != nil {
		return nil, err
	}

	now := m.now()
	meta := &Metadata{
		UploadID:        id,
		ProjectID:       opts.ProjectID,
		EnvironmentID:   opts.EnvironmentID,
		FileKeyID:       opts.FileKeyID,
		AccessKey:       opts.AccessKey,
		FileName:        opts.FileName,
		Size:            opts.Size,
		Offset:          0,
		AdapterKey:      opts.ProjectID + "/" + opts.EnvironmentID + "/" + uuid.NewString(),
		Parts:           []blobstore.Part{},
		IsPublic:        opts.IsPublic,
		ClaimedHash:     opts.ClaimedHash,
		ClaimedMimeType: opts.ClaimedMimeType,
		ClaimedSize:     opts.Size,
		UserMetadata:    opts.UserMetadata,
		CreatedAt:       now.UTC().Format(TimeFormat),
		ExpiresAt:       now.Add(m.lifetime).UTC().Format(TimeFormat),
	}

	if err := m.store.Save(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Get loads the session for id and checks ownership and expiry. Records
// owned by another project are indistinguishable from missing ones.
func (m *Manager) Get(ctx context.Context, id, projectID string) (*Metadata, error) {
	meta, err := m.store.Get(ctx, id)
	if metastore.IsNotFound(err) {
		return nil, errtypes.UploadNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	if meta.ProjectID != projectID {
		return nil, errtypes.UploadNotFound(id)
	}
	if meta.Expired(m.now()) {
		return nil, errtypes.UploadExpired(id)
	}
	return meta, nil
}

// SetLength fixes the total length of a deferred-length upload. It may
// be called once; the protocol layer rejects conflicting re-supplies.
func (m *Manager) SetLength(ctx context.Context, meta *Metadata, length int64) error {
	if length > m.maxSize {
		return errtypes.UploadTooLarge(length, m.maxSize)
	}
	if length < meta.Offset {
		return errtypes.InvalidRequest("upload length is smaller than the current offset")
	}
	meta.Size = &length
	return m.store.Save(ctx, meta)
}

// WriteChunk streams size bytes from r into the blob store and advances
// the session. Small single-shot bodies take one put; everything else
// becomes the next multipart part. The offset only moves after the blob
// store acknowledged the bytes. Returns whether the upload is now
// complete, in which case the finalizer already ran.
func (m *Manager) WriteChunk(ctx context.Context, meta *Metadata, r io.Reader, size int64) (bool, error) {
	isLast := meta.Size != nil && meta.Offset+size >= *meta.Size

	if size < smallObjectLimit && isLast && meta.Offset == 0 {
		if err := m.blob.Put(ctx, meta.AdapterKey, r, size, meta.ClaimedMimeType); err != nil {
			return false, err
		}
	} else {
		if meta.MultipartUploadID == "" {
			uploadID, err := m.blob.CreateMultipartUpload(ctx, meta.AdapterKey)
			if err != nil {
				return false, err
			}
			meta.MultipartUploadID = uploadID
		}
		// Part numbers are dense and 1-based. They are not derived from
		// the offset because chunk sizes vary.
		partNumber := len(meta.Parts) + 1
		etag, err := m.blob.UploadPart(ctx, meta.AdapterKey, meta.MultipartUploadID, partNumber, r, size)
		if err != nil {
			return false, err
		}
		meta.Parts = append(meta.Parts, blobstore.Part{PartNumber: partNumber, ETag: etag})
	}

	meta.Offset += size
	if err := m.store.Save(ctx, meta); err != nil {
		return false, err
	}

	if meta.Complete() {
		if err := m.Finalize(ctx, meta); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// CompleteEmpty finishes a zero-length upload synchronously: it writes
// an empty object, notifies the control-plane and drops the session.
func (m *Manager) CompleteEmpty(ctx context.Context, meta *Metadata) error {
	if err := m.blob.Put(ctx, meta.AdapterKey, emptyReader{}, 0, meta.ClaimedMimeType); err != nil {
		m.cleanup(ctx, meta, true)
		return err
	}
	if err := m.sendCompleted(ctx, meta, normalizedClaim(meta)); err != nil {
		m.cleanup(ctx, meta, false)
		return err
	}
	return m.deleteMetadata(ctx, meta)
}

// Finalize runs after the last chunk: complete the multipart upload,
// verify the detected content type against the claim, notify the
// control-plane and drop the session. Any failure cleans up blob and
// metadata and surfaces the triggering error.
func (m *Manager) Finalize(ctx context.Context, meta *Metadata) error {
	log := appctx.GetLogger(ctx)

	if meta.MultipartUploadID != "" {
		parts := append([]blobstore.Part(nil), meta.Parts...)
		sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
		if err := m.blob.CompleteMultipartUpload(ctx, meta.AdapterKey, meta.MultipartUploadID, parts); err != nil {
			m.cleanup(ctx, meta, true)
			return errors.Wrapf(err, "upload: could not complete multipart upload for %s", meta.UploadID)
		}
	}

	detected, err := m.detectMimeType(ctx, meta)
	if err != nil {
		m.cleanup(ctx, meta, true)
		return errors.Wrapf(err, "upload: could not read back object for %s", meta.UploadID)
	}

	if meta.ClaimedMimeType != "" && !mimetypes.Equivalent(meta.ClaimedMimeType, detected) {
		log.Info().Str("upload", meta.UploadID).
			Str("claimed", meta.ClaimedMimeType).Str("detected", detected).
			Msg("mime type mismatch, discarding upload")
		m.cleanup(ctx, meta, true)
		return errtypes.MimeTypeMismatch(meta.ClaimedMimeType, detected)
	}

	if err := m.sendCompleted(ctx, meta, detected); err != nil {
		// The callback itself failed; a failure callback would fail the
		// same way, so only local state is reclaimed.
		m.cleanup(ctx, meta, false)
		return err
	}

	return m.deleteMetadata(ctx, meta)
}

// Terminate aborts the session: multipart handle and blob are removed
// best-effort, the metadata unconditionally.
func (m *Manager) Terminate(ctx context.Context, meta *Metadata) error {
	log := appctx.GetLogger(ctx)

	if meta.MultipartUploadID != "" {
		if err := m.blob.AbortMultipartUpload(ctx, meta.AdapterKey, meta.MultipartUploadID); err != nil {
			log.Warn().Err(err).Str("upload", meta.UploadID).Msg("error aborting multipart upload")
		}
	}
	if err := m.blob.Delete(ctx, meta.AdapterKey); err != nil {
		log.Warn().Err(err).Str("upload", meta.UploadID).Msg("error deleting blob")
	}
	return m.deleteMetadata(ctx, meta)
}

// detectMimeType reads the first bytes of the stored object and detects
// its type by magic.
func (m *Manager) detectMimeType(ctx context.Context, meta *Metadata) (string, error) {
	obj, err := m.blob.Get(ctx, meta.AdapterKey, &blobstore.ByteRange{Start: 0, End: headerWindow - 1})
	if err != nil {
		return "", err
	}
	defer obj.Body.Close()

	header, err := io.ReadAll(io.LimitReader(obj.Body, headerWindow))
	if err != nil {
		return "", err
	}
	return mimetypes.Detect(header), nil
}

// CompletionData is the payload of the upload-completed callback.
type CompletionData struct {
	ProjectID       string            `json:"projectId"`
	EnvironmentID   string            `json:"environmentId"`
	FileKeyID       string            `json:"fileKeyId"`
	AccessKey       string            `json:"accessKey"`
	FileName        string            `json:"fileName"`
	AdapterKey      string            `json:"adapterKey"`
	Size            int64             `json:"size"`
	Hash            *string           `json:"hash"`
	MimeType        string            `json:"mimeType"`
	IsPublic        bool              `json:"isPublic"`
	ClaimedSize     *int64            `json:"claimedSize,omitempty"`
	ClaimedHash     string            `json:"claimedHash,omitempty"`
	ClaimedMimeType string            `json:"claimedMimeType,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// FailureData is the payload of the upload-failed callback.
type FailureData struct {
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	FileKeyID     string `json:"fileKeyId"`
	AccessKey     string `json:"accessKey"`
	UploadID      string `json:"uploadId"`
	Reason        string `json:"reason,omitempty"`
}

func (m *Manager) sendCompleted(ctx context.Context, meta *Metadata, mimeType string) error {
	// No hash is computed on ingest; the claim passes through.
	var hash *string
	if meta.ClaimedHash != "" {
		h := meta.ClaimedHash
		hash = &h
	}
	return m.cp.Callback(ctx, &controlplane.CallbackEvent{
		Type: controlplane.EventUploadCompleted,
		Data: &CompletionData{
			ProjectID:       meta.ProjectID,
			EnvironmentID:   meta.EnvironmentID,
			FileKeyID:       meta.FileKeyID,
			AccessKey:       meta.AccessKey,
			FileName:        meta.FileName,
			AdapterKey:      meta.AdapterKey,
			Size:            meta.Offset,
			Hash:            hash,
			MimeType:        mimeType,
			IsPublic:        meta.IsPublic,
			ClaimedSize:     meta.ClaimedSize,
			ClaimedHash:     meta.ClaimedHash,
			ClaimedMimeType: meta.ClaimedMimeType,
			Metadata:        meta.UserMetadata,
		},
	})
}

// cleanup reclaims blob and metadata after a failed finalize. All steps
// are best-effort; the caller surfaces the triggering error.
func (m *Manager) cleanup(ctx context.Context, meta *Metadata, notify bool) {
	log := appctx.GetLogger(ctx)

	if meta.MultipartUploadID != "" {
		if err := m.blob.AbortMultipartUpload(ctx, meta.AdapterKey, meta.MultipartUploadID); err != nil {
			log.Warn().Err(err).Str("upload", meta.UploadID).Msg("cleanup: error aborting multipart upload")
		}
	}
	if err := m.blob.Delete(ctx, meta.AdapterKey); err != nil {
		log.Warn().Err(err).Str("upload", meta.UploadID).Msg("cleanup: error deleting blob")
	}
	if err := m.deleteMetadata(ctx, meta); err != nil {
		log.Warn().Err(err).Str("upload", meta.UploadID).Msg("cleanup: error deleting metadata")
	}
	if notify {
		if err := m.cp.Callback(ctx, &controlplane.CallbackEvent{
			Type: controlplane.EventUploadFailed,
			Data: &FailureData{
				ProjectID:     meta.ProjectID,
				EnvironmentID: meta.EnvironmentID,
				FileKeyID:     meta.FileKeyID,
				AccessKey:     meta.AccessKey,
				UploadID:      meta.UploadID,
			},
		}); err != nil {
			log.Warn().Err(err).Str("upload", meta.UploadID).Msg("cleanup: error delivering failure callback")
		}
	}
}

func (m *Manager) deleteMetadata(ctx context.Context, meta *Metadata) error {
	return m.store.Delete(ctx, meta)
}

func normalizedClaim(meta *Metadata) string {
	if meta.ClaimedMimeType != "" {
		return mimetypes.Normalize(meta.ClaimedMimeType)
	}
	return mimetypes.OctetStream
}

// newUploadID returns 16 hex chars from 8 random bytes.
func newUploadID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "upload: could not generate id")
	}
	return hex.EncodeToString(b), nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
