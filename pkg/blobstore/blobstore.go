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

// Package blobstore defines the capabilities the gateway needs from an
// object store: single-shot puts, multipart uploads, ranged reads and
// prefix listing. The s3 subpackage implements them on any
// S3-compatible service.
package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key or multipart handle does not exist.
var ErrNotFound = errors.New("blobstore: not found")

// IsNotFound reports whether err means a missing key or upload handle.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// Part identifies one uploaded part of a multipart upload. Part numbers
// are 1-based and dense.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// ByteRange selects an inclusive slice of an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Object is an open blob. The caller owns Body and must close it.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ETag        string
	ContentType string
}

// ObjectInfo describes a stored blob without opening it.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag"`
	Uploaded     time.Time         `json:"uploaded"`
	ContentType  string            `json:"contentType,omitempty"`
	UserMetadata map[string]string `json:"customMetadata,omitempty"`
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Objects   []ObjectInfo `json:"objects"`
	Truncated bool         `json:"truncated"`
	Cursor    string       `json:"cursor,omitempty"`
}

// Store is an S3-shaped blob store.
type Store interface {
	// Put stores a complete object in one shot.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// CreateMultipartUpload opens a multipart handle for key.
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	// UploadPart streams one part and returns its etag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (etag string, err error)
	// CompleteMultipartUpload assembles the object from parts, which must
	// be sorted by part number.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	// AbortMultipartUpload discards a multipart handle and its parts.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	// Get opens an object, optionally restricted to a byte range.
	Get(ctx context.Context, key string, rng *ByteRange) (*Object, error)
	// Head describes an object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// List pages through keys under a prefix.
	List(ctx context.Context, prefix string, limit int, cursor string) (*ListResult, error)
	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
