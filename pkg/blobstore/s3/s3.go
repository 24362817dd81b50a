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

// Package s3 implements the blobstore on any S3-compatible service.
package s3

import (
	"context"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pailhq/pail/pkg/blobstore"
	"github.com/pkg/errors"
)

// Config holds the connection settings. The endpoint scheme decides
// whether TLS is used.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Blobstore provides access to an s3 compatible blobstore.
type Blobstore struct {
	client *minio.Client
	core   *minio.Core

	bucket string
}

// New returns a new Blobstore.
func New(conf *Config) (*Blobstore, error) {
	u, err := url.Parse(conf.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse s3 endpoint")
	}

	useSSL := u.Scheme != "http"
	client, err := minio.New(u.Host, &minio.Options{
		Region: conf.Region,
		Creds:  credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup s3 client")
	}

	return &Blobstore{
		client: client,
		core:   &minio.Core{Client: client},
		bucket: conf.Bucket,
	}, nil
}

// Put stores a complete object under the given key.
func (bs *Blobstore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := bs.client.PutObject(ctx, bs.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errors.Wrapf(err, "could not store object '%s' into bucket '%s'", key, bs.bucket)
	}
	return nil
}

// CreateMultipartUpload opens a multipart handle for key.
func (bs *Blobstore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	uploadID, err := bs.core.NewMultipartUpload(ctx, bs.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "could not create multipart upload for '%s' in bucket '%s'", key, bs.bucket)
	}
	return uploadID, nil
}

// UploadPart streams one part into an open multipart upload.
func (bs *Blobstore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	part, err := bs.core.PutObjectPart(ctx, bs.bucket, key, uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", wrapNotFound(err, errors.Wrapf(err, "could not upload part %d of '%s'", partNumber, key))
	}
	return part.ETag, nil
}

// CompleteMultipartUpload assembles the final object from its parts.
func (bs *Blobstore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []blobstore.Part) error {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}

	_, err := bs.core.CompleteMultipartUpload(ctx, bs.bucket, key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return wrapNotFound(err, errors.Wrapf(err, "could not complete multipart upload for '%s'", key))
	}
	return nil
}

// AbortMultipartUpload discards a multipart handle. Aborting an unknown
// handle is not an error.
func (bs *Blobstore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	err := bs.core.AbortMultipartUpload(ctx, bs.bucket, key, uploadID)
	if err != nil && !isNoSuch(err) {
		return errors.Wrapf(err, "could not abort multipart upload for '%s'", key)
	}
	return nil
}

// Get opens an object for reading, optionally restricted to a byte range.
func (bs *Blobstore) Get(ctx context.Context, key string, rng *blobstore.ByteRange) (*blobstore.Object, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(rng.Start, rng.End); err != nil {
			return nil, errors.Wrapf(err, "invalid range for object '%s'", key)
		}
	}

	obj, err := bs.client.GetObject(ctx, bs.bucket, key, opts)
	if err != nil {
		return nil, wrapNotFound(err, errors.Wrapf(err, "could not download object '%s' from bucket '%s'", key, bs.bucket))
	}

	// GetObject is lazy; Stat forces the request so missing keys surface
	// here instead of on the first read.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, wrapNotFound(err, errors.Wrapf(err, "could not stat object '%s' in bucket '%s'", key, bs.bucket))
	}

	return &blobstore.Object{
		Body:        obj,
		Size:        stat.Size,
		ETag:        stat.ETag,
		ContentType: stat.ContentType,
	}, nil
}

// Head describes an object without opening it.
func (bs *Blobstore) Head(ctx context.Context, key string) (*blobstore.ObjectInfo, error) {
	stat, err := bs.client.StatObject(ctx, bs.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, wrapNotFound(err, errors.Wrapf(err, "could not stat object '%s' in bucket '%s'", key, bs.bucket))
	}
	return &blobstore.ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		Uploaded:     stat.LastModified,
		ContentType:  stat.ContentType,
		UserMetadata: stat.UserMetadata,
	}, nil
}

// List pages through the keys under a prefix.
func (bs *Blobstore) List(ctx context.Context, prefix string, limit int, cursor string) (*blobstore.ListResult, error) {
	res, err := bs.core.ListObjectsV2(bs.bucket, prefix, "", cursor, "", limit)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list objects with prefix '%s' in bucket '%s'", prefix, bs.bucket)
	}

	out := &blobstore.ListResult{
		Objects:   make([]blobstore.ObjectInfo, 0, len(res.Contents)),
		Truncated: res.IsTruncated,
		Cursor:    res.NextContinuationToken,
	}
	for _, obj := range res.Contents {
		out.Objects = append(out.Objects, blobstore.ObjectInfo{
			Key:      obj.Key,
			Size:     obj.Size,
			ETag:     obj.ETag,
			Uploaded: obj.LastModified,
		})
	}
	return out, nil
}

// Delete removes an object. Missing keys are ignored.
func (bs *Blobstore) Delete(ctx context.Context, key string) error {
	err := bs.client.RemoveObject(ctx, bs.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuch(err) {
		return errors.Wrapf(err, "could not delete object '%s' from bucket '%s'", key, bs.bucket)
	}
	return nil
}

func isNoSuch(err error) bool {
	code := minio.ToErrorResponse(errors.Cause(err)).Code
	return code == "NoSuchKey" || code == "NoSuchUpload" || code == "NotFound"
}

func wrapNotFound(cause error, wrapped error) error {
	if isNoSuch(cause) {
		return blobstore.ErrNotFound
	}
	return wrapped
}
