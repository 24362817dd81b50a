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

// Package controlplane is the client for the internal endpoints of the
// control-plane: signature verification, project and file-key lookups,
// and the upload/download callbacks. All calls authenticate with the
// shared callback secret and carry a per-operation timeout.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pailhq/pail/pkg/errtypes"
	"github.com/pkg/errors"
)

// Project is the read-through projection of a control-plane project.
type Project struct {
	ID                string `json:"id"`
	Slug              string `json:"slug,omitempty"`
	DefaultFileAccess string `json:"defaultFileAccess"`
}

// File describes the stored object of a completed upload.
type File struct {
	ID         string `json:"id"`
	Hash       string `json:"hash,omitempty"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	AdapterKey string `json:"adapterKey"`
}

// FileKey is the public handle of a file within a project.
type FileKey struct {
	ID            string `json:"id"`
	FileName      string `json:"fileName"`
	AccessKey     string `json:"accessKey"`
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	IsPublic      bool   `json:"isPublic"`
	File          *File  `json:"file,omitempty"`
}

// UploadPayload is the signature material for an upload grant. It is
// sent verbatim to the control-plane, which alone holds the derived
// signing key.
type UploadPayload struct {
	Type          string `json:"type"`
	EnvironmentID string `json:"environmentId"`
	FileKeyID     string `json:"fileKeyId"`
	AccessKey     string `json:"accessKey"`
	FileName      string `json:"fileName"`
	Size          int64  `json:"size"`
	KeyID         string `json:"keyId"`
	Hash          string `json:"hash,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	IsPublic      *bool  `json:"isPublic,omitempty"`
}

// VerifyResult is the control-plane's answer to a verify-signature call.
// On success it resolves the claims the signature attested.
type VerifyResult struct {
	Valid           bool   `json:"valid"`
	ProjectID       string `json:"projectId,omitempty"`
	EnvironmentID   string `json:"environmentId,omitempty"`
	FileKeyID       string `json:"fileKeyId,omitempty"`
	AccessKey       string `json:"accessKey,omitempty"`
	FileName        string `json:"fileName,omitempty"`
	Size            *int64 `json:"size,omitempty"`
	ClaimedHash     string `json:"claimedHash,omitempty"`
	ClaimedMimeType string `json:"claimedMimeType,omitempty"`
	IsPublic        *bool  `json:"isPublic,omitempty"`
	Error           string `json:"error,omitempty"`
}

// CallbackEvent notifies the control-plane about a finished upload.
type CallbackEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Callback event types.
const (
	EventUploadCompleted = "upload-completed"
	EventUploadFailed    = "upload-failed"
)

// DownloadEvent reports served bytes for analytics. Delivery is best
// effort.
type DownloadEvent struct {
	ProjectID     string `json:"projectId"`
	EnvironmentID string `json:"environmentId"`
	FileID        string `json:"fileId"`
	Bytes         int64  `json:"bytes"`
}

// Config holds the client settings.
type Config struct {
	URL            string `mapstructure:"url"`
	Secret         string `mapstructure:"secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (c *Config) ApplyDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 10
	}
}

// Client talks to the control-plane internal API.
type Client struct {
	baseURL string
	secret  string
	timeout time.Duration
	client  *http.Client
}

// New returns a control-plane client.
func New(conf *Config) (*Client, error) {
	conf.ApplyDefaults()
	if conf.URL == "" {
		return nil, errors.New("controlplane: missing url")
	}
	return &Client{
		baseURL: strings.TrimRight(conf.URL, "/"),
		secret:  conf.Secret,
		timeout: time.Duration(conf.TimeoutSeconds) * time.Second,
		client:  &http.Client{},
	}, nil
}

// VerifySignature asks the control-plane to verify an upload signature.
// The transport error, if any, is returned as-is; deciding that it means
// 401 is the caller's business.
func (c *Client) VerifySignature(ctx context.Context, keyID, signature string, payload *UploadPayload) (*VerifyResult, error) {
	body := struct {
		KeyID     string         `json:"keyId"`
		Signature string         `json:"signature"`
		Payload   *UploadPayload `json:"payload"`
	}{keyID, signature, payload}

	res := &VerifyResult{}
	if err := c.post(ctx, "/api/internal/verify-signature", body, res); err != nil {
		return nil, errors.Wrap(err, "controlplane: could not verify signature")
	}
	return res, nil
}

// Callback delivers an upload-completed or upload-failed event.
func (c *Client) Callback(ctx context.Context, event *CallbackEvent) error {
	if err := c.post(ctx, "/api/internal/callback", event, nil); err != nil {
		return errors.Wrapf(err, "controlplane: could not deliver %s callback", event.Type)
	}
	return nil
}

// LookupFileKey resolves an access key within a project. Transient
// failures are retried; a missing key returns errtypes.FileNotFound.
func (c *Client) LookupFileKey(ctx context.Context, accessKey, projectID string) (*FileKey, error) {
	body := struct {
		AccessKey string `json:"accessKey"`
		ProjectID string `json:"projectId"`
	}{accessKey, projectID}

	fk := &FileKey{}
	err := c.retry(ctx, func() error {
		err := c.post(ctx, "/api/internal/lookup-file-key", body, fk)
		if isNotFound(err) {
			return backoff.Permanent(errtypes.FileNotFound(accessKey))
		}
		return err
	})
	if err != nil {
		if _, ok := errtypes.AsAPIError(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, "controlplane: could not look up file key")
	}
	return fk, nil
}

// LookupProjectBySlug resolves a subdomain label to a project. Transient
// failures are retried; an unknown slug returns errtypes.ProjectNotFound.
func (c *Client) LookupProjectBySlug(ctx context.Context, slug string) (*Project, error) {
	body := struct {
		Slug string `json:"slug"`
	}{slug}

	p := &Project{}
	err := c.retry(ctx, func() error {
		err := c.post(ctx, "/api/internal/lookup-project-by-slug", body, p)
		if isNotFound(err) {
			return backoff.Permanent(errtypes.ProjectNotFound(slug))
		}
		return err
	})
	if err != nil {
		if _, ok := errtypes.AsAPIError(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, "controlplane: could not look up project")
	}
	return p, nil
}

// TrackDownload reports a served download. Callers fire it from a
// goroutine and drop the error after logging.
func (c *Client) TrackDownload(ctx context.Context, event *DownloadEvent) error {
	if err := c.post(ctx, "/api/internal/track-download", event, nil); err != nil {
		return errors.Wrap(err, "controlplane: could not track download")
	}
	return nil
}

// statusError carries a non-2xx response status.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	se, ok := errors.Cause(err).(*statusError)
	return ok && se.status == http.StatusNotFound
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "error encoding request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "error creating request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, body: string(msg)}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return errors.Wrap(err, "error decoding response body")
	}
	return nil
}

// retry runs op with a short exponential backoff bound to ctx. Only
// idempotent lookups go through here.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.timeout
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}
