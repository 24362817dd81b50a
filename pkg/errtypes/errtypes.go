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

// Package errtypes defines the expected domain errors of the gateway.
// Every error carries a stable wire code and an HTTP status so handlers
// can surface it as structured JSON without per-service mappings.
package errtypes

import (
	"fmt"

	"github.com/pkg/errors"
)

// Wire codes. They are part of the public API and must not change.
const (
	CodeInvalidTusVersion  = "invalid_tus_version"
	CodeInvalidContentType = "invalid_content_type"
	CodeInvalidRequest     = "invalid_request"
	CodeOffsetMismatch     = "offset_mismatch"
	CodeUploadNotFound     = "upload_not_found"
	CodeUploadExpired      = "upload_expired"
	CodeUploadTooLarge     = "upload_too_large"
	CodeFileNotFound       = "file_not_found"
	CodeSignatureInvalid   = "signature_invalid"
	CodeUnauthorized       = "unauthorized"
	CodeProjectNotFound    = "project_not_found"
	CodeMimeTypeMismatch   = "mime_type_mismatch"
	CodeInternal           = "internal_error"
)

// APIError is an expected domain error.
type APIError struct {
	Code    string
	Status  int
	Message string
	Details map[string]interface{}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InvalidTusVersion is returned when the client advertises an
// unsupported protocol version.
func InvalidTusVersion(got string) *APIError {
	return &APIError{
		Code:    CodeInvalidTusVersion,
		Status:  412,
		Message: fmt.Sprintf("unsupported protocol version %q", got),
	}
}

// InvalidContentType is returned when a request body carries the wrong
// Content-Type for the verb.
func InvalidContentType(got string) *APIError {
	return &APIError{
		Code:    CodeInvalidContentType,
		Status:  415,
		Message: fmt.Sprintf("unsupported content type %q", got),
	}
}

// InvalidRequest is returned for any malformed header, metadata or parameter.
func InvalidRequest(msg string) *APIError {
	return &APIError{
		Code:    CodeInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// OffsetMismatch is returned when a PATCH offset does not equal the
// stored offset.
func OffsetMismatch(expected, received int64) *APIError {
	return &APIError{
		Code:    CodeOffsetMismatch,
		Status:  409,
		Message: fmt.Sprintf("expected offset %d, got %d", expected, received),
		Details: map[string]interface{}{
			"expected": expected,
			"received": received,
		},
	}
}

// UploadNotFound is returned for an unknown upload id. Uploads owned by
// a different project are indistinguishable from unknown ones.
func UploadNotFound(id string) *APIError {
	return &APIError{
		Code:    CodeUploadNotFound,
		Status:  404,
		Message: fmt.Sprintf("upload %q not found", id),
	}
}

// UploadExpired is returned when the stored expiry of an upload is past.
func UploadExpired(id string) *APIError {
	return &APIError{
		Code:    CodeUploadExpired,
		Status:  410,
		Message: fmt.Sprintf("upload %q has expired", id),
	}
}

// UploadTooLarge is returned when the declared length exceeds the
// configured maximum.
func UploadTooLarge(size, max int64) *APIError {
	return &APIError{
		Code:    CodeUploadTooLarge,
		Status:  413,
		Message: fmt.Sprintf("upload of %d bytes exceeds the maximum of %d", size, max),
	}
}

// FileNotFound is returned when a download or metadata target is missing.
func FileNotFound(key string) *APIError {
	return &APIError{
		Code:    CodeFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file %q not found", key),
	}
}

// SignatureInvalid is returned when an upload or download signature fails
// verification, including expired download links.
func SignatureInvalid(msg string) *APIError {
	return &APIError{
		Code:    CodeSignatureInvalid,
		Status:  401,
		Message: msg,
	}
}

// Unauthorized is returned for missing or invalid credentials.
func Unauthorized(msg string) *APIError {
	return &APIError{
		Code:    CodeUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// Forbidden is returned for authenticated but cross-project access.
func Forbidden(msg string) *APIError {
	return &APIError{
		Code:    CodeUnauthorized,
		Status:  403,
		Message: msg,
	}
}

// ProjectNotFound is returned for an unknown or malformed project slug.
func ProjectNotFound(slug string) *APIError {
	return &APIError{
		Code:    CodeProjectNotFound,
		Status:  404,
		Message: fmt.Sprintf("project %q not found", slug),
	}
}

// MimeTypeMismatch is returned when the detected content type does not
// match the claimed one after normalization.
func MimeTypeMismatch(claimed, detected string) *APIError {
	return &APIError{
		Code:    CodeMimeTypeMismatch,
		Status:  400,
		Message: fmt.Sprintf("claimed mime type %q does not match detected %q", claimed, detected),
		Details: map[string]interface{}{
			"claimed":  claimed,
			"detected": detected,
		},
	}
}

// Internal is returned for unexpected errors. The message stays terse;
// details belong in the log, not on the wire.
func Internal(msg string) *APIError {
	return &APIError{
		Code:    CodeInternal,
		Status:  500,
		Message: msg,
	}
}

// AsAPIError unwraps err into an *APIError if its cause is one.
func AsAPIError(err error) (*APIError, bool) {
	e, ok := errors.Cause(err).(*APIError)
	return e, ok
}
