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

// Package mimetypes detects content types by magic bytes and compares
// them against client claims. Comparison goes through a normalization
// table because the same format travels under several registered and
// legacy names (image/jpg, audio/x-wav, application/x-zip-compressed).
package mimetypes

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// OctetStream is the fallback for unrecognized content.
const OctetStream = "application/octet-stream"

// aliases maps legacy or vendor spellings to a canonical type. The
// table is its own fixed point: no value appears as a key.
var aliases = map[string]string{
	"image/jpg":                    "image/jpeg",
	"image/pjpeg":                  "image/jpeg",
	"video/x-matroska":             "video/matroska",
	"application/x-zip-compressed": "application/zip",
	"application/x-gzip":           "application/gzip",
	"application/x-rar-compressed": "application/x-rar",
	"audio/x-wav":                  "audio/wav",
	"audio/wave":                   "audio/wav",
	"audio/x-m4a":                  "audio/mp4",
	"audio/mp3":                    "audio/mpeg",
	"application/font-woff":        "font/woff",
	"application/font-woff2":       "font/woff2",
	"application/x-font-ttf":       "font/ttf",
	"application/x-font-otf":       "font/otf",
	"text/xml":                     "application/xml",
}

// Detect returns the MIME type of the given header window, or
// OctetStream when the content matches no known magic. 8 KiB of header
// is enough for every magic the detector knows.
func Detect(header []byte) string {
	if len(header) == 0 {
		return OctetStream
	}
	return mimetype.Detect(header).String()
}

// Normalize lower-cases t, strips any parameters (charset and the
// like) and resolves known aliases to their canonical name.
func Normalize(t string) string {
	t = strings.TrimSpace(strings.ToLower(t))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if canonical, ok := aliases[t]; ok {
		return canonical
	}
	return t
}

// Equivalent reports whether two MIME types name the same format after
// normalization.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
