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
	"encoding/base64"
	"sort"
	"strings"

	"github.com/pailhq/pail/pkg/errtypes"
)

// parseUploadMetadata decodes an Upload-Metadata header: comma-separated
// "key base64value" pairs. Keys must be non-empty ASCII without spaces
// or commas and must not repeat; a pair without a value decodes to the
// empty string.
func parseUploadMetadata(header string) (map[string]string, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}

	meta := map[string]string{}
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(pair)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, errtypes.InvalidRequest("malformed Upload-Metadata header")
		}

		key := fields[0]
		if !validMetadataKey(key) {
			return nil, errtypes.InvalidRequest("invalid Upload-Metadata key")
		}
		if _, ok := meta[key]; ok {
			return nil, errtypes.InvalidRequest("duplicate Upload-Metadata key " + key)
		}

		value := ""
		if len(fields) == 2 {
			decoded, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, errtypes.InvalidRequest("Upload-Metadata value for " + key + " is not valid base64")
			}
			value = string(decoded)
		}
		meta[key] = value
	}
	return meta, nil
}

// serializeUploadMetadata re-encodes stored metadata for the HEAD
// response. Values are sanitized of CR, LF and NUL before encoding.
func serializeUploadMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := sanitizeMetadataValue(meta[k])
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	}
	return strings.Join(pairs, ",")
}

func sanitizeMetadataValue(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', 0:
			return -1
		}
		return r
	}, v)
}

func validMetadataKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c > 126 || c < 33 || c == ',' {
			return false
		}
	}
	return true
}
