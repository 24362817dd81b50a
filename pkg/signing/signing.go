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

// Package signing implements the download-link signature scheme: an
// HMAC-SHA-256 over the signed parameters in canonical form, hex encoded.
// Upload signatures use a derived key this gateway never holds and are
// verified by the control-plane instead.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Canonical returns the string that gets signed: the parameters as k=v
// pairs in lexicographic key order, joined by "&".
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

// Sign computes the hex-encoded HMAC-SHA-256 of the canonical form of
// params under secret.
func Sign(secret string, params map[string]string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches params under secret. The
// comparison is constant time.
func Verify(secret string, params map[string]string, signature string) bool {
	expected, err := hex.DecodeString(Sign(secret, params))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
