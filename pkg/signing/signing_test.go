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

package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalSortsKeys(t *testing.T) {
	c := Canonical(map[string]string{
		"expiresAt": "1700000000",
		"accessKey": "abc123",
	})
	assert.Equal(t, "accessKey=abc123&expiresAt=1700000000", c)
}

func TestCanonicalEmpty(t *testing.T) {
	assert.Equal(t, "", Canonical(nil))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	params := map[string]string{
		"accessKey": "abc123",
		"expiresAt": "1700000000",
	}
	sig := Sign("s3cret", params)
	assert.Len(t, sig, 64) // hex sha256
	assert.True(t, Verify("s3cret", params, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	params := map[string]string{
		"accessKey": "abc123",
		"expiresAt": "1700000000",
	}
	sig := Sign("s3cret", params)

	assert.False(t, Verify("other", params, sig), "wrong secret")

	params["expiresAt"] = "1800000000"
	assert.False(t, Verify("s3cret", params, sig), "changed parameter")
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	params := map[string]string{"accessKey": "abc123"}
	assert.False(t, Verify("s3cret", params, "not-hex!"))
	assert.False(t, Verify("s3cret", params, ""))
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("k", map[string]string{"b": "2", "a": "1"})
	b := Sign("k", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
}
