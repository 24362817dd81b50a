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

package errtypes

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
)

// wireError is the JSON error body: {"error": ..., "code": ..., "details": ...}.
type wireError struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// JSON renders the error body.
func (e *APIError) JSON() []byte {
	b, err := json.Marshal(&wireError{
		Error:   e.Message,
		Code:    e.Code,
		Details: e.Details,
	})
	if err != nil {
		return []byte(`{"error":"internal error","code":"internal_error"}`)
	}
	return b
}

// WriteError surfaces err on the response. Expected domain errors keep
// their code and status; anything else is logged and becomes a terse
// internal_error.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := AsAPIError(err)
	if !ok {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unexpected error")
		apiErr = Internal("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	if _, werr := w.Write(apiErr.JSON()); werr != nil {
		zerolog.Ctx(r.Context()).Err(werr).Msg("error writing to ResponseWriter")
	}
}
