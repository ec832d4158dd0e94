/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/gateway/middleware"
	"github.com/jordigilh/medianaut/pkg/job"
)

// jobLinks are the navigational links returned with every job document.
type jobLinks struct {
	Self   string `json:"self"`
	Events string `json:"events"`
	Cancel string `json:"cancel"`
}

// jobDocument is the public job representation.
type jobDocument struct {
	*job.Job
	Links jobLinks `json:"links"`
}

func newJobDocument(j *job.Job) jobDocument {
	base := "/api/v1/jobs/" + j.ID.String()
	return jobDocument{
		Job: j,
		Links: jobLinks{
			Self:   base,
			Events: base + "/events",
			Cancel: base,
		},
	}
}

type jobEnvelope struct {
	Job jobDocument `json:"job"`
}

type listEnvelope struct {
	Jobs    []jobDocument `json:"jobs"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Total   int           `json:"total"`
}

type errorBody struct {
	Kind       string `json:"kind"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the sanitized error body with the correlation id.
// 429 responses carry the error's advised Retry-After.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var suggestion string
	if e, ok := err.(*errors.AppError); ok {
		suggestion = e.Suggestion
	}

	if retryAfter := errors.GetRetryAfter(err); retryAfter > 0 {
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	writeJSON(w, errors.GetStatusCode(err), errorEnvelope{Error: errorBody{
		Kind:       string(errors.GetType(err)),
		Code:       errors.GetCode(err),
		Message:    errors.SafeErrorMessage(err),
		Suggestion: suggestion,
		RequestID:  middleware.GetRequestID(r.Context()),
	}})
}
