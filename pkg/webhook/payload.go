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

package webhook

import (
	"encoding/json"
	"time"

	"github.com/jordigilh/medianaut/pkg/job"
)

// Payload is the event body POSTed to webhook targets. The error member is
// the sanitized document; raw transcoder output never appears here.
type Payload struct {
	Event     job.EventKind `json:"event"`
	JobID     string        `json:"job_id"`
	Status    job.Status    `json:"status"`
	Progress  float64       `json:"progress"`
	Stage     string        `json:"stage,omitempty"`
	Error     *job.ErrorDoc `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// BuildPayload encodes the event body for a job snapshot.
func BuildPayload(j *job.Job, event job.EventKind) ([]byte, error) {
	return json.Marshal(Payload{
		Event:     event,
		JobID:     j.ID.String(),
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		Error:     j.Error,
		Timestamp: time.Now().UTC(),
	})
}
