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
	"fmt"
	"net/http"
	"time"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/job"
)

// handleEvents streams progress and the terminal event over Server-Sent
// Events. Last-Event-ID resumes from the replay ring without skipping or
// duplicating the boundary event. Disconnecting cancels only this
// subscription, never the job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	j := s.loadOwnedJob(w, r)
	if j == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.New(errors.ErrorTypeInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastEventID := r.Header.Get("Last-Event-ID")

	// A job that finished before any subscriber arrived may have an
	// expired stream; synthesize the terminal event from the store.
	if j.Status.Terminal() && lastEventID == "" {
		writeSSE(w, flusher, job.ProgressEvent{
			JobID:     j.ID,
			Kind:      job.TerminalEventKind(j.Status),
			Timestamp: j.UpdatedAt,
			Percent:   j.Progress,
			Stage:     j.Stage,
			Error:     j.Error,
		})
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	events := s.bus.Subscribe(r.Context(), j.ID, lastEventID)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment frames keep intermediaries from closing the
			// connection during quiet stretches.
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Kind == job.EventCompleted || ev.Kind == job.EventFailed || ev.Kind == job.EventCancelled {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev job.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if ev.Seq != "" {
		fmt.Fprintf(w, "id: %s\n", ev.Seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	flusher.Flush()
}
