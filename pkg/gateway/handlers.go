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
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/admission"
	"github.com/jordigilh/medianaut/pkg/gateway/middleware"
	"github.com/jordigilh/medianaut/pkg/job"
	"github.com/jordigilh/medianaut/pkg/jobstore"
)

// defaulter fills default operations for the endpoint variants sharing the
// submission pipeline.
type defaulter func(*admission.Request)

func defaultAnalyzeOperations(req *admission.Request) {
	if len(req.Operations) == 0 {
		req.Operations = []admission.OperationRequest{{Type: string(job.OpAnalyze)}}
	}
}

func defaultStreamOperations(req *admission.Request) {
	if len(req.Operations) == 0 {
		req.Operations = []admission.OperationRequest{{
			Type:   string(job.OpStream),
			Params: map[string]interface{}{"format": "hls"},
		}}
	}
}

func (s *Server) handleSubmit(applyDefaults defaulter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := middleware.KeyFromContext(r.Context())

		var req admission.Request
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, errors.NewValidationError("request body is not valid JSON").
				WithCode(errors.CodeInvalidInput))
			return
		}
		if applyDefaults != nil {
			applyDefaults(&req)
		}

		created, err := s.submitter.Submit(r.Context(), key, &req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, jobEnvelope{Job: newJobDocument(created)})
	}
}

// batchRequest submits one job per input sharing the remaining fields.
type batchRequest struct {
	Inputs []string          `json:"inputs"`
	Shared admission.Request `json:"job"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())

	var req batchRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errors.NewValidationError("request body is not valid JSON").
			WithCode(errors.CodeInvalidInput))
		return
	}
	if len(req.Inputs) == 0 || len(req.Inputs) > 50 {
		writeError(w, r, errors.NewValidationError("batch requires between 1 and 50 inputs").
			WithCode(errors.CodeInvalidInput))
		return
	}

	created := make([]jobDocument, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		one := req.Shared
		one.Input = input
		// A batch is not a transaction: earlier accepted jobs stay
		// accepted when a later input fails validation.
		j, err := s.submitter.Submit(r.Context(), key, &one)
		if err != nil {
			writeError(w, r, err)
			return
		}
		created = append(created, newJobDocument(j))
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"jobs": created})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	key := middleware.KeyFromContext(r.Context())

	opts := jobstore.ListOptions{Sort: r.URL.Query().Get("sort")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := job.Status(raw)
		if !status.Valid() {
			writeError(w, r, errors.NewValidationError("unknown status filter").
				WithCode(errors.CodeInvalidInput))
			return
		}
		opts.Status = status
	}
	opts.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	opts.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if opts.PerPage > 100 {
		opts.PerPage = 100
	}

	jobs, total, err := s.store.ListJobs(r.Context(), key.ID, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}

	docs := make([]jobDocument, 0, len(jobs))
	for _, j := range jobs {
		docs = append(docs, newJobDocument(j))
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 100
	}
	writeJSON(w, http.StatusOK, listEnvelope{
		Jobs:    docs,
		Page:    opts.Page,
		PerPage: opts.PerPage,
		Total:   total,
	})
}

// loadOwnedJob fetches the job and enforces owner scoping; foreign jobs are
// indistinguishable from absent ones.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) *job.Job {
	key := middleware.KeyFromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, errors.NewNotFoundError("job"))
		return nil
	}

	j, err := s.store.LoadJob(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	if j.OwnerID != key.ID {
		writeError(w, r, errors.NewNotFoundError("job"))
		return nil
	}
	return j
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j := s.loadOwnedJob(w, r)
	if j == nil {
		return
	}
	writeJSON(w, http.StatusOK, jobEnvelope{Job: newJobDocument(j)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j := s.loadOwnedJob(w, r)
	if j == nil {
		return
	}

	switch j.Status {
	case job.StatusCompleted, job.StatusFailed:
		// Finished work cannot be cancelled.
		writeError(w, r, errors.New(errors.ErrorTypeConflict, "job already finished"))
		return

	case job.StatusCancelled:
		// Idempotent repeat: identical response, no state change.
		writeJSON(w, http.StatusOK, jobEnvelope{Job: newJobDocument(j)})
		return

	case job.StatusQueued:
		cancelled, err := s.store.CancelIfPending(r.Context(), j.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if cancelled {
			_ = s.bus.Publish(r.Context(), job.ProgressEvent{
				JobID:     j.ID,
				Kind:      job.EventCancelled,
				Timestamp: time.Now(),
				Percent:   j.Progress,
			})
			s.metrics.JobsCompleted.WithLabelValues(string(job.StatusCancelled)).Inc()
		}

	case job.StatusProcessing:
		// Cooperative: flag the job; the worker signals the transcoder
		// at its next debounce point.
		if _, err := s.store.RequestCancel(r.Context(), j.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	fresh, err := s.store.LoadJob(r.Context(), j.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobEnvelope{Job: newJobDocument(fresh)})
}

// componentHealth is one entry of the aggregated health document.
type componentHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]componentHealth{}
	healthy := true

	check := func(name string, err error) {
		entry := componentHealth{Healthy: err == nil}
		if err != nil {
			healthy = false
			entry.Detail = errors.SafeErrorMessage(err)
			s.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
		}
		components[name] = entry
	}

	check("store", s.store.Ping(ctx))
	check("queue", s.queue.Ping(ctx))
	check("progress_bus", s.bus.Ping(ctx))
	for _, backend := range s.router.Backends() {
		check("storage_"+backend.Scheme(), backend.Ping(ctx))
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		check("stats", err)
		stats = nil
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":    healthy,
		"components": components,
		"jobs":       stats,
	})
}
