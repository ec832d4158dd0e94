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

// Package admission normalizes and validates submissions, then creates the
// job and checks the owner's quota in one transaction. Checks run in a
// fixed order and the first failure is fatal; no partially accepted
// submissions exist.
package admission

import (
	"context"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/internal/validation"
	"github.com/jordigilh/medianaut/pkg/auth"
	"github.com/jordigilh/medianaut/pkg/job"
	"github.com/jordigilh/medianaut/pkg/jobstore"
	"github.com/jordigilh/medianaut/pkg/metrics"
	"github.com/jordigilh/medianaut/pkg/queue"
	"github.com/jordigilh/medianaut/pkg/storage"
)

// OperationRequest is one submitted pipeline step.
type OperationRequest struct {
	Type   string                 `json:"type" validate:"required"`
	Params map[string]interface{} `json:"params"`
}

// Request is the submission schema shared by the convert, analyze, stream,
// and batch endpoints.
type Request struct {
	Input           string             `json:"input" validate:"required"`
	Output          string             `json:"output" validate:"required"`
	Operations      []OperationRequest `json:"operations" validate:"required,min=1,dive"`
	Options         map[string]string  `json:"options"`
	Priority        string             `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	WebhookURL      string             `json:"webhook_url"`
	ProgressWebhook bool               `json:"progress_webhook"`
	IdempotencyKey  string             `json:"idempotency_key" validate:"omitempty,max=128"`
}

// URLValidator is the SSRF screen applied to webhook targets.
type URLValidator interface {
	ValidateURL(ctx context.Context, raw string) error
}

// Limits are the admission ceilings, fixed at startup.
type Limits struct {
	MaxInputBytes int64
	MaxBitrateBPS int64
	MaxWidth      int
	MaxHeight     int
}

// Submitter is the admission pipeline.
type Submitter struct {
	store    *jobstore.Store
	queue    *queue.Queue
	router   *storage.Router
	guard    URLValidator
	limits   Limits
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewSubmitter wires the admission pipeline.
func NewSubmitter(store *jobstore.Store, q *queue.Queue, router *storage.Router, guard URLValidator, limits Limits, m *metrics.Metrics, logger *zap.Logger) *Submitter {
	return &Submitter{
		store:    store,
		queue:    q,
		router:   router,
		guard:    guard,
		limits:   limits,
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
	}
}

// Submit runs the fixed validation order, persists the job with the quota
// check, and enqueues it after the transaction commits.
func (s *Submitter) Submit(ctx context.Context, owner *auth.Key, req *Request) (*job.Job, error) {
	sub, err := s.admit(ctx, req)
	if err != nil {
		s.metrics.AdmissionDenied.WithLabelValues(errors.GetCode(err)).Inc()
		return nil, err
	}

	created, err := s.store.CreateJobWithQuota(ctx, *sub, owner.ID, owner.Quota)
	if err != nil {
		s.metrics.AdmissionDenied.WithLabelValues(errors.GetCode(err)).Inc()
		return nil, err
	}

	// The transaction has committed; queue placement follows. A failed
	// enqueue leaves a durable queued job that the next sweep of the
	// queue reconciler re-enqueues, so the error is logged, not returned.
	if err := s.queue.Enqueue(ctx, created.ID, created.Priority.Weight()); err != nil {
		s.logger.Error("job persisted but enqueue failed",
			zap.String("job_id", created.ID.String()), zap.Error(err))
	}

	s.metrics.JobsSubmitted.WithLabelValues(string(created.Priority)).Inc()
	return created, nil
}

// admit performs steps 1-5; step 6 (quota) happens inside the store
// transaction.
func (s *Submitter) admit(ctx context.Context, req *Request) (*job.Submission, error) {
	// 1. Structural validation and the closed operation set.
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("submission is malformed").
			WithCode(errors.CodeInvalidInput).
			WithDetails(err.Error())
	}

	ops := make(job.Operations, 0, len(req.Operations))
	for _, op := range req.Operations {
		opType := job.OperationType(op.Type)
		if !opType.Valid() {
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown operation %q", op.Type).
				WithCode(errors.CodeInvalidOperation)
		}
		ops = append(ops, job.Operation{Type: opType, Params: op.Params})
	}

	// 2. Paths: canonicalize before every predicate; both locators are
	// scoped here, not at worker write time.
	inputBackend, inputLoc, err := s.router.Resolve(req.Input)
	if err != nil {
		return nil, err
	}
	if err := inputBackend.Validate(inputLoc); err != nil {
		return nil, err
	}
	if err := s.validateLocator(inputLoc); err != nil {
		return nil, err
	}

	output, container, err := s.normalizeOutput(req.Input, req.Output)
	if err != nil {
		return nil, err
	}

	// 3. Input size ceiling from the backend's stat.
	info, err := inputBackend.Stat(ctx, inputLoc)
	if err != nil {
		return nil, err
	}
	if info.Size > s.limits.MaxInputBytes {
		return nil, errors.Newf(errors.ErrorTypeValidation, "input size %d exceeds the %d byte ceiling",
			info.Size, s.limits.MaxInputBytes).WithCode(errors.CodeInputTooLarge)
	}

	// 4. Codec/container compatibility and plan ceilings.
	if err := s.validateOperations(ops, container); err != nil {
		return nil, err
	}

	// 5. Webhook SSRF screen.
	if req.WebhookURL != "" {
		if err := s.guard.ValidateURL(ctx, req.WebhookURL); err != nil {
			return nil, err
		}
	}

	priority := job.Priority(req.Priority)
	if req.Priority == "" {
		priority = job.PriorityNormal
	}

	return &job.Submission{
		Operations:      ops,
		Input:           req.Input,
		Output:          output,
		Options:         req.Options,
		Priority:        priority,
		WebhookURL:      req.WebhookURL,
		ProgressWebhook: req.ProgressWebhook,
		IdempotencyKey:  req.IdempotencyKey,
	}, nil
}

func (s *Submitter) validateLocator(loc *storage.Locator) error {
	name := loc.Key
	if loc.Scheme == "file" {
		canonical, err := validation.CanonicalizeLocalPath(loc.Path)
		if err != nil {
			return err
		}
		name = path.Base(canonical)
	} else {
		name = path.Base(name)
	}
	return validation.ValidateFilename(name)
}

// normalizeOutput accepts either a full locator or a bare container token
// ("mp4"), deriving the output next to the input in the latter case.
// Returns the locator and the output container format.
func (s *Submitter) normalizeOutput(input, output string) (string, string, error) {
	if !strings.Contains(output, "://") {
		if !validation.KnownContainer(output) {
			return "", "", errors.Newf(errors.ErrorTypeValidation, "unsupported output format %q", output).
				WithCode(errors.CodeCodecContainerMismatch)
		}
		base := strings.TrimSuffix(input, path.Ext(input))
		return base + "." + strings.ToLower(output), strings.ToLower(output), nil
	}

	backend, loc, err := s.router.Resolve(output)
	if err != nil {
		return "", "", err
	}
	if err := backend.Validate(loc); err != nil {
		return "", "", err
	}
	if err := s.validateLocator(loc); err != nil {
		return "", "", err
	}
	container := strings.TrimPrefix(path.Ext(output), ".")
	if container == "" || !validation.KnownContainer(container) {
		return "", "", errors.Newf(errors.ErrorTypeValidation, "cannot determine a supported container from %q", output).
			WithCode(errors.CodeCodecContainerMismatch)
	}
	return output, strings.ToLower(container), nil
}

func (s *Submitter) validateOperations(ops job.Operations, container string) error {
	for _, op := range ops {
		switch op.Type {
		case job.OpTranscode:
			for _, key := range []string{"video_codec", "audio_codec"} {
				if codec := op.StringParam(key); codec != "" {
					if err := validation.ValidateCodecContainer(container, codec); err != nil {
						return err
					}
				}
			}
			for _, key := range []string{"video_bitrate", "audio_bitrate"} {
				if bitrate := op.StringParam(key); bitrate != "" {
					bps, err := validation.ParseBitrate(bitrate)
					if err != nil {
						return err
					}
					if bps > s.limits.MaxBitrateBPS {
						return errors.Newf(errors.ErrorTypeValidation, "bitrate %q exceeds the plan ceiling", bitrate).
							WithCode(errors.CodeLimitExceeded)
					}
				}
			}
			if resolution := op.StringParam("resolution"); resolution != "" {
				width, height, err := parseResolution(resolution)
				if err != nil {
					return err
				}
				if err := validation.ValidateResolution(width, height, s.limits.MaxWidth, s.limits.MaxHeight); err != nil {
					return err
				}
			}

		case job.OpStream:
			format := strings.ToLower(op.StringParam("format"))
			if format != "hls" && format != "dash" {
				return errors.Newf(errors.ErrorTypeValidation, "unknown streaming format %q", format).
					WithCode(errors.CodeInvalidOperation)
			}
			if codec := op.StringParam("video_codec"); codec != "" {
				if err := validation.ValidateCodecContainer(format, codec); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func parseResolution(raw string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(raw), "x")
	if !ok {
		return 0, 0, errors.Newf(errors.ErrorTypeValidation, "resolution %q must look like 1920x1080", raw).
			WithCode(errors.CodeLimitExceeded)
	}
	width, err1 := atoiStrict(w)
	height, err2 := atoiStrict(h)
	if err1 != nil || err2 != nil {
		return 0, 0, errors.Newf(errors.ErrorTypeValidation, "resolution %q must look like 1920x1080", raw).
			WithCode(errors.CodeLimitExceeded)
	}
	return width, height, nil
}

func atoiStrict(s string) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.NewValidationError("not a number")
		}
		n = n*10 + int(r-'0')
		if n > 1<<24 {
			return 0, errors.NewValidationError("number too large")
		}
	}
	if s == "" {
		return 0, errors.NewValidationError("empty number")
	}
	return n, nil
}
