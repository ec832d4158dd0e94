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

// Package worker pulls tasks from the queue, takes the per-job lock, and
// drives one transcoder invocation per job: staging, execution, progress,
// terminal transition, webhook enqueue. Acknowledgment is late: a task is
// acked only after its outcome is durably recorded. Lock contention and
// retryable failures hand the task back with a delayed nack; a task that is
// neither acked nor nacked returns only through visibility-timeout expiry.
package worker

import (
	"context"
	stderrors "errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/internal/validation"
	"github.com/jordigilh/medianaut/pkg/job"
	"github.com/jordigilh/medianaut/pkg/jobstore"
	"github.com/jordigilh/medianaut/pkg/lock"
	"github.com/jordigilh/medianaut/pkg/metrics"
	"github.com/jordigilh/medianaut/pkg/queue"
	"github.com/jordigilh/medianaut/pkg/storage"
	"github.com/jordigilh/medianaut/pkg/transcoder"
)

// Store is the slice of the job store the runtime mutates.
type Store interface {
	LoadJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, workerID string, fence int64) (*job.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, fence int64, percent float64, stage string, fps float64, etaSeconds int) error
	TransitionTerminal(ctx context.Context, id uuid.UUID, fence int64, status job.Status, errDoc *job.ErrorDoc) (*job.Job, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	EnqueueDelivery(ctx context.Context, d *job.WebhookDelivery) error
	SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// TaskQueue is the slice of the queue the runtime consumes.
type TaskQueue interface {
	Lease(ctx context.Context) (*queue.Task, int64, error)
	Ack(ctx context.Context, token string) error
	Nack(ctx context.Context, token string, delay time.Duration) error
}

// Locker grants per-job write authority.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*lock.Lease, error)
	Renew(ctx context.Context, lease *lock.Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *lock.Lease) error
}

// Bus publishes progress events for SSE streamers.
type Bus interface {
	Publish(ctx context.Context, ev job.ProgressEvent) error
}

// Config fixes the runtime's tunables at startup.
type Config struct {
	WorkerID         string
	Concurrency      int
	LockTTL          time.Duration
	MaxAttempts      int
	RetryBackoffBase time.Duration
	ProgressInterval time.Duration
	Retention        time.Duration
	SweepInterval    time.Duration
	TempDir          string
	HardwareAccel    bool
	// IdlePollInterval paces lease polls on an empty queue.
	IdlePollInterval time.Duration
	// BusyBackoff delays redelivery when the per-job lock is held.
	BusyBackoff time.Duration
}

// Runtime is one worker process's execution fabric.
type Runtime struct {
	cfg     Config
	store   Store
	queue   TaskQueue
	locks   Locker
	bus     Bus
	router  *storage.Router
	invoker *transcoder.Invoker
	caps    *transcoder.Capabilities
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New assembles a runtime from injected collaborators.
func New(cfg Config, store Store, q TaskQueue, locks Locker, bus Bus, router *storage.Router, invoker *transcoder.Invoker, caps *transcoder.Capabilities, m *metrics.Metrics, logger *zap.Logger) *Runtime {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.IdlePollInterval == 0 {
		cfg.IdlePollInterval = time.Second
	}
	if cfg.BusyBackoff == 0 {
		cfg.BusyBackoff = 5 * time.Second
	}
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	return &Runtime{
		cfg:     cfg,
		store:   store,
		queue:   q,
		locks:   locks,
		bus:     bus,
		router:  router,
		invoker: invoker,
		caps:    caps,
		metrics: m,
		logger:  logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run drives the worker loops and the retention sweeper until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < r.cfg.Concurrency; i++ {
		group.Go(func() error {
			return r.loop(groupCtx)
		})
	}
	if r.cfg.SweepInterval > 0 {
		group.Go(func() error {
			return r.sweepLoop(groupCtx)
		})
	}
	return group.Wait()
}

func (r *Runtime) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, reaped, err := r.queue.Lease(ctx)
		if reaped > 0 {
			r.metrics.QueueRedeliver.Add(float64(reaped))
		}
		if stderrors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.IdlePollInterval):
			}
			continue
		}
		if err != nil {
			r.logger.Warn("queue lease failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.IdlePollInterval):
			}
			continue
		}

		r.ProcessTask(ctx, task)
	}
}

// ProcessTask executes one leased task to an ack or nack.
func (r *Runtime) ProcessTask(ctx context.Context, task *queue.Task) {
	logger := r.logger.With(zap.String("job_id", task.JobID.String()))

	lease, err := r.locks.Acquire(ctx, "job:"+task.JobID.String(), r.cfg.LockTTL)
	if stderrors.Is(err, lock.ErrBusy) {
		// Another worker is on it; let the queue hand it back later.
		r.metrics.LockAcquireFailures.Inc()
		if nackErr := r.queue.Nack(ctx, task.Token, r.cfg.BusyBackoff); nackErr != nil {
			logger.Warn("nack after busy lock failed", zap.Error(nackErr))
		}
		return
	}
	if err != nil {
		logger.Warn("lock acquire failed", zap.Error(err))
		_ = r.queue.Nack(ctx, task.Token, r.cfg.BusyBackoff)
		return
	}
	defer func() {
		if releaseErr := r.locks.Release(ctx, lease); releaseErr != nil && !stderrors.Is(releaseErr, lock.ErrNotHeld) {
			logger.Warn("lock release failed", zap.Error(releaseErr))
		}
	}()

	loaded, err := r.store.LoadJob(ctx, task.JobID)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		// Swept or never committed; absorb the delivery.
		_ = r.queue.Ack(ctx, task.Token)
		return
	}
	if err != nil {
		logger.Warn("job load failed", zap.Error(err))
		_ = r.queue.Nack(ctx, task.Token, r.cfg.BusyBackoff)
		return
	}
	if loaded.Status.Terminal() {
		// Duplicate delivery of a finished job is expected under
		// at-least-once semantics.
		_ = r.queue.Ack(ctx, task.Token)
		return
	}

	running, err := r.store.MarkProcessing(ctx, task.JobID, r.cfg.WorkerID, lease.Fence)
	if stderrors.Is(err, jobstore.ErrTerminal) || stderrors.Is(err, jobstore.ErrFenced) {
		_ = r.queue.Ack(ctx, task.Token)
		return
	}
	if err != nil {
		logger.Warn("processing transition failed", zap.Error(err))
		_ = r.queue.Nack(ctx, task.Token, r.cfg.BusyBackoff)
		return
	}

	r.metrics.JobsInFlight.Inc()
	defer r.metrics.JobsInFlight.Dec()

	start := time.Now()
	execErr := r.execute(ctx, running, lease)
	r.finish(ctx, running, lease, task, execErr, time.Since(start))
}

// finish maps the execution outcome onto terminal transitions, retries, and
// the ack/nack discipline.
func (r *Runtime) finish(ctx context.Context, j *job.Job, lease *lock.Lease, task *queue.Task, execErr error, elapsed time.Duration) {
	logger := r.logger.With(zap.String("job_id", j.ID.String()), zap.Int("attempt", j.Attempt))

	switch {
	case execErr == nil:
		r.terminal(ctx, j, lease, job.StatusCompleted, nil)
		r.metrics.JobsCompleted.WithLabelValues(string(job.StatusCompleted)).Inc()
		r.metrics.JobDuration.WithLabelValues(string(job.StatusCompleted)).Observe(elapsed.Seconds())
		_ = r.queue.Ack(ctx, task.Token)
		logger.Info("job completed", zap.Duration("elapsed", elapsed))

	case stderrors.Is(execErr, errCancelled):
		r.terminal(ctx, j, lease, job.StatusCancelled, nil)
		r.metrics.JobsCompleted.WithLabelValues(string(job.StatusCancelled)).Inc()
		_ = r.queue.Ack(ctx, task.Token)
		logger.Info("job cancelled during processing")

	case stderrors.Is(execErr, lock.ErrNotHeld) || errors.GetCode(execErr) == errors.CodeLockLost:
		// Safe abandonment: a newer holder owns the job now. No state
		// write, no ack; the visibility timeout re-delivers if needed.
		logger.Warn("lease lost mid-job, abandoning attempt")

	case errors.IsRetryable(execErr) && j.Attempt < r.cfg.MaxAttempts:
		delay := RetryDelay(r.cfg.RetryBackoffBase, j.Attempt)
		logger.Warn("attempt failed, retrying",
			zap.Error(execErr), zap.Duration("delay", delay))
		if err := r.queue.Nack(ctx, task.Token, delay); err != nil {
			logger.Warn("nack failed", zap.Error(err))
		}

	default:
		doc := sanitizedDoc(execErr)
		r.terminal(ctx, j, lease, job.StatusFailed, doc)
		r.metrics.JobsCompleted.WithLabelValues(string(job.StatusFailed)).Inc()
		r.metrics.JobDuration.WithLabelValues(string(job.StatusFailed)).Observe(elapsed.Seconds())
		_ = r.queue.Ack(ctx, task.Token)
		logger.Error("job failed permanently", zap.Error(execErr))
	}
}

// terminal writes the terminal state, publishes the last event, and
// enqueues the webhook notification.
func (r *Runtime) terminal(ctx context.Context, j *job.Job, lease *lock.Lease, status job.Status, doc *job.ErrorDoc) {
	final, err := r.store.TransitionTerminal(ctx, j.ID, lease.Fence, status, doc)
	if err != nil {
		r.logger.Error("terminal transition failed",
			zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}

	kind := job.TerminalEventKind(status)
	_ = r.bus.Publish(ctx, job.ProgressEvent{
		JobID:     j.ID,
		Kind:      kind,
		Timestamp: time.Now(),
		Percent:   final.Progress,
		Stage:     final.Stage,
		Error:     final.Error,
	})

	if final.WebhookURL != "" {
		payload, err := buildWebhookPayload(final, kind)
		if err != nil {
			r.logger.Error("webhook payload encoding failed", zap.Error(err))
			return
		}
		if err := r.store.EnqueueDelivery(ctx, &job.WebhookDelivery{
			JobID:         final.ID,
			Event:         kind,
			URL:           final.WebhookURL,
			NextAttemptAt: time.Now(),
			Payload:       payload,
		}); err != nil {
			r.logger.Error("webhook enqueue failed", zap.Error(err))
		}
	}
}

// errCancelled marks cooperative cancellation observed mid-execution.
var errCancelled = stderrors.New("worker: job cancelled")

// execute stages the input, invokes the transcoder, and uploads the output.
// The scoped temp directory is released on every exit path.
func (r *Runtime) execute(ctx context.Context, j *job.Job, lease *lock.Lease) (retErr error) {
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	// Renew the lease at TTL/3; on a lost lease the job context cancels
	// so every suspension point unwinds.
	renewDone := make(chan struct{})
	defer close(renewDone)
	var lockLost atomic.Bool
	go func() {
		ticker := time.NewTicker(r.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := r.locks.Renew(jobCtx, lease, r.cfg.LockTTL); err != nil {
					lockLost.Store(true)
					cancelJob()
					return
				}
			}
		}
	}()

	workDir, releaseDir, err := transcoder.NewScopedTempDir(r.cfg.TempDir)
	if err != nil {
		return err
	}
	defer releaseDir()

	reporter := newReporter(r, j, lease, cancelJob)

	// Stage the input into the scoped directory.
	reporter.stage(jobCtx, "download")
	localIn := filepath.Join(workDir, "input"+path.Ext(j.Input))
	if err := r.stageInput(jobCtx, j.Input, localIn); err != nil {
		return r.mapAbort(jobCtx, lockLost.Load(), reporter, err)
	}

	// Probe for the total duration driving the percentage.
	reporter.stage(jobCtx, "probe")
	info, err := r.invoker.Probe(jobCtx, localIn)
	if err != nil {
		return r.mapAbort(jobCtx, lockLost.Load(), reporter, err)
	}

	if analyzeOnly(j.Operations) {
		reporter.stage(jobCtx, "analyze")
		return nil
	}

	// Refuse incompatible streaming targets before spawning the child.
	if err := preValidateStreaming(j.Operations); err != nil {
		return err
	}

	localOut := filepath.Join(workDir, "output"+path.Ext(j.Output))
	plan, err := transcoder.BuildArgs(j.Operations, localIn, localOut, r.caps, r.cfg.HardwareAccel)
	if err != nil {
		return err
	}

	reporter.stage(jobCtx, "encode")
	runErr := r.invoker.Run(jobCtx, transcoder.Request{
		Args:                 plan.Args,
		TotalDurationSeconds: info.DurationSeconds,
		OnProgress: func(u transcoder.Update) {
			reporter.progress(jobCtx, u)
		},
	})
	if runErr != nil {
		outcome := "error"
		if errors.GetCode(runErr) == errors.CodeTranscoderTimeout {
			outcome = "timeout"
		}
		r.metrics.TranscoderInvocations.WithLabelValues(outcome).Inc()
		return r.mapAbort(jobCtx, lockLost.Load(), reporter, runErr)
	}
	r.metrics.TranscoderInvocations.WithLabelValues("ok").Inc()

	reporter.stage(jobCtx, "upload")
	if err := r.uploadOutput(jobCtx, localOut, j.Output); err != nil {
		return r.mapAbort(jobCtx, lockLost.Load(), reporter, err)
	}

	reporter.stage(jobCtx, "validate")
	if _, err := os.Stat(localOut); err != nil {
		return errors.NewTranscoderError(errors.CodeTranscoderCrash).
			WithDetails("transcoder exited cleanly but produced no output")
	}
	return nil
}

// mapAbort distinguishes cancellation and lock loss from ordinary failures
// once the job context has unwound.
func (r *Runtime) mapAbort(ctx context.Context, lockLost bool, rep *reporter, err error) error {
	if lockLost {
		return errors.NewLockLostError("job")
	}
	if rep.cancelled() {
		return errCancelled
	}
	if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		// Shutdown-driven cancellation: retryable, the next delivery
		// restarts the attempt.
		return errors.New(errors.ErrorTypeInternal, "worker shutting down").
			WithCode(errors.CodeInternal)
	}
	return err
}

func (r *Runtime) stageInput(ctx context.Context, locator, localPath string) error {
	backend, loc, err := r.router.Resolve(locator)
	if err != nil {
		return err
	}
	src, err := backend.OpenRead(ctx, loc)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return errors.NewStorageError(errors.CodeStorageUnavailable, "stage input", err)
	}
	defer dst.Close()

	_, err = storage.Transfer(ctx, dst, src)
	return err
}

func (r *Runtime) uploadOutput(ctx context.Context, localPath, locator string) error {
	backend, loc, err := r.router.Resolve(locator)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(errors.CodeStorageUnavailable, "open output", err)
	}
	defer src.Close()

	dst, err := backend.OpenWrite(ctx, loc)
	if err != nil {
		return err
	}
	if _, err := storage.Transfer(ctx, dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func (r *Runtime) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			swept, err := r.store.SweepExpired(ctx, time.Now(), r.cfg.Retention)
			if err != nil {
				r.logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				r.metrics.SweptJobs.Add(float64(swept))
				r.logger.Info("retention sweep reclaimed jobs", zap.Int64("jobs", swept))
			}
		}
	}
}

func analyzeOnly(ops job.Operations) bool {
	for _, op := range ops {
		if op.Type != job.OpAnalyze {
			return false
		}
	}
	return len(ops) > 0
}

// preValidateStreaming re-checks HLS/DASH codec compatibility right before
// invocation, mirroring the admission check against drifted stored state.
func preValidateStreaming(ops job.Operations) error {
	for _, op := range ops {
		if op.Type != job.OpStream {
			continue
		}
		format := strings.ToLower(op.StringParam("format"))
		if codec := op.StringParam("video_codec"); codec != "" {
			if err := validation.ValidateCodecContainer(format, codec); err != nil {
				return err
			}
		}
	}
	return nil
}

// sanitizedDoc converts an execution error into the public error document.
func sanitizedDoc(err error) *job.ErrorDoc {
	return &job.ErrorDoc{
		Kind:       string(errors.GetType(err)),
		Code:       errors.GetCode(err),
		Message:    errors.SafeErrorMessage(err),
		Suggestion: suggestionFor(errors.GetCode(err)),
	}
}

func suggestionFor(code string) string {
	switch code {
	case errors.CodeTranscoderInvalidMedia:
		return "verify the input file is a valid media file"
	case errors.CodeTranscoderTimeout:
		return "split the input or raise the job time limit"
	case errors.CodeStorageNotFound:
		return "verify the input locator exists"
	default:
		return ""
	}
}
