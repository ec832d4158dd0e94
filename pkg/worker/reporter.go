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

package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/pkg/job"
	"github.com/jordigilh/medianaut/pkg/lock"
	"github.com/jordigilh/medianaut/pkg/transcoder"
	"github.com/jordigilh/medianaut/pkg/webhook"
)

// reporter debounces progress into the store and the bus. Store writes
// happen at most once per interval or on a stage change; every write is a
// cancellation checkpoint.
type reporter struct {
	runtime   *Runtime
	job       *job.Job
	lease     *lock.Lease
	cancelJob context.CancelFunc

	lastWrite   time.Time
	lastPercent float64
	stageName   string
	wasCancel   atomic.Bool
}

func newReporter(r *Runtime, j *job.Job, lease *lock.Lease, cancelJob context.CancelFunc) *reporter {
	return &reporter{
		runtime:   r,
		job:       j,
		lease:     lease,
		cancelJob: cancelJob,
	}
}

func (rep *reporter) cancelled() bool {
	return rep.wasCancel.Load()
}

// stage records a stage change immediately, bypassing the debounce.
func (rep *reporter) stage(ctx context.Context, stage string) {
	rep.stageName = stage
	rep.write(ctx, rep.lastPercent, 0, 0, true)
}

// progress records a transcoder update subject to the debounce interval.
func (rep *reporter) progress(ctx context.Context, u transcoder.Update) {
	percent := u.Percent
	if percent < rep.lastPercent {
		percent = rep.lastPercent
	}
	rep.write(ctx, percent, u.FPS, u.ETASeconds, false)
}

func (rep *reporter) write(ctx context.Context, percent, fps float64, etaSeconds int, force bool) {
	now := time.Now()
	if !force && now.Sub(rep.lastWrite) < rep.runtime.cfg.ProgressInterval {
		return
	}
	rep.lastWrite = now
	rep.lastPercent = percent

	// Debounce points double as cancellation checkpoints.
	if requested, err := rep.runtime.store.CancelRequested(ctx, rep.job.ID); err == nil && requested {
		rep.wasCancel.Store(true)
		rep.cancelJob()
		return
	}

	if err := rep.runtime.store.UpdateProgress(ctx, rep.job.ID, rep.lease.Fence,
		percent, rep.stageName, fps, etaSeconds); err != nil {
		rep.runtime.logger.Debug("progress write skipped",
			zap.String("job_id", rep.job.ID.String()), zap.Error(err))
	}

	ev := job.ProgressEvent{
		JobID:      rep.job.ID,
		Kind:       job.EventProgress,
		Timestamp:  now,
		Percent:    percent,
		Stage:      rep.stageName,
		FPS:        fps,
		ETASeconds: etaSeconds,
	}
	if force {
		ev.Kind = job.EventStage
	}
	_ = rep.runtime.bus.Publish(ctx, ev)

	// Optional per-job progress webhooks are emitted on stage changes
	// only, keeping delivery volume bounded.
	if force && rep.job.ProgressWebhook && rep.job.WebhookURL != "" {
		snapshot := *rep.job
		snapshot.Progress = percent
		snapshot.Stage = rep.stageName
		snapshot.Status = job.StatusProcessing
		if payload, err := webhook.BuildPayload(&snapshot, job.EventProgress); err == nil {
			_ = rep.runtime.store.EnqueueDelivery(ctx, &job.WebhookDelivery{
				JobID:         rep.job.ID,
				Event:         job.EventProgress,
				URL:           rep.job.WebhookURL,
				NextAttemptAt: now,
				Payload:       payload,
			})
		}
	}
}

// buildWebhookPayload encodes the terminal notification body.
func buildWebhookPayload(j *job.Job, kind job.EventKind) ([]byte, error) {
	return webhook.BuildPayload(j, kind)
}
