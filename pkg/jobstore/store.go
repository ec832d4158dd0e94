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

// Package jobstore is the durable record of every job. It is the single
// source of truth: workers hold no job state that survives their death.
// All mutating writes from workers carry the fencing token handed out with
// the job's lock; writes from a stale holder do not land.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/job"
)

var (
	// ErrFenced means the write carried a stale fencing token.
	ErrFenced = stderrors.New("jobstore: write fenced out by a newer holder")
	// ErrTerminal means the job already reached an immutable terminal state.
	ErrTerminal = stderrors.New("jobstore: job is terminal")
)

// Store persists jobs and webhook deliveries in Postgres.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a store over the given connection pool.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// jobRow mirrors the jobs table. Options and the error document are
// flattened columns and converted at the edge.
type jobRow struct {
	ID              uuid.UUID      `db:"id"`
	OwnerID         string         `db:"owner_id"`
	Operations      job.Operations `db:"operations"`
	Input           string         `db:"input"`
	Output          string         `db:"output"`
	Options         []byte         `db:"options"`
	Priority        string         `db:"priority"`
	WebhookURL      string         `db:"webhook_url"`
	ProgressWebhook bool           `db:"progress_webhook"`
	IdempotencyKey  string         `db:"idempotency_key"`
	Status          string         `db:"status"`
	Progress        float64        `db:"progress"`
	Stage           string         `db:"stage"`
	FPS             float64        `db:"fps"`
	ETASeconds      int            `db:"eta_seconds"`
	ErrorKind       string         `db:"error_kind"`
	ErrorCode       string         `db:"error_code"`
	ErrorMessage    string         `db:"error_message"`
	ErrorSuggestion string         `db:"error_suggestion"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       *time.Time     `db:"started_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	FinishedAt      *time.Time     `db:"finished_at"`
	Attempt         int            `db:"attempt"`
	WorkerID        string         `db:"worker_id"`
	FenceToken      int64          `db:"fence_token"`
	CancelRequested bool           `db:"cancel_requested"`
}

const jobColumns = `id, owner_id, operations, input, output, options, priority, webhook_url, progress_webhook, idempotency_key, status, progress, stage, fps, eta_seconds, error_kind, error_code, error_message, error_suggestion, created_at, started_at, updated_at, finished_at, attempt, worker_id, fence_token, cancel_requested`

func (r *jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Operations:      r.Operations,
		Input:           r.Input,
		Output:          r.Output,
		Priority:        job.Priority(r.Priority),
		WebhookURL:      r.WebhookURL,
		ProgressWebhook: r.ProgressWebhook,
		IdempotencyKey:  r.IdempotencyKey,
		Status:          job.Status(r.Status),
		Progress:        r.Progress,
		Stage:           r.Stage,
		FPS:             r.FPS,
		ETASeconds:      r.ETASeconds,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		UpdatedAt:       r.UpdatedAt,
		FinishedAt:      r.FinishedAt,
		Attempt:         r.Attempt,
		WorkerID:        r.WorkerID,
		FenceToken:      r.FenceToken,
		CancelRequested: r.CancelRequested,
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &j.Options); err != nil {
			return nil, fmt.Errorf("decoding options: %w", err)
		}
	}
	if r.ErrorCode != "" {
		j.Error = &job.ErrorDoc{
			Kind:       r.ErrorKind,
			Code:       r.ErrorCode,
			Message:    r.ErrorMessage,
			Suggestion: r.ErrorSuggestion,
		}
	}
	return j, nil
}

// CreateJobWithQuota creates the job and checks the owner's in-flight
// ceiling inside one transaction. The advisory lock serializes concurrent
// admissions for the same owner so the count-then-insert cannot race. The
// job id is generated inside the transaction.
func (s *Store) CreateJobWithQuota(ctx context.Context, sub job.Submission, owner string, quota int) (*job.Job, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, errors.NewDatabaseError("begin create job", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, owner); err != nil {
		return nil, errors.NewDatabaseError("owner admission lock", err)
	}

	if sub.IdempotencyKey != "" {
		var row jobRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND idempotency_key = $2`,
			owner, sub.IdempotencyKey)
		if err == nil {
			// Replayed submission: hand back the original job.
			return row.toJob()
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewDatabaseError("idempotency lookup", err)
		}
	}

	var inFlight int
	err = tx.GetContext(ctx, &inFlight,
		`SELECT count(*) FROM jobs WHERE owner_id = $1 AND status IN ('queued', 'processing')`,
		owner)
	if err != nil {
		return nil, errors.NewDatabaseError("in-flight count", err)
	}
	if inFlight >= quota {
		return nil, errors.NewQuotaExceededError(quota)
	}

	options, err := json.Marshal(sub.Options)
	if err != nil {
		return nil, errors.NewDatabaseError("encoding options", err)
	}
	if sub.Options == nil {
		options = []byte("{}")
	}

	id := uuid.New()
	var row jobRow
	err = tx.GetContext(ctx, &row, `
		INSERT INTO jobs (id, owner_id, operations, input, output, options,
			priority, webhook_url, progress_webhook, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'queued')
		RETURNING `+jobColumns,
		id, owner, sub.Operations, sub.Input, sub.Output, options,
		string(sub.Priority), sub.WebhookURL, sub.ProgressWebhook, sub.IdempotencyKey)
	if err != nil {
		return nil, errors.NewDatabaseError("insert job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewDatabaseError("commit create job", err)
	}
	return row.toJob()
}

// LoadJob fetches one job by id.
func (s *Store) LoadJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job")
	}
	if err != nil {
		return nil, errors.NewDatabaseError("load job", err)
	}
	return row.toJob()
}

// ListOptions filters and pages the owner-scoped listing.
type ListOptions struct {
	Status  job.Status
	Page    int
	PerPage int
	Sort    string
}

var listSortColumns = map[string]string{
	"created_at":  "created_at ASC",
	"-created_at": "created_at DESC",
	"priority":    "priority ASC, created_at DESC",
}

// ListJobs returns one page of the owner's jobs plus the total count.
func (s *Store) ListJobs(ctx context.Context, owner string, opts ListOptions) ([]*job.Job, int, error) {
	if opts.PerPage <= 0 || opts.PerPage > 100 {
		opts.PerPage = 100
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}
	order, ok := listSortColumns[opts.Sort]
	if !ok {
		order = "created_at DESC"
	}

	where := "owner_id = $1"
	args := []interface{}{owner}
	if opts.Status != "" {
		where += " AND status = $2"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM jobs WHERE `+where, args...); err != nil {
		return nil, 0, errors.NewDatabaseError("count jobs", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		jobColumns, where, order, opts.PerPage, (opts.Page-1)*opts.PerPage)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, errors.NewDatabaseError("list jobs", err)
	}

	jobs := make([]*job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, nil
}

// MarkProcessing moves the job into processing under the given fencing
// token, bumping the attempt counter. A redelivered job that is still
// marked processing from a dead worker is taken over the same way.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, workerID string, fence int64) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE jobs
		SET status = 'processing', worker_id = $2, fence_token = $3,
			attempt = attempt + 1,
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = $1
		  AND status IN ('queued', 'processing')
		  AND fence_token < $3
		RETURNING `+jobColumns,
		id, workerID, fence)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyFencedWrite(ctx, id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("mark processing", err)
	}
	return row.toJob()
}

// UpdateProgress records debounced progress under the holder's fence.
// Progress never regresses within an attempt and never exceeds 100.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, fence int64, percent float64, stage string, fps float64, etaSeconds int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $3), stage = $4, fps = $5,
			eta_seconds = $6, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND fence_token = $2`,
		id, fence, percent, stage, fps, etaSeconds)
	if err != nil {
		return errors.NewDatabaseError("update progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.classifyFencedWrite(ctx, id)
	}
	return nil
}

// TransitionTerminal writes the immutable terminal state under the
// holder's fence. Completed jobs land at progress 100.
func (s *Store) TransitionTerminal(ctx context.Context, id uuid.UUID, fence int64, status job.Status, errDoc *job.ErrorDoc) (*job.Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("jobstore: %s is not a terminal status", status)
	}
	doc := job.ErrorDoc{}
	if errDoc != nil {
		doc = *errDoc
	}

	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE jobs
		SET status = $3,
			progress = CASE WHEN $3 = 'completed' THEN 100 ELSE progress END,
			error_kind = $4, error_code = $5, error_message = $6,
			error_suggestion = $7,
			finished_at = now(), updated_at = now()
		WHERE id = $1
		  AND status IN ('queued', 'processing')
		  AND fence_token = $2
		RETURNING `+jobColumns,
		id, fence, string(status), doc.Kind, doc.Code, doc.Message, doc.Suggestion)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyFencedWrite(ctx, id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("terminal transition", err)
	}
	return row.toJob()
}

// classifyFencedWrite distinguishes "job gone", "already terminal", and
// "fenced out" for a zero-row fenced update.
func (s *Store) classifyFencedWrite(ctx context.Context, id uuid.UUID) error {
	var state struct {
		Status string `db:"status"`
	}
	err := s.db.GetContext(ctx, &state, `SELECT status FROM jobs WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job")
	}
	if err != nil {
		return errors.NewDatabaseError("inspect job", err)
	}
	if job.Status(state.Status).Terminal() {
		return ErrTerminal
	}
	return ErrFenced
}

// CancelIfPending cancels a job that has not started. Returns false when
// the job is already processing or terminal.
func (s *Store) CancelIfPending(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return false, errors.NewDatabaseError("cancel pending", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestCancel flags a processing job for cooperative cancellation. The
// worker observes the flag at its debounce points.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return false, errors.NewDatabaseError("request cancel", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelRequested reports the job's cooperative cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.GetContext(ctx, &requested,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, errors.NewNotFoundError("job")
	}
	if err != nil {
		return false, errors.NewDatabaseError("cancel flag", err)
	}
	return requested, nil
}

// SweepExpired deletes jobs whose retention window has elapsed and returns
// how many were reclaimed. Webhook deliveries cascade.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1`,
		now.Add(-retention))
	if err != nil {
		return 0, errors.NewDatabaseError("retention sweep", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns job counts grouped by status in a single aggregation.
func (s *Store) Stats(ctx context.Context) (map[job.Status]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, count(*) AS n FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.NewDatabaseError("stats", err)
	}
	defer rows.Close()

	stats := make(map[job.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.NewDatabaseError("stats scan", err)
		}
		stats[job.Status(status)] = n
	}
	return stats, rows.Err()
}

// Ping verifies store availability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SortKeys returns the accepted listing sort keys, for request validation.
func SortKeys() []string {
	keys := make([]string, 0, len(listSortColumns))
	for k := range listSortColumns {
		keys = append(keys, k)
	}
	return keys
}
