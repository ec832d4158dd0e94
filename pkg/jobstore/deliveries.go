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

package jobstore

import (
	"context"
	"time"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/job"
)

const deliveryColumns = `id, job_id, event, url, attempts, next_attempt_at, last_status, delivered, dead_letter, payload, created_at, delivered_at`

// EnqueueDelivery records a webhook event for at-least-once dispatch.
func (s *Store) EnqueueDelivery(ctx context.Context, d *job.WebhookDelivery) error {
	err := s.db.GetContext(ctx, &d.ID, `
		INSERT INTO webhook_deliveries (job_id, event, url, next_attempt_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		d.JobID, string(d.Event), d.URL, d.NextAttemptAt, d.Payload)
	if err != nil {
		return errors.NewDatabaseError("enqueue delivery", err)
	}
	return nil
}

// ClaimDueDeliveries atomically claims up to limit due deliveries and bumps
// their attempt counters. SKIP LOCKED keeps concurrent dispatchers from
// claiming the same record.
func (s *Store) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]job.WebhookDelivery, error) {
	var deliveries []job.WebhookDelivery
	err := s.db.SelectContext(ctx, &deliveries, `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE NOT delivered AND NOT dead_letter AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns,
		now, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("claim deliveries", err)
	}
	return deliveries, nil
}

// MarkDelivered finalizes a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, id int64, httpStatus int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET delivered = TRUE, last_status = $2, delivered_at = now()
		WHERE id = $1`, id, httpStatus)
	if err != nil {
		return errors.NewDatabaseError("mark delivered", err)
	}
	return nil
}

// RescheduleDelivery books the next attempt after a failure.
func (s *Store) RescheduleDelivery(ctx context.Context, id int64, nextAttempt time.Time, httpStatus int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET next_attempt_at = $2, last_status = $3
		WHERE id = $1`, id, nextAttempt, httpStatus)
	if err != nil {
		return errors.NewDatabaseError("reschedule delivery", err)
	}
	return nil
}

// DeadLetterDelivery parks a delivery whose retries are exhausted. It is
// never retried again.
func (s *Store) DeadLetterDelivery(ctx context.Context, id int64, httpStatus int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET dead_letter = TRUE, last_status = $2
		WHERE id = $1`, id, httpStatus)
	if err != nil {
		return errors.NewDatabaseError("dead-letter delivery", err)
	}
	return nil
}
