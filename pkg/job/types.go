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

// Package job defines the job model shared by the store, queue, worker, and
// gateway: statuses, priorities, the closed operation set, and the progress
// and webhook records that hang off a job.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal states are
// immutable; the store rejects any further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the from→to edge is legal.
// processing→queued is the worker-loss redelivery edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled || to == StatusQueued
	}
	return false
}

// Priority orders jobs in the queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityWeights = map[Priority]int{
	PriorityLow:    1,
	PriorityNormal: 5,
	PriorityHigh:   8,
	PriorityUrgent: 10,
}

// Weight returns the scheduling weight for the priority; unknown priorities
// weigh as normal.
func (p Priority) Weight() int {
	if w, ok := priorityWeights[p]; ok {
		return w
	}
	return priorityWeights[PriorityNormal]
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// ErrorDoc is the sanitized error attached to failed jobs and webhook
// payloads. It never contains paths, command lines, or subprocess output.
type ErrorDoc struct {
	Kind       string `json:"kind"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Job is the central entity.
type Job struct {
	ID      uuid.UUID `db:"id" json:"id"`
	OwnerID string    `db:"owner_id" json:"-"`

	Operations      Operations        `db:"operations" json:"operations"`
	Input           string            `db:"input" json:"input"`
	Output          string            `db:"output" json:"output"`
	Options         map[string]string `db:"-" json:"options,omitempty"`
	Priority        Priority          `db:"priority" json:"priority"`
	WebhookURL      string            `db:"webhook_url" json:"webhook_url,omitempty"`
	ProgressWebhook bool              `db:"progress_webhook" json:"progress_webhook,omitempty"`
	IdempotencyKey  string            `db:"idempotency_key" json:"-"`

	Status     Status    `db:"status" json:"status"`
	Progress   float64   `db:"progress" json:"progress"`
	Stage      string    `db:"stage" json:"stage,omitempty"`
	FPS        float64   `db:"fps" json:"fps,omitempty"`
	ETASeconds int       `db:"eta_seconds" json:"eta_seconds,omitempty"`
	Error      *ErrorDoc `db:"-" json:"error,omitempty"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`

	Attempt         int    `db:"attempt" json:"attempt"`
	WorkerID        string `db:"worker_id" json:"-"`
	FenceToken      int64  `db:"fence_token" json:"-"`
	CancelRequested bool   `db:"cancel_requested" json:"-"`
}

// Submission is a validated request to create a job.
type Submission struct {
	Operations      Operations
	Input           string
	Output          string
	Options         map[string]string
	Priority        Priority
	WebhookURL      string
	ProgressWebhook bool
	IdempotencyKey  string
}

// EventKind distinguishes progress-bus and webhook event types.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventStage     EventKind = "stage"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// TerminalEventKind maps a terminal status to its event kind.
func TerminalEventKind(s Status) EventKind {
	switch s {
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	default:
		return EventCancelled
	}
}

// ProgressEvent is one entry of a job's bounded progress history.
type ProgressEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	Seq        string    `json:"seq,omitempty"`
	Kind       EventKind `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	Percent    float64   `json:"progress"`
	Stage      string    `json:"stage,omitempty"`
	FPS        float64   `json:"fps,omitempty"`
	ETASeconds int       `json:"eta_seconds,omitempty"`
	Error      *ErrorDoc `json:"error,omitempty"`
}

// WebhookDelivery tracks at-least-once delivery of one event to one target.
type WebhookDelivery struct {
	ID            int64      `db:"id"`
	JobID         uuid.UUID  `db:"job_id"`
	Event         EventKind  `db:"event"`
	URL           string     `db:"url"`
	Attempts      int        `db:"attempts"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	LastStatus    int        `db:"last_status"`
	Delivered     bool       `db:"delivered"`
	DeadLetter    bool       `db:"dead_letter"`
	Payload       []byte     `db:"payload"`
	CreatedAt     time.Time  `db:"created_at"`
	DeliveredAt   *time.Time `db:"delivered_at"`
}
