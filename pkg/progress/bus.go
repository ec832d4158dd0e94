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

// Package progress carries progress, stage, and terminal events from workers
// to API streamers. Each job owns a capped Redis stream, which doubles as
// the replay buffer for subscribers reconnecting with a last-seen id. The
// bus is transient and best-effort: subscribers that stop draining are
// dropped, and the stream expires streamTTL after its last publish.
package progress

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/medianaut/pkg/job"
)

const (
	// maxEvents bounds the per-job replay ring.
	maxEvents = 256
	// streamTTL reclaims streams for jobs nobody watches anymore.
	streamTTL = 24 * time.Hour
	// subscriberBacklog is the per-subscriber buffer; a subscriber that
	// stays this far behind is dropped.
	subscriberBacklog = 64

	pollInterval = 150 * time.Millisecond
)

// Bus publishes and subscribes job progress events.
type Bus struct {
	client redis.UniversalClient
}

// NewBus creates a progress bus over the given Redis client.
func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func streamKey(jobID uuid.UUID) string {
	return "medianaut:events:" + jobID.String()
}

// Publish appends the event to the job's stream.
func (b *Bus) Publish(ctx context.Context, ev job.ProgressEvent) error {
	values := map[string]interface{}{
		"event":    string(ev.Kind),
		"ts":       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"progress": strconv.FormatFloat(ev.Percent, 'f', -1, 64),
		"stage":    ev.Stage,
	}
	if ev.FPS > 0 {
		values["fps"] = strconv.FormatFloat(ev.FPS, 'f', -1, 64)
	}
	if ev.ETASeconds > 0 {
		values["eta_seconds"] = strconv.Itoa(ev.ETASeconds)
	}
	if ev.Error != nil {
		raw, err := json.Marshal(ev.Error)
		if err != nil {
			return err
		}
		values["error"] = string(raw)
	}

	key := streamKey(ev.JobID)
	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxEvents,
		Approx: true,
		Values: values,
	})
	pipe.Expire(ctx, key, streamTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Subscribe streams events for jobID, replaying history after lastEventID
// ("" replays from the beginning). The returned channel closes after a
// terminal event, on context cancellation, or when the subscriber falls
// more than the backlog behind.
func (b *Bus) Subscribe(ctx context.Context, jobID uuid.UUID, lastEventID string) <-chan job.ProgressEvent {
	out := make(chan job.ProgressEvent, subscriberBacklog)

	go func() {
		defer close(out)

		cursor := "-"
		if lastEventID != "" {
			cursor = nextStreamID(lastEventID)
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			entries, err := b.client.XRange(ctx, streamKey(jobID), cursor, "+").Result()
			if err != nil {
				return
			}

			for _, entry := range entries {
				ev := decodeEntry(jobID, entry)
				select {
				case out <- ev:
				default:
					// Subscriber stopped draining; drop it.
					return
				}
				cursor = nextStreamID(entry.ID)
				if ev.Kind == job.EventCompleted || ev.Kind == job.EventFailed || ev.Kind == job.EventCancelled {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

func decodeEntry(jobID uuid.UUID, entry redis.XMessage) job.ProgressEvent {
	ev := job.ProgressEvent{JobID: jobID, Seq: entry.ID}

	if v, ok := entry.Values["event"].(string); ok {
		ev.Kind = job.EventKind(v)
	}
	if v, ok := entry.Values["ts"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			ev.Timestamp = ts
		}
	}
	if v, ok := entry.Values["progress"].(string); ok {
		ev.Percent, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := entry.Values["stage"].(string); ok {
		ev.Stage = v
	}
	if v, ok := entry.Values["fps"].(string); ok {
		ev.FPS, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := entry.Values["eta_seconds"].(string); ok {
		ev.ETASeconds, _ = strconv.Atoi(v)
	}
	if v, ok := entry.Values["error"].(string); ok {
		var doc job.ErrorDoc
		if json.Unmarshal([]byte(v), &doc) == nil {
			ev.Error = &doc
		}
	}
	return ev
}

// nextStreamID returns the smallest stream id strictly greater than id, so
// replay after a boundary event neither skips nor duplicates it.
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

// Ping verifies bus availability for health checks.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
