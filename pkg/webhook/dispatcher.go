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

// Package webhook delivers terminal and optional progress events to
// customer endpoints with at-least-once semantics: exponential backoff,
// bounded retries, HMAC signatures, and SSRF re-validation at send time.
// Payloads only ever carry the sanitized error document.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/pkg/breaker"
	"github.com/jordigilh/medianaut/pkg/job"
	"github.com/jordigilh/medianaut/pkg/jobstore"
	"github.com/jordigilh/medianaut/pkg/metrics"
)

// SecretLookup maps a job's owner to its webhook signing secret.
type SecretLookup func(ctx context.Context, jobID string) (string, error)

// Validator screens webhook targets. *Guard is the production
// implementation; tests substitute a permissive one.
type Validator interface {
	ValidateURL(ctx context.Context, raw string) error
	Control(network, address string, c syscall.RawConn) error
}

// Config tunes the dispatcher.
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// Dispatcher is the single-writer delivery loop.
type Dispatcher struct {
	store   *jobstore.Store
	guard   Validator
	secrets SecretLookup
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// NewDispatcher builds the dispatcher. The HTTP client's dialer re-checks
// every connect address against the SSRF guard.
func NewDispatcher(store *jobstore.Store, guard Validator, secrets SecretLookup, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: guard.Control}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
	}

	return &Dispatcher{
		store:    store,
		guard:    guard,
		secrets:  secrets,
		cfg:      cfg,
		client:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:   logger,
		metrics:  m,
		breakers: make(map[string]*breaker.Breaker),
	}
}

// Run polls for due deliveries until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchDue(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("webhook dispatch pass failed", zap.Error(err))
			}
		}
	}
}

// DispatchDue claims and processes one batch of due deliveries.
func (d *Dispatcher) DispatchDue(ctx context.Context) error {
	deliveries, err := d.store.ClaimDueDeliveries(ctx, time.Now(), d.cfg.BatchSize)
	if err != nil {
		return err
	}
	for i := range deliveries {
		d.deliver(ctx, &deliveries[i])
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, delivery *job.WebhookDelivery) {
	logger := d.logger.With(
		zap.String("job_id", delivery.JobID.String()),
		zap.String("event", string(delivery.Event)),
		zap.Int("attempt", delivery.Attempts))

	status, err := d.post(ctx, delivery)
	if err == nil && status >= 200 && status < 300 {
		if markErr := d.store.MarkDelivered(ctx, delivery.ID, status); markErr != nil {
			logger.Error("delivered webhook could not be finalized", zap.Error(markErr))
			return
		}
		d.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.metrics.WebhookAttempts.Observe(float64(delivery.Attempts))
		logger.Info("webhook delivered", zap.Int("status", status))
		return
	}

	if err != nil {
		logger.Warn("webhook attempt failed", zap.Error(err))
	} else {
		logger.Warn("webhook attempt rejected", zap.Int("status", status))
	}

	if delivery.Attempts >= d.cfg.MaxRetries {
		if dlErr := d.store.DeadLetterDelivery(ctx, delivery.ID, status); dlErr != nil {
			logger.Error("dead-lettering failed", zap.Error(dlErr))
		}
		d.metrics.WebhookDeliveries.WithLabelValues("dead_letter").Inc()
		return
	}

	next := time.Now().Add(Backoff(d.cfg.BackoffBase, delivery.Attempts))
	if schedErr := d.store.RescheduleDelivery(ctx, delivery.ID, next, status); schedErr != nil {
		logger.Error("rescheduling failed", zap.Error(schedErr))
	}
	d.metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
}

func (d *Dispatcher) post(ctx context.Context, delivery *job.WebhookDelivery) (int, error) {
	// Re-validate at send time: the DNS answer at admission time is not
	// trusted to still hold.
	if err := d.guard.ValidateURL(ctx, delivery.URL); err != nil {
		return 0, err
	}

	secret, err := d.secrets(ctx, delivery.JobID.String())
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL,
		bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "medianaut-webhook/1")
	req.Header.Set("X-Webhook-Event", string(delivery.Event))
	req.Header.Set("X-Webhook-Signature", Sign(secret, delivery.Payload))

	var status int
	callErr := d.breakerFor(delivery.URL).Execute(func() error {
		resp, doErr := d.client.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if status >= 500 {
			return fmt.Errorf("webhook target returned %d", status)
		}
		return nil
	})
	if callErr != nil && status == 0 {
		return 0, callErr
	}
	return status, nil
}

// breakerFor returns the per-host circuit breaker, creating it on first use.
func (d *Dispatcher) breakerFor(rawURL string) *breaker.Breaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[host]
	if !ok {
		b = breaker.New("webhook:"+host, breaker.DefaultSettings(), d.logger,
			func(name string, _, to gobreaker.State) {
				d.metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			})
		d.breakers[host] = b
	}
	return b
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Backoff returns base·2^(attempt-1) with ±20% jitter. Attempt is 1-based.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(base) * float64(int64(1)<<uint(attempt-1))
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(backoff * jitter)
}

// Sign computes the payload signature header value.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against the payload, for receivers.
func Verify(secret string, payload []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(header))
}
