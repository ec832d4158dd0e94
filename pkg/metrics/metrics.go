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

// Package metrics defines the Prometheus instrumentation shared by the API
// and worker services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the services record into.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec

	JobsSubmitted   *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsInFlight    prometheus.Gauge
	QueueDepth      prometheus.Gauge
	QueueRedeliver  prometheus.Counter
	AdmissionDenied *prometheus.CounterVec

	TranscoderInvocations *prometheus.CounterVec
	TranscoderDuration    prometheus.Histogram

	WebhookDeliveries *prometheus.CounterVec
	WebhookAttempts   prometheus.Histogram

	BreakerState *prometheus.GaugeVec

	LockAcquireFailures prometheus.Counter
	SweptJobs           prometheus.Counter
}

// NewMetrics registers against the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, nil)
}

// NewMetricsWithRegistry registers against a caller-supplied registry so
// tests stay isolated from each other.
func NewMetricsWithRegistry(registry *prometheus.Registry) *Metrics {
	return newMetrics(registry, registry)
}

func newMetrics(reg prometheus.Registerer, registry *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: registry,

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medianaut_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medianaut_http_requests_total",
			Help: "Total HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),

		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medianaut_jobs_submitted_total",
			Help: "Jobs accepted at admission, by priority.",
		}, []string{"priority"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medianaut_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medianaut_job_duration_seconds",
			Help:    "Wall-clock processing duration per terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"status"}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medianaut_jobs_in_flight",
			Help: "Jobs currently being processed by this worker.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "medianaut_queue_depth",
			Help: "Tasks awaiting lease.",
		}),
		QueueRedeliver: factory.NewCounter(prometheus.CounterOpts{
			Name: "medianaut_queue_redeliveries_total",
			Help: "Tasks returned by visibility-timeout expiry.",
		}),
		AdmissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medianaut_admission_denied_total",
			Help: "Submissions rejected at admission, by error code.",
		}, []string{"code"}),

		TranscoderInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medianaut_transcoder_invocations_total",
			Help: "Transcoder process invocations by outcome.",
		}, []string{"outcome"}),
		TranscoderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medianaut_transcoder_duration_seconds",
			Help:    "Transcoder process wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medianaut_webhook_deliveries_total",
			Help: "Webhook delivery outcomes.",
		}, []string{"outcome"}),
		WebhookAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "medianaut_webhook_attempts",
			Help:    "Attempts needed per delivered webhook.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medianaut_circuit_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open).",
		}, []string{"target"}),

		LockAcquireFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "medianaut_lock_acquire_failures_total",
			Help: "Lock acquisitions that found the job already held.",
		}),
		SweptJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "medianaut_retention_swept_jobs_total",
			Help: "Expired jobs reclaimed by the retention sweeper.",
		}),
	}
}

// Registry returns the custom registry, nil when registered globally.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
