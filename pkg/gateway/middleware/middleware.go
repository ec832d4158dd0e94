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

// Package middleware holds the gateway's HTTP middleware chain: request
// ids, structured request logging, metrics, authentication, and per-class
// rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/auth"
	"github.com/jordigilh/medianaut/pkg/metrics"
	"github.com/jordigilh/medianaut/pkg/ratelimit"
)

type contextKey string

const (
	keyContextKey   contextKey = "api-key"
	requestIDHeader            = "X-Request-ID"
	requestIDKey    contextKey = "request-id"
)

// RequestID assigns every request an id, honoring a caller-provided one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the request's correlation id.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Logging emits one structured line per request.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}

// HTTPMetrics records request counts and latency per route pattern.
func HTTPMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(rec.status)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Auth resolves the API key from X-API-Key or Authorization: Bearer and
// attaches the key identity to the request context.
func Auth(resolver auth.Resolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			material := r.Header.Get("X-API-Key")
			if material == "" {
				bearer := r.Header.Get("Authorization")
				if after, ok := strings.CutPrefix(bearer, "Bearer "); ok {
					material = after
				}
			}
			if material == "" {
				writeAuthError(w, "missing API key")
				return
			}

			key, err := resolver.Resolve(r.Context(), material)
			if err != nil {
				writeAuthError(w, "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyContextKey, key)))
		})
	}
}

// KeyFromContext returns the authenticated key, nil when absent.
func KeyFromContext(ctx context.Context) *auth.Key {
	if key, ok := ctx.Value(keyContextKey).(*auth.Key); ok {
		return key
	}
	return nil
}

// RateLimit enforces the per-(key, class) token bucket. Denials carry a
// Retry-After header.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := KeyFromContext(r.Context())
			if key == nil {
				writeAuthError(w, "missing API key")
				return
			}

			decision, err := limiter.Allow(r.Context(), key.ID, class)
			if err != nil {
				// A broken limiter backend must not take the API down.
				logger.Warn("rate limiter unavailable, admitting request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSONError(w, apperrors.NewRateLimitedError(string(class)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	writeJSONError(w, apperrors.NewAuthError(msg).WithCode(apperrors.CodeUnauthorized))
}

func writeJSONError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	body := struct {
		Error struct {
			Kind    string `json:"kind"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{}
	body.Error.Kind = string(err.Type)
	body.Error.Code = err.Code
	body.Error.Message = apperrors.SafeErrorMessage(err)
	_ = json.NewEncoder(w).Encode(body)
}
