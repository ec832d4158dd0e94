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

// Package gateway is the thin HTTP surface over the job fabric. All
// semantics live in the admission pipeline, the job store, and the
// progress bus; handlers translate HTTP to those calls and back.
package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/pkg/admission"
	"github.com/jordigilh/medianaut/pkg/auth"
	"github.com/jordigilh/medianaut/pkg/gateway/middleware"
	"github.com/jordigilh/medianaut/pkg/jobstore"
	"github.com/jordigilh/medianaut/pkg/metrics"
	"github.com/jordigilh/medianaut/pkg/progress"
	"github.com/jordigilh/medianaut/pkg/queue"
	"github.com/jordigilh/medianaut/pkg/ratelimit"
	"github.com/jordigilh/medianaut/pkg/storage"
)

// Config carries the gateway's HTTP-level settings.
type Config struct {
	CORSOrigins []string
	// MaxBodyBytes bounds submission bodies.
	MaxBodyBytes int64
}

// Server wires the chi router over the injected collaborators.
type Server struct {
	cfg       Config
	store     *jobstore.Store
	submitter *admission.Submitter
	bus       *progress.Bus
	queue     *queue.Queue
	router    *storage.Router
	resolver  auth.Resolver
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mux *chi.Mux
}

// NewServer builds the HTTP surface.
func NewServer(cfg Config, store *jobstore.Store, submitter *admission.Submitter, bus *progress.Bus, q *queue.Queue, router *storage.Router, resolver auth.Resolver, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		bus:       bus,
		queue:     q,
		router:    router,
		resolver:  resolver,
		limiter:   limiter,
		metrics:   m,
		logger:    logger,
	}
	s.mux = s.routes()
	return s
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.Logging(s.logger))
	mux.Use(middleware.HTTPMetrics(s.metrics))
	if len(s.cfg.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "X-API-Key", "Content-Type", "Last-Event-ID"},
		}))
	}

	mux.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handleHealth)

		api.Group(func(authed chi.Router) {
			authed.Use(middleware.Auth(s.resolver, s.logger))

			authed.Group(func(rt chi.Router) {
				rt.Use(middleware.RateLimit(s.limiter, ratelimit.ClassConvert, s.logger))
				rt.Post("/convert", s.handleSubmit(nil))
				rt.Post("/batch", s.handleBatch)
			})
			authed.Group(func(rt chi.Router) {
				rt.Use(middleware.RateLimit(s.limiter, ratelimit.ClassAnalyze, s.logger))
				rt.Post("/analyze", s.handleSubmit(defaultAnalyzeOperations))
			})
			authed.Group(func(rt chi.Router) {
				rt.Use(middleware.RateLimit(s.limiter, ratelimit.ClassStream, s.logger))
				rt.Post("/stream", s.handleSubmit(defaultStreamOperations))
			})

			authed.Group(func(rt chi.Router) {
				rt.Use(middleware.RateLimit(s.limiter, ratelimit.ClassQuery, s.logger))
				rt.Get("/jobs", s.handleList)
				rt.Get("/jobs/{id}", s.handleGet)
				rt.Delete("/jobs/{id}", s.handleCancel)
				rt.Get("/jobs/{id}/events", s.handleEvents)
			})
		})
	})

	return mux
}
