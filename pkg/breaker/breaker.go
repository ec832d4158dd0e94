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

// Package breaker wraps calls to external collaborators (storage backends,
// webhook targets) in a circuit breaker. One breaker instance guards one
// target; callers hold them per backend or per host.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

// Settings tunes one breaker instance.
type Settings struct {
	// ConsecutiveFailures opens the circuit after this many failures in a
	// row. Zero disables the consecutive trigger.
	ConsecutiveFailures uint32
	// FailureRatio opens the circuit when the failure ratio over the
	// rolling window exceeds it and MinRequests have been observed.
	FailureRatio float64
	MinRequests  uint32
	// Window is the rolling interval over which counts accumulate.
	Window time.Duration
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
}

// DefaultSettings matches the service-wide policy.
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
		Window:              time.Minute,
		Cooldown:            30 * time.Second,
	}
}

// StateChange is invoked on every transition, typically to update metrics.
type StateChange func(name string, from, to gobreaker.State)

// Breaker guards calls to one external target.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New creates a breaker named after its target.
func New(name string, settings Settings, logger *zap.Logger, onChange StateChange) *Breaker {
	st := gobreaker.Settings{
		Name:     name,
		Interval: settings.Window,
		Timeout:  settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if settings.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= settings.ConsecutiveFailures {
				return true
			}
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio > settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	}

	return &Breaker{
		cb:     gobreaker.NewCircuitBreaker(st),
		logger: logger,
	}
}

// Execute runs fn under the breaker. While open it fails fast with ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the guarded target's name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}
