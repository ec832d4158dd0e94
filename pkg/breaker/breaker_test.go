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

package breaker_test

import (
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/pkg/breaker"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Circuit Breaker Suite")
}

var _ = Describe("Circuit Breaker", func() {
	var (
		logger *zap.Logger
		errCall = errors.New("target unavailable")
	)

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	Context("state transitions", func() {
		It("should start closed and pass calls through", func() {
			b := breaker.New("storage-s3", breaker.DefaultSettings(), logger, nil)

			Expect(b.State()).To(Equal(gobreaker.StateClosed))
			Expect(b.Execute(func() error { return nil })).To(Succeed())
			Expect(b.Name()).To(Equal("storage-s3"))
		})

		It("should open after consecutive failures", func() {
			settings := breaker.Settings{
				ConsecutiveFailures: 3,
				FailureRatio:        0.9,
				MinRequests:         100,
				Window:              time.Minute,
				Cooldown:            time.Minute,
			}
			b := breaker.New("webhook:example.com", settings, logger, nil)

			for i := 0; i < 3; i++ {
				err := b.Execute(func() error { return errCall })
				Expect(err).To(MatchError(errCall))
			}

			Expect(b.State()).To(Equal(gobreaker.StateOpen))
		})

		It("should fail fast with ErrOpen while open", func() {
			settings := breaker.Settings{ConsecutiveFailures: 1, Window: time.Minute, Cooldown: time.Minute}
			b := breaker.New("t", settings, logger, nil)

			_ = b.Execute(func() error { return errCall })
			Expect(b.State()).To(Equal(gobreaker.StateOpen))

			called := false
			err := b.Execute(func() error { called = true; return nil })
			Expect(err).To(MatchError(breaker.ErrOpen))
			Expect(called).To(BeFalse(), "open breaker must not invoke the target")
		})

		It("should open on failure ratio over the window", func() {
			settings := breaker.Settings{
				ConsecutiveFailures: 0,
				FailureRatio:        0.5,
				MinRequests:         5,
				Window:              time.Minute,
				Cooldown:            time.Minute,
			}
			b := breaker.New("t", settings, logger, nil)

			// 2 successes, then failures: the fifth request trips the
			// breaker at 3 failures of 5 (60%).
			for i := 0; i < 2; i++ {
				Expect(b.Execute(func() error { return nil })).To(Succeed())
			}
			for i := 0; i < 4; i++ {
				_ = b.Execute(func() error { return errCall })
			}

			Expect(b.State()).To(Equal(gobreaker.StateOpen))
		})

		It("should close again after a successful half-open probe", func() {
			settings := breaker.Settings{
				ConsecutiveFailures: 1,
				Window:              time.Minute,
				Cooldown:            10 * time.Millisecond,
			}
			b := breaker.New("t", settings, logger, nil)

			_ = b.Execute(func() error { return errCall })
			Expect(b.State()).To(Equal(gobreaker.StateOpen))

			Eventually(func() error {
				return b.Execute(func() error { return nil })
			}, time.Second, 5*time.Millisecond).Should(Succeed())
			Expect(b.State()).To(Equal(gobreaker.StateClosed))
		})

		It("should notify state changes", func() {
			var transitions []string
			settings := breaker.Settings{ConsecutiveFailures: 1, Window: time.Minute, Cooldown: time.Minute}
			b := breaker.New("t", settings, logger, func(name string, from, to gobreaker.State) {
				transitions = append(transitions, from.String()+"->"+to.String())
			})

			_ = b.Execute(func() error { return errCall })

			Expect(transitions).To(ContainElement("closed->open"))
		})
	})
})
