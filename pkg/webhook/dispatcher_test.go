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

package webhook

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/medianaut/pkg/job"
)

var _ = Describe("Backoff", func() {
	It("should grow exponentially with the attempt number", func() {
		base := time.Minute

		for attempt := 1; attempt <= 5; attempt++ {
			expected := float64(base) * float64(int64(1)<<uint(attempt-1))
			delay := Backoff(base, attempt)

			// Jitter keeps the delay within ±20% of the exponential value.
			Expect(float64(delay)).To(BeNumerically(">=", expected*0.8))
			Expect(float64(delay)).To(BeNumerically("<=", expected*1.2))
		}
	})

	It("should treat attempt zero as the first attempt", func() {
		delay := Backoff(time.Minute, 0)
		Expect(float64(delay)).To(BeNumerically(">=", float64(time.Minute)*0.8))
		Expect(float64(delay)).To(BeNumerically("<=", float64(time.Minute)*1.2))
	})
})

var _ = Describe("Signature", func() {
	It("should produce a verifiable sha256 header", func() {
		payload := []byte(`{"event":"completed","job_id":"abc"}`)

		header := Sign("per-key-secret", payload)
		Expect(header).To(HavePrefix("sha256="))
		Expect(Verify("per-key-secret", payload, header)).To(BeTrue())
	})

	It("should fail verification for a tampered payload or wrong secret", func() {
		payload := []byte(`{"event":"completed"}`)
		header := Sign("per-key-secret", payload)

		Expect(Verify("per-key-secret", []byte(`{"event":"failed"}`), header)).To(BeFalse())
		Expect(Verify("other-secret", payload, header)).To(BeFalse())
	})
})

var _ = Describe("Payload", func() {
	It("should carry only the sanitized error document", func() {
		j := &job.Job{
			Status:   job.StatusFailed,
			Progress: 42,
			Stage:    "encode",
			Error: &job.ErrorDoc{
				Kind:    "transcoder",
				Code:    "TRANSCODER_CRASH",
				Message: "the transcoder terminated abnormally",
			},
		}

		raw, err := BuildPayload(j, job.EventFailed)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(ContainSubstring(`"event":"failed"`))
		Expect(string(raw)).To(ContainSubstring("TRANSCODER_CRASH"))
		Expect(string(raw)).NotTo(ContainSubstring("stderr"))
		Expect(string(raw)).NotTo(ContainSubstring("ffmpeg"))
	})
})
