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

package job_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/medianaut/pkg/job"
)

var _ = Describe("Job State Machine", func() {
	Describe("CanTransition", func() {
		It("should allow the legal lifecycle edges", func() {
			Expect(job.CanTransition(job.StatusQueued, job.StatusProcessing)).To(BeTrue())
			Expect(job.CanTransition(job.StatusQueued, job.StatusCancelled)).To(BeTrue())
			Expect(job.CanTransition(job.StatusProcessing, job.StatusCompleted)).To(BeTrue())
			Expect(job.CanTransition(job.StatusProcessing, job.StatusFailed)).To(BeTrue())
			Expect(job.CanTransition(job.StatusProcessing, job.StatusCancelled)).To(BeTrue())
		})

		It("should allow processing back to queued only as the redelivery edge", func() {
			Expect(job.CanTransition(job.StatusProcessing, job.StatusQueued)).To(BeTrue())
		})

		It("should reject transitions out of terminal states", func() {
			for _, terminal := range []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
				for _, to := range []job.Status{job.StatusQueued, job.StatusProcessing, job.StatusCompleted, job.StatusFailed, job.StatusCancelled} {
					Expect(job.CanTransition(terminal, to)).To(BeFalse(),
						"terminal %s must not transition to %s", terminal, to)
				}
			}
		})

		It("should reject skipping the processing state", func() {
			Expect(job.CanTransition(job.StatusQueued, job.StatusCompleted)).To(BeFalse())
			Expect(job.CanTransition(job.StatusQueued, job.StatusFailed)).To(BeFalse())
		})
	})

	Describe("Terminal", func() {
		It("should mark only completed, failed and cancelled as terminal", func() {
			Expect(job.StatusCompleted.Terminal()).To(BeTrue())
			Expect(job.StatusFailed.Terminal()).To(BeTrue())
			Expect(job.StatusCancelled.Terminal()).To(BeTrue())
			Expect(job.StatusQueued.Terminal()).To(BeFalse())
			Expect(job.StatusProcessing.Terminal()).To(BeFalse())
		})
	})
})

var _ = Describe("Priority", func() {
	It("should expose the fixed weight set", func() {
		Expect(job.PriorityLow.Weight()).To(Equal(1))
		Expect(job.PriorityNormal.Weight()).To(Equal(5))
		Expect(job.PriorityHigh.Weight()).To(Equal(8))
		Expect(job.PriorityUrgent.Weight()).To(Equal(10))
	})

	It("should weigh unknown priorities as normal", func() {
		Expect(job.Priority("extreme").Weight()).To(Equal(5))
		Expect(job.Priority("extreme").Valid()).To(BeFalse())
	})
})

var _ = Describe("Operations", func() {
	It("should recognize only the closed variant set", func() {
		for _, op := range []job.OperationType{
			job.OpTranscode, job.OpTrim, job.OpFilter,
			job.OpAnalyze, job.OpStream, job.OpWatermark,
		} {
			Expect(op.Valid()).To(BeTrue())
		}

		Expect(job.OperationType("upscale_4k").Valid()).To(BeFalse())
		Expect(job.OperationType("").Valid()).To(BeFalse())
	})

	It("should round-trip through the JSONB column representation", func() {
		ops := job.Operations{
			{Type: job.OpTranscode, Params: map[string]interface{}{"video_codec": "h264", "crf": float64(23)}},
			{Type: job.OpTrim, Params: map[string]interface{}{"start": "00:00:10"}},
		}

		raw, err := ops.Value()
		Expect(err).NotTo(HaveOccurred())

		var decoded job.Operations
		Expect(decoded.Scan(raw)).To(Succeed())
		Expect(decoded).To(HaveLen(2))
		Expect(decoded[0].Type).To(Equal(job.OpTranscode))
		Expect(decoded[0].StringParam("video_codec")).To(Equal("h264"))

		crf, ok := decoded[0].IntParam("crf")
		Expect(ok).To(BeTrue())
		Expect(crf).To(Equal(23))
	})

	It("should scan a nil column into an empty pipeline", func() {
		var decoded job.Operations
		Expect(decoded.Scan(nil)).To(Succeed())
		Expect(decoded).To(BeEmpty())
	})
})

var _ = Describe("ErrorDoc", func() {
	It("should serialize only sanitized fields", func() {
		doc := job.ErrorDoc{
			Kind:       "transcoder",
			Code:       "TRANSCODER_CRASH",
			Message:    "the transcoder terminated abnormally",
			Suggestion: "retry the job",
		}

		raw, err := json.Marshal(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).NotTo(ContainSubstring("stderr"))
		Expect(string(raw)).To(ContainSubstring("TRANSCODER_CRASH"))
	})
})
