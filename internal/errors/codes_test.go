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

package errors

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Machine Codes", func() {
	Describe("Code attachment", func() {
		It("should carry the code on the error", func() {
			err := NewValidationError("bitrate is not parseable").WithCode(CodeInvalidBitrate)

			Expect(err.Code).To(Equal(CodeInvalidBitrate))
			Expect(GetCode(err)).To(Equal(CodeInvalidBitrate))
		})

		It("should default to INTERNAL for plain errors", func() {
			Expect(GetCode(errors.New("boom"))).To(Equal(CodeInternal))
		})

		It("should default to INTERNAL for AppErrors without a code", func() {
			Expect(GetCode(New(ErrorTypeDatabase, "query failed"))).To(Equal(CodeInternal))
		})
	})

	Describe("Retryability classification", func() {
		It("should classify transient codes as retryable", func() {
			Expect(IsRetryable(NewStorageError(CodeStorageUnavailable, "stat", errors.New("conn refused")))).To(BeTrue())
			Expect(IsRetryable(NewTranscoderError(CodeTranscoderCrash))).To(BeTrue())
			Expect(IsRetryable(NewLockLostError("job-1"))).To(BeTrue())
		})

		It("should classify permanent codes as not retryable", func() {
			Expect(IsRetryable(NewValidationError("bad input").WithCode(CodeInvalidInput))).To(BeFalse())
			Expect(IsRetryable(NewTranscoderError(CodeTranscoderInvalidMedia))).To(BeFalse())
			Expect(IsRetryable(NewTranscoderError(CodeTranscoderTimeout))).To(BeFalse())
			Expect(IsRetryable(NewStorageError(CodeStorageNotFound, "stat", errors.New("missing")))).To(BeFalse())
		})

		It("should treat nil as not retryable", func() {
			Expect(IsRetryable(nil)).To(BeFalse())
		})
	})

	Describe("Domain constructors", func() {
		It("should map quota exhaustion to 429", func() {
			err := NewQuotaExceededError(5)

			Expect(err.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(err.Code).To(Equal(CodeQuotaExceeded))
			Expect(err.Message).To(ContainSubstring("quota of 5"))
			Expect(err.Suggestion).NotTo(BeEmpty())
			Expect(err.RetryAfter).To(BeNumerically(">", 0))
			Expect(GetRetryAfter(err)).To(Equal(err.RetryAfter))
		})

		It("should map storage not-found to 404", func() {
			err := NewStorageError(CodeStorageNotFound, "stat", errors.New("no such key"))

			Expect(err.StatusCode).To(Equal(http.StatusNotFound))
			Expect(err.Type).To(Equal(ErrorTypeNotFound))
		})

		It("should never include stderr detail in transcoder messages", func() {
			err := NewTranscoderError(CodeTranscoderCrash).
				WithDetails("/usr/bin/ffmpeg -i /srv/in.mov exited 134: Assertion failed")

			Expect(SafeErrorMessage(err)).To(Equal("the transcoder terminated abnormally"))
			Expect(SafeErrorMessage(err)).NotTo(ContainSubstring("ffmpeg"))
		})
	})
})
