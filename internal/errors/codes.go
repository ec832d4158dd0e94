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

import "time"

// Stable machine codes. These are part of the public API contract and appear
// in error response bodies and webhook payloads; never rename them.
const (
	CodeInvalidInput           = "INVALID_INPUT"
	CodeInvalidPath            = "INVALID_PATH"
	CodePathOutOfScope         = "PATH_OUT_OF_SCOPE"
	CodeInputTooLarge          = "INPUT_TOO_LARGE"
	CodeCodecContainerMismatch = "CODEC_CONTAINER_MISMATCH"
	CodeLimitExceeded          = "LIMIT_EXCEEDED"
	CodeInvalidBitrate         = "INVALID_BITRATE"
	CodeInvalidOperation       = "INVALID_OPERATION"
	CodeWebhookForbidden       = "WEBHOOK_FORBIDDEN"

	CodeUnauthorized  = "UNAUTHORIZED"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeRateLimited   = "RATE_LIMITED"

	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeStorageNotFound    = "STORAGE_NOT_FOUND"
	CodeStorageConflict    = "STORAGE_CONFLICT"

	CodeTranscoderTimeout      = "TRANSCODER_TIMEOUT"
	CodeTranscoderCrash        = "TRANSCODER_CRASH"
	CodeTranscoderInvalidMedia = "TRANSCODER_INVALID_MEDIA"

	CodeLockLost = "LOCK_LOST"
	CodeInternal = "INTERNAL"
)

// retryableCodes lists codes whose failures may succeed on a later attempt.
var retryableCodes = map[string]bool{
	CodeStorageUnavailable: true,
	CodeStorageConflict:    true,
	CodeTranscoderCrash:    true,
	CodeLockLost:           true,
	CodeInternal:           true,
}

// IsRetryable reports whether err may succeed if the attempt is repeated.
// Plain errors are treated as retryable internal failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return retryableCodes[GetCode(err)]
}

// NewQuotaExceededError reports that the owner's in-flight ceiling is
// reached. The retry delay sizes the response's Retry-After header; there
// is no token refill to predict, so a fixed re-poll interval is advised.
func NewQuotaExceededError(quota int) *AppError {
	return Newf(ErrorTypeRateLimit, "concurrent job quota of %d reached", quota).
		WithCode(CodeQuotaExceeded).
		WithSuggestion("wait for running jobs to finish or cancel one").
		WithRetryAfter(30 * time.Second)
}

// NewRateLimitedError reports request-rate exhaustion for an endpoint class.
func NewRateLimitedError(class string) *AppError {
	return Newf(ErrorTypeRateLimit, "request rate limit exceeded for %s", class).
		WithCode(CodeRateLimited)
}

// NewStorageError classifies a storage collaborator failure.
func NewStorageError(code string, operation string, err error) *AppError {
	errType := ErrorTypeStorage
	if code == CodeStorageNotFound {
		errType = ErrorTypeNotFound
	}
	return Wrapf(err, errType, "storage %s failed", operation).WithCode(code)
}

// NewTranscoderError classifies a transcoder invocation failure. The message
// is synthesized from the code; raw stderr never reaches it.
func NewTranscoderError(code string) *AppError {
	var msg string
	switch code {
	case CodeTranscoderTimeout:
		msg = "transcoding exceeded its time limit"
	case CodeTranscoderInvalidMedia:
		msg = "the input media could not be decoded"
	default:
		msg = "the transcoder terminated abnormally"
	}
	return New(ErrorTypeTranscoder, msg).WithCode(code)
}

// NewLockLostError reports that the worker's lease was fenced out.
func NewLockLostError(resource string) *AppError {
	return Newf(ErrorTypeInternal, "lost lock on %s", resource).WithCode(CodeLockLost)
}
