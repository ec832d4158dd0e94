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

package worker

import (
	"math/rand"
	"time"
)

// RetryDelay computes the redelivery delay for a failed attempt:
// base·2^(attempt-1) with ±20% jitter. Attempt is 1-based.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 30 * time.Second
	}
	delay := float64(base) * float64(int64(1)<<uint(attempt-1))
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(delay * jitter)
}
