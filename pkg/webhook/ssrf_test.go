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
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/medianaut/internal/errors"
)

var _ = Describe("SSRF Guard", func() {
	var (
		guard *Guard
		ctx   = context.Background()
	)

	BeforeEach(func() {
		guard = NewGuard()
	})

	Describe("ValidateURL", func() {
		It("should reject every restricted literal address", func() {
			for _, raw := range []string{
				"http://127.0.0.1:22/hook",
				"http://127.0.0.1/hook",
				"https://10.0.0.5/hook",
				"http://172.16.3.4/hook",
				"http://192.168.1.1/hook",
				"http://169.254.169.254/latest/meta-data",
				"http://0.0.0.0/hook",
				"http://[::1]/hook",
				"http://[fe80::1]/hook",
				"http://100.64.0.1/hook",
				"http://192.0.2.7/hook",
				"http://198.51.100.9/hook",
				"http://203.0.113.1/hook",
				"http://240.0.0.1/hook",
				"http://[::ffff:127.0.0.1]/hook",
			} {
				err := guard.ValidateURL(ctx, raw)
				Expect(err).To(HaveOccurred(), "URL %s must be rejected", raw)
				Expect(errors.GetCode(err)).To(Equal(errors.CodeWebhookForbidden))
			}
		})

		It("should reject relative and non-http URLs", func() {
			for _, raw := range []string{
				"/relative/hook",
				"ftp://example.com/hook",
				"gopher://example.com/hook",
				"",
			} {
				err := guard.ValidateURL(ctx, raw)
				Expect(err).To(HaveOccurred(), "URL %q must be rejected", raw)
			}
		})

		It("should accept public literal addresses", func() {
			Expect(guard.ValidateURL(ctx, "https://93.184.216.34/hook")).To(Succeed())
			Expect(guard.ValidateURL(ctx, "http://8.8.8.8/hook")).To(Succeed())
		})
	})

	Describe("Control", func() {
		It("should refuse restricted connect addresses at the socket layer", func() {
			Expect(guard.Control("tcp", "127.0.0.1:80", nil)).To(HaveOccurred())
			Expect(guard.Control("tcp", "10.1.2.3:443", nil)).To(HaveOccurred())
			Expect(guard.Control("tcp", "[::1]:443", nil)).To(HaveOccurred())
		})

		It("should allow public connect addresses", func() {
			Expect(guard.Control("tcp", "93.184.216.34:443", nil)).To(Succeed())
		})
	})
})
