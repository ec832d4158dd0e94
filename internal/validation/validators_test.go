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

package validation

import (
	"math"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/medianaut/internal/errors"
)

var _ = Describe("Validation", func() {
	Describe("CanonicalizeLocalPath", func() {
		Context("with valid paths", func() {
			It("should pass absolute paths through", func() {
				canonical, err := CanonicalizeLocalPath("/srv/media/in/clip.mov")
				Expect(err).NotTo(HaveOccurred())
				Expect(canonical).To(Equal("/srv/media/in/clip.mov"))
			})

			It("should collapse dot and dot-dot segments", func() {
				canonical, err := CanonicalizeLocalPath("/srv/media/./in/../in/clip.mov")
				Expect(err).NotTo(HaveOccurred())
				Expect(canonical).To(Equal("/srv/media/in/clip.mov"))
			})

			It("should normalize backslash separators", func() {
				canonical, err := CanonicalizeLocalPath("/srv\\media\\clip.mov")
				Expect(err).NotTo(HaveOccurred())
				Expect(canonical).To(Equal("/srv/media/clip.mov"))
			})
		})

		Context("with invalid paths", func() {
			It("should reject empty paths", func() {
				_, err := CanonicalizeLocalPath("")
				Expect(err).To(HaveOccurred())
				Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidPath))
			})

			It("should reject relative paths", func() {
				_, err := CanonicalizeLocalPath("media/clip.mov")
				Expect(err).To(HaveOccurred())
				Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidPath))
			})

			It("should reject NUL bytes", func() {
				_, err := CanonicalizeLocalPath("/srv/media/clip\x00.mov")
				Expect(err).To(HaveOccurred())
				Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidPath))
			})
		})
	})

	Describe("EnsureUnderRoots", func() {
		roots := []string{"/srv/media", "/mnt/ingest"}

		It("should accept paths under a configured root", func() {
			Expect(EnsureUnderRoots("/srv/media/in/clip.mov", roots)).To(Succeed())
			Expect(EnsureUnderRoots("/mnt/ingest/a.mp4", roots)).To(Succeed())
		})

		It("should reject traversal out of the root after canonicalization", func() {
			// The admission pipeline canonicalizes first, so
			// "/srv/media/../etc/passwd" arrives here as "/srv/etc/passwd".
			canonical, err := CanonicalizeLocalPath("/srv/media/../etc/passwd")
			Expect(err).NotTo(HaveOccurred())
			Expect(canonical).To(Equal("/srv/etc/passwd"))

			err = EnsureUnderRoots(canonical, roots)
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodePathOutOfScope))
		})

		It("should reject sibling prefixes that merely share a string prefix", func() {
			err := EnsureUnderRoots("/srv/media-archive/clip.mov", roots)
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodePathOutOfScope))
		})
	})

	Describe("ValidateFilename", func() {
		It("should accept ASCII names with the allowed token set", func() {
			Expect(ValidateFilename("clip_2024-final.v2.mov")).To(Succeed())
		})

		It("should accept non-ASCII Unicode letters", func() {
			Expect(ValidateFilename("фильм.mp4")).To(Succeed())
			Expect(ValidateFilename("映画-素材.mov")).To(Succeed())
		})

		It("should reject control bytes", func() {
			err := ValidateFilename("clip\x07.mov")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("control characters"))
		})

		It("should reject spaces and shell metacharacters", func() {
			Expect(ValidateFilename("clip; rm -rf.mov")).To(HaveOccurred())
			Expect(ValidateFilename("$(whoami).mov")).To(HaveOccurred())
		})

		It("should reject empty names", func() {
			Expect(ValidateFilename("")).To(HaveOccurred())
		})
	})

	Describe("ParseBitrate", func() {
		It("should parse plain and suffixed values", func() {
			Expect(ParseBitrate("800000")).To(Equal(int64(800_000)))
			Expect(ParseBitrate("5000k")).To(Equal(int64(5_000_000)))
			Expect(ParseBitrate("8M")).To(Equal(int64(8_000_000)))
			Expect(ParseBitrate("1G")).To(Equal(int64(1_000_000_000)))
		})

		It("should reject values that would overflow 64-bit bps", func() {
			_, err := ParseBitrate(strconv.FormatInt(math.MaxInt64, 10) + "k")
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidBitrate))
		})

		It("should reject non-numeric, zero and negative values", func() {
			for _, raw := range []string{"", "fast", "-5000k", "0", "12.5k"} {
				_, err := ParseBitrate(raw)
				Expect(err).To(HaveOccurred(), "bitrate %q should be rejected", raw)
				Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidBitrate))
			}
		})
	})

	Describe("ValidateCodecContainer", func() {
		It("should accept compatible pairs", func() {
			Expect(ValidateCodecContainer("mp4", "h264")).To(Succeed())
			Expect(ValidateCodecContainer("webm", "vp9")).To(Succeed())
			Expect(ValidateCodecContainer("hls", "h264")).To(Succeed())
			Expect(ValidateCodecContainer("MP4", "HEVC")).To(Succeed())
		})

		It("should reject incompatible pairs", func() {
			err := ValidateCodecContainer("webm", "h264")
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeCodecContainerMismatch))

			Expect(ValidateCodecContainer("mp4", "vp8")).To(HaveOccurred())
			Expect(ValidateCodecContainer("hls", "vp9")).To(HaveOccurred())
		})

		It("should reject unknown containers", func() {
			err := ValidateCodecContainer("rm", "h264")
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeCodecContainerMismatch))
		})
	})

	Describe("ValidateResolution", func() {
		It("should accept dimensions within the ceiling", func() {
			Expect(ValidateResolution(1920, 1080, 7680, 4320)).To(Succeed())
		})

		It("should reject dimensions above the ceiling", func() {
			err := ValidateResolution(8192, 4320, 7680, 4320)
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeLimitExceeded))
		})

		It("should reject non-positive dimensions", func() {
			Expect(ValidateResolution(0, 1080, 7680, 4320)).To(HaveOccurred())
			Expect(ValidateResolution(1920, -1, 7680, 4320)).To(HaveOccurred())
		})
	})
})
