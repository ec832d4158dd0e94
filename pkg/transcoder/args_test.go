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

package transcoder

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/pkg/job"
)

func softwareCaps() *Capabilities {
	return softwareOnlyCapabilities()
}

func hardwareCaps() *Capabilities {
	caps := softwareOnlyCapabilities()
	caps.encoders["h264_nvenc"] = true
	caps.encoders["hevc_qsv"] = true
	return caps
}

var _ = Describe("Argument Builder", func() {
	input := "/tmp/work/in.mov"
	output := "/tmp/work/out.mp4"

	Describe("transcode operations", func() {
		It("should build a software encode argv", func() {
			ops := job.Operations{{
				Type: job.OpTranscode,
				Params: map[string]interface{}{
					"video_codec": "h264",
					"crf":         float64(23),
					"audio_codec": "aac",
				},
			}}

			plan, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.HardwareEncoder).To(BeFalse())
			Expect(plan.Args).To(ContainElements("-i", input))
			Expect(plan.Args).To(ContainElements("-c:v", "libx264"))
			Expect(plan.Args).To(ContainElements("-crf", "23"))
			Expect(plan.Args).To(ContainElements("-c:a", "aac"))
			Expect(plan.Args[len(plan.Args)-1]).To(Equal(output))
		})

		It("should pick the highest-ranked hardware encoder when allowed", func() {
			ops := job.Operations{{
				Type:   job.OpTranscode,
				Params: map[string]interface{}{"video_codec": "h264"},
			}}

			plan, err := BuildArgs(ops, input, output, hardwareCaps(), true)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.HardwareEncoder).To(BeTrue())
			Expect(plan.Args).To(ContainElements("-c:v", "h264_nvenc"))
		})

		It("should fall back to software when hardware is disabled", func() {
			ops := job.Operations{{
				Type:   job.OpTranscode,
				Params: map[string]interface{}{"video_codec": "h264"},
			}}

			plan, err := BuildArgs(ops, input, output, hardwareCaps(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Args).To(ContainElements("-c:v", "libx264"))
		})

		It("should validate bitrates through the overflow-safe parser", func() {
			ops := job.Operations{{
				Type:   job.OpTranscode,
				Params: map[string]interface{}{"video_bitrate": "9223372036854775807k"},
			}}

			_, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidBitrate))
		})

		It("should pass metadata as discrete argv elements", func() {
			ops := job.Operations{{
				Type: job.OpTranscode,
				Params: map[string]interface{}{
					"metadata": map[string]interface{}{"title": "clip-one"},
				},
			}}

			plan, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Args).To(ContainElements("-metadata", "title=clip-one"))
		})

		It("should reject out-of-range crf values", func() {
			ops := job.Operations{{
				Type:   job.OpTranscode,
				Params: map[string]interface{}{"crf": float64(99)},
			}}

			_, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("trim operations", func() {
		It("should map start and duration", func() {
			ops := job.Operations{{
				Type: job.OpTrim,
				Params: map[string]interface{}{
					"start":    "00:00:10",
					"duration": "30",
				},
			}}

			plan, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Args).To(ContainElements("-ss", "00:00:10"))
			Expect(plan.Args).To(ContainElements("-t", "30"))
		})
	})

	Describe("filter operations", func() {
		It("should accept allow-listed filters", func() {
			ops := job.Operations{{
				Type:   job.OpFilter,
				Params: map[string]interface{}{"name": "scale", "args": "1280:720"},
			}}

			plan, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Args).To(ContainElements("-vf", "scale=1280:720"))
		})

		It("should reject unknown filters", func() {
			ops := job.Operations{{
				Type:   job.OpFilter,
				Params: map[string]interface{}{"name": "sendcmd"},
			}}

			_, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeInvalidOperation))
		})

		It("should reject filter graph metacharacters in arguments", func() {
			ops := job.Operations{{
				Type:   job.OpFilter,
				Params: map[string]interface{}{"name": "scale", "args": "1280:720[out];movie=x"},
			}}

			_, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("stream operations", func() {
		It("should build HLS muxer flags", func() {
			ops := job.Operations{{
				Type:   job.OpStream,
				Params: map[string]interface{}{"format": "hls", "segment_duration": "4"},
			}}

			plan, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Args).To(ContainElements("-f", "hls"))
			Expect(plan.Args).To(ContainElements("-hls_time", "4"))
		})

		It("should reject unknown streaming formats", func() {
			ops := job.Operations{{
				Type:   job.OpStream,
				Params: map[string]interface{}{"format": "rtmp"},
			}}

			_, err := BuildArgs(ops, input, output, softwareCaps(), false)
			Expect(err).To(HaveOccurred())
		})
	})

	It("should never emit a shell invocation", func() {
		ops := job.Operations{{
			Type: job.OpTranscode,
			Params: map[string]interface{}{
				"video_codec": "h264",
				"metadata":    map[string]interface{}{"comment": "a && rm -rf /"},
			},
		}}

		plan, err := BuildArgs(ops, input, output, softwareCaps(), false)
		Expect(err).NotTo(HaveOccurred())
		// The metadata value stays one argv element; nothing joins argv
		// into a command line.
		Expect(plan.Args).To(ContainElement("comment=a && rm -rf /"))
	})
})

var _ = Describe("Capabilities", func() {
	It("should parse encoder listings", func() {
		listing := `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder
 A....D aac                  AAC (Advanced Audio Coding)
`
		caps := ParseEncoderList(listing)
		Expect(caps.Has("libx264")).To(BeTrue())
		Expect(caps.Has("h264_nvenc")).To(BeTrue())
		Expect(caps.Has("aac")).To(BeTrue())
		Expect(caps.Has("hevc_qsv")).To(BeFalse())
	})

	It("should rank hardware encoders above software", func() {
		caps := ParseEncoderList("------\n V....D h264_vaapi   VAAPI H.264\n V....D libx264  x264\n")

		encoder, hw := caps.EncoderFor("h264", true)
		Expect(encoder).To(Equal("h264_vaapi"))
		Expect(hw).To(BeTrue())
	})

	It("should map audio codecs to their encoders", func() {
		caps := softwareOnlyCapabilities()

		encoder, hw := caps.EncoderFor("mp3", true)
		Expect(encoder).To(Equal("libmp3lame"))
		Expect(hw).To(BeFalse())
	})
})
