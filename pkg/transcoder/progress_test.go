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
)

var _ = Describe("Progress Parser", func() {
	feedBlock := func(p *progressParser, lines ...string) (Update, bool) {
		var update Update
		var complete bool
		for _, line := range lines {
			update, complete = p.feed(line)
		}
		return update, complete
	}

	It("should emit one update per progress block", func() {
		p := newProgressParser(100)

		update, complete := feedBlock(p,
			"frame=250",
			"fps=25.0",
			"bitrate=1500.2kbits/s",
			"out_time_ms=10000000",
			"speed=2.0x",
			"progress=continue",
		)

		Expect(complete).To(BeTrue())
		Expect(update.Frame).To(Equal(int64(250)))
		Expect(update.FPS).To(Equal(25.0))
		Expect(update.OutTimeSeconds).To(Equal(10.0))
		Expect(update.Percent).To(Equal(10.0))
		Expect(update.Speed).To(Equal(2.0))
		Expect(update.End).To(BeFalse())
	})

	It("should not emit mid-block", func() {
		p := newProgressParser(100)

		_, complete := p.feed("frame=10")
		Expect(complete).To(BeFalse())
		_, complete = p.feed("out_time_ms=500000")
		Expect(complete).To(BeFalse())
	})

	It("should clamp the percentage to 100", func() {
		p := newProgressParser(10)

		update, complete := feedBlock(p, "out_time_ms=15000000", "progress=continue")
		Expect(complete).To(BeTrue())
		Expect(update.Percent).To(Equal(100.0))
	})

	It("should report 100 on the end record", func() {
		p := newProgressParser(10)

		update, complete := feedBlock(p, "out_time_ms=9000000", "progress=end")
		Expect(complete).To(BeTrue())
		Expect(update.End).To(BeTrue())
		Expect(update.Percent).To(Equal(100.0))
	})

	It("should hold the percentage when the duration is zero", func() {
		// Live sources report no duration; the percentage must hold at its
		// last value with no division by zero.
		p := newProgressParser(0)

		update, complete := feedBlock(p, "out_time_ms=5000000", "progress=continue")
		Expect(complete).To(BeTrue())
		Expect(update.Percent).To(Equal(0.0))

		update, complete = feedBlock(p, "out_time_ms=9000000", "progress=continue")
		Expect(complete).To(BeTrue())
		Expect(update.Percent).To(Equal(0.0))
	})

	It("should keep the percentage monotonically non-decreasing", func() {
		p := newProgressParser(100)

		first, _ := feedBlock(p, "out_time_ms=50000000", "progress=continue")
		Expect(first.Percent).To(Equal(50.0))

		// A stale out_time must not walk the percentage backwards.
		second, _ := feedBlock(p, "out_time_ms=40000000", "progress=continue")
		Expect(second.Percent).To(Equal(50.0))
	})

	It("should compute an ETA from the encode speed", func() {
		p := newProgressParser(100)

		update, _ := feedBlock(p, "out_time_ms=20000000", "speed=2.0x", "progress=continue")
		Expect(update.ETASeconds).To(Equal(40))
	})

	It("should ignore malformed lines", func() {
		p := newProgressParser(100)

		_, complete := p.feed("not a key value line")
		Expect(complete).To(BeFalse())
		_, complete = p.feed("out_time_ms=garbage")
		Expect(complete).To(BeFalse())

		update, complete := p.feed("progress=continue")
		Expect(complete).To(BeTrue())
		Expect(update.OutTimeSeconds).To(Equal(0.0))
	})
})
