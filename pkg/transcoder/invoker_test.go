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
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/internal/errors"
)

// writeFakeTranscoder installs an executable stand-in for the transcoder
// binary. The invoker still direct-execs the path it is given; the script
// only simulates the child's behavior.
func writeFakeTranscoder(dir, body string) string {
	path := filepath.Join(dir, "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	Expect(os.WriteFile(path, []byte(script), 0o755)).To(Succeed())
	return path
}

var _ = Describe("Invoker", func() {
	var (
		workDir string
		logger  *zap.Logger
	)

	BeforeEach(func() {
		var err error
		workDir, err = os.MkdirTemp("", "invoker-test")
		Expect(err).NotTo(HaveOccurred())
		logger = zap.NewNop()
	})

	AfterEach(func() {
		os.RemoveAll(workDir)
	})

	newInvoker := func(binary string) *Invoker {
		return NewInvoker(Options{
			FFmpegPath:        binary,
			MaxDuration:       5 * time.Second,
			InactivityTimeout: 5 * time.Second,
			CancelGrace:       200 * time.Millisecond,
		}, logger)
	}

	Describe("Run", func() {
		It("should stream progress updates from the dedicated pipe", func() {
			binary := writeFakeTranscoder(workDir, `
printf 'out_time_ms=1000000\nfps=30\nprogress=continue\n' >&3
printf 'out_time_ms=4000000\nprogress=end\n' >&3
exit 0`)

			var updates []Update
			err := newInvoker(binary).Run(context.Background(), Request{
				Args:                 []string{"-i", "in.mov", "out.mp4"},
				TotalDurationSeconds: 4,
				OnProgress:           func(u Update) { updates = append(updates, u) },
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(updates).To(HaveLen(2))
			Expect(updates[0].Percent).To(Equal(25.0))
			Expect(updates[0].FPS).To(Equal(30.0))
			Expect(updates[1].End).To(BeTrue())
			Expect(updates[1].Percent).To(Equal(100.0))
		})

		It("should classify invalid media from the child's diagnostics", func() {
			binary := writeFakeTranscoder(workDir, `
echo "Invalid data found when processing input" >&2
exit 1`)

			err := newInvoker(binary).Run(context.Background(), Request{Args: []string{"-i", "x"}})
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeTranscoderInvalidMedia))
		})

		It("should classify other non-zero exits as crashes without leaking stderr", func() {
			binary := writeFakeTranscoder(workDir, `
echo "segfault at /srv/secret/path.mov" >&2
exit 134`)

			err := newInvoker(binary).Run(context.Background(), Request{Args: []string{"-i", "x"}})
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeTranscoderCrash))
			Expect(errors.SafeErrorMessage(err)).NotTo(ContainSubstring("/srv/secret"))
		})

		It("should enforce the wall-clock ceiling", func() {
			binary := writeFakeTranscoder(workDir, `exec 3>&-
sleep 30`)

			invoker := NewInvoker(Options{
				FFmpegPath:        binary,
				MaxDuration:       200 * time.Millisecond,
				InactivityTimeout: 5 * time.Second,
				CancelGrace:       100 * time.Millisecond,
			}, logger)

			start := time.Now()
			err := invoker.Run(context.Background(), Request{Args: []string{"-i", "x"}})
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeTranscoderTimeout))
			Expect(time.Since(start)).To(BeNumerically("<", 3*time.Second))
		})

		It("should kill the child when no progress arrives within the watchdog window", func() {
			binary := writeFakeTranscoder(workDir, `exec 3>&-
sleep 30`)

			invoker := NewInvoker(Options{
				FFmpegPath:        binary,
				MaxDuration:       time.Minute,
				InactivityTimeout: 200 * time.Millisecond,
				CancelGrace:       100 * time.Millisecond,
			}, logger)

			err := invoker.Run(context.Background(), Request{Args: []string{"-i", "x"}})
			Expect(err).To(HaveOccurred())
			Expect(errors.GetCode(err)).To(Equal(errors.CodeTranscoderTimeout))
		})

		It("should propagate caller cancellation for the worker to classify", func() {
			binary := writeFakeTranscoder(workDir, `exec 3>&-
sleep 30`)

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(100 * time.Millisecond)
				cancel()
			}()

			err := newInvoker(binary).Run(ctx, Request{Args: []string{"-i", "x"}})
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("NewScopedTempDir", func() {
		It("should create and release the directory", func() {
			dir, release, err := NewScopedTempDir(workDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(dir).To(BeADirectory())

			Expect(os.WriteFile(filepath.Join(dir, "staged.mov"), []byte("x"), 0o644)).To(Succeed())

			release()
			Expect(dir).NotTo(BeADirectory())
		})
	})
})
