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

// Package transcoder spawns and supervises the external transcoder binary.
// Invocation is direct exec with an argv array; no shell is involved
// anywhere, including metadata values. Progress arrives on a dedicated
// pipe and is parsed line by line without buffering the child's stdout.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/internal/errors"
)

// Invoker runs transcoder processes with timeouts and progress reporting.
type Invoker struct {
	ffmpegPath        string
	ffprobePath       string
	maxDuration       time.Duration
	inactivityTimeout time.Duration
	cancelGrace       time.Duration
	logger            *zap.Logger
}

// Options configures an Invoker.
type Options struct {
	FFmpegPath        string
	FFprobePath       string
	MaxDuration       time.Duration
	InactivityTimeout time.Duration
	CancelGrace       time.Duration
}

// NewInvoker creates an invoker for the given transcoder binaries.
func NewInvoker(opts Options, logger *zap.Logger) *Invoker {
	if opts.MaxDuration == 0 {
		opts.MaxDuration = 6 * time.Hour
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = 5 * time.Minute
	}
	if opts.CancelGrace == 0 {
		opts.CancelGrace = 10 * time.Second
	}
	return &Invoker{
		ffmpegPath:        opts.FFmpegPath,
		ffprobePath:       opts.FFprobePath,
		maxDuration:       opts.MaxDuration,
		inactivityTimeout: opts.InactivityTimeout,
		cancelGrace:       opts.CancelGrace,
		logger:            logger,
	}
}

// Request is one transcoder invocation.
type Request struct {
	// Args is the complete argv (without the binary itself).
	Args []string
	// TotalDurationSeconds drives percentage computation; zero means
	// unknown and holds the percentage while stages still flow.
	TotalDurationSeconds float64
	// OnProgress receives every decoded progress block.
	OnProgress func(Update)
}

// stderrTailLimit bounds the last portion of the child's stderr kept for
// local diagnostics. It never reaches stored errors or webhook payloads.
const stderrTailLimit = 8 << 10

// Run executes one invocation. Cancellation of ctx signals the child
// gracefully and escalates to a hard kill after the grace window. The
// returned error carries a transcoder taxonomy code; raw stderr is only
// logged server-side.
func (inv *Invoker) Run(ctx context.Context, req Request) error {
	runCtx, cancel := context.WithTimeout(ctx, inv.maxDuration)
	defer cancel()

	progressRead, progressWrite, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "creating progress pipe").
			WithCode(errors.CodeInternal)
	}
	defer progressRead.Close()

	// The write end becomes fd 3 in the child.
	args := append([]string{"-progress", "pipe:3"}, req.Args...)

	cmd := exec.CommandContext(runCtx, inv.ffmpegPath, args...)
	cmd.ExtraFiles = []*os.File{progressWrite}

	tail := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = tail
	cmd.Stdout = nil

	cmd.Cancel = func() error {
		// Graceful stop first; the hard kill follows if the child
		// ignores it past the grace window.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = inv.cancelGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		progressWrite.Close()
		return errors.Wrap(err, errors.ErrorTypeTranscoder, "the transcoder could not be started").
			WithCode(errors.CodeTranscoderCrash)
	}
	// The parent's copy must close so EOF propagates when the child exits.
	progressWrite.Close()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	watchdogDone := make(chan struct{})
	var starved atomic.Bool
	go func() {
		ticker := time.NewTicker(inv.inactivityTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > inv.inactivityTimeout {
					starved.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	parser := newProgressParser(req.TotalDurationSeconds)
	scanner := bufio.NewScanner(progressRead)
	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		if update, complete := parser.feed(scanner.Text()); complete && req.OnProgress != nil {
			req.OnProgress(update)
		}
	}

	waitErr := cmd.Wait()
	close(watchdogDone)

	elapsed := time.Since(start)
	if waitErr == nil {
		inv.logger.Debug("transcoder finished",
			zap.Duration("elapsed", elapsed))
		return nil
	}

	// Raw stderr is logged locally for diagnosis and goes no further.
	inv.logger.Error("transcoder failed",
		zap.Duration("elapsed", elapsed),
		zap.String("stderr_tail", tail.String()),
		zap.Error(waitErr))

	switch {
	case starved.Load():
		return errors.NewTranscoderError(errors.CodeTranscoderTimeout).
			WithDetails("no progress within the inactivity window")
	case runCtx.Err() == context.DeadlineExceeded:
		return errors.NewTranscoderError(errors.CodeTranscoderTimeout).
			WithDetails("wall-clock ceiling reached")
	case ctx.Err() != nil:
		// Caller-driven cancellation; let the worker classify it.
		return ctx.Err()
	case looksLikeInvalidMedia(tail.String()):
		return errors.NewTranscoderError(errors.CodeTranscoderInvalidMedia)
	default:
		return errors.NewTranscoderError(errors.CodeTranscoderCrash).
			WithDetailsf("exit: %v", waitErr)
	}
}

func looksLikeInvalidMedia(stderr string) bool {
	for _, marker := range []string{
		"Invalid data found when processing input",
		"moov atom not found",
		"could not find codec parameters",
		"Unknown format",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// tailBuffer keeps only the trailing limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > t.limit {
		trimmed := t.buf.Bytes()[t.buf.Len()-t.limit:]
		var next bytes.Buffer
		next.Write(trimmed)
		t.buf = next
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

// NewScopedTempDir creates the invocation's working directory and returns
// a release hook that deletes it on every exit path, including panics when
// deferred.
func NewScopedTempDir(base string) (string, func(), error) {
	dir, err := os.MkdirTemp(base, "medianaut-job-*")
	if err != nil {
		return "", nil, errors.NewStorageError(errors.CodeStorageUnavailable, "temp dir", err)
	}
	release := func() {
		_ = os.RemoveAll(dir)
	}
	return dir, release, nil
}
