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
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/jordigilh/medianaut/internal/errors"
)

// StreamInfo describes one media stream as reported by the probe.
type StreamInfo struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// MediaInfo is the probe result the worker plans with.
type MediaInfo struct {
	DurationSeconds float64
	FormatName      string
	BitRate         int64
	Streams         []StreamInfo
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// Probe inspects the staged input with ffprobe. The result also serves as
// the payload of analyze operations.
func (inv *Invoker) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, inv.ffprobePath,
		"-hide_banner", "-loglevel", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path)

	var out bytes.Buffer
	tail := &tailBuffer{limit: stderrTailLimit}
	cmd.Stdout = &out
	cmd.Stderr = tail

	if err := cmd.Run(); err != nil {
		inv.logger.Warn("probe failed",
			zap.String("stderr_tail", tail.String()),
			zap.Error(err))
		return nil, probeError(tail.String())
	}

	var decoded probeOutput
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		return nil, probeError("unparseable probe output")
	}

	info := &MediaInfo{
		FormatName: decoded.Format.FormatName,
		Streams:    decoded.Streams,
	}
	if decoded.Format.Duration != "" {
		info.DurationSeconds, _ = strconv.ParseFloat(decoded.Format.Duration, 64)
	}
	if decoded.Format.BitRate != "" {
		info.BitRate, _ = strconv.ParseInt(decoded.Format.BitRate, 10, 64)
	}
	return info, nil
}

func probeError(stderr string) error {
	if looksLikeInvalidMedia(stderr) {
		return errors.NewTranscoderError(errors.CodeTranscoderInvalidMedia)
	}
	return errors.NewTranscoderError(errors.CodeTranscoderCrash)
}
