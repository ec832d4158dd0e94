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
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// hardware encoder candidates per codec, best ranked first. Software
// encoders terminate each list as the universal fallback.
var encoderRanking = map[string][]string{
	"h264": {"h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox", "libx264"},
	"hevc": {"hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_videotoolbox", "libx265"},
	"av1":  {"av1_nvenc", "av1_qsv", "libsvtav1", "libaom-av1"},
	"vp9":  {"vp9_vaapi", "libvpx-vp9"},
	"vp8":  {"libvpx"},
}

// Capabilities is the hardware probe result, taken once at startup and
// treated as a process-wide constant thereafter.
type Capabilities struct {
	encoders map[string]bool
}

var (
	probeOnce sync.Once
	probed    *Capabilities
)

// ProbeCapabilities runs the encoder discovery once per process.
func ProbeCapabilities(ctx context.Context, ffmpegPath string, logger *zap.Logger) *Capabilities {
	probeOnce.Do(func() {
		probed = probeEncoders(ctx, ffmpegPath, logger)
	})
	return probed
}

func probeEncoders(ctx context.Context, ffmpegPath string, logger *zap.Logger) *Capabilities {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		logger.Warn("encoder probe failed, assuming software encoders only", zap.Error(err))
		return softwareOnlyCapabilities()
	}

	caps := ParseEncoderList(out.String())
	logger.Info("encoder capabilities probed",
		zap.Int("encoders", len(caps.encoders)))
	return caps
}

// softwareOnlyCapabilities assumes the baseline software encoder set.
func softwareOnlyCapabilities() *Capabilities {
	caps := &Capabilities{encoders: map[string]bool{}}
	for _, ranking := range encoderRanking {
		caps.encoders[ranking[len(ranking)-1]] = true
	}
	for _, audio := range []string{"aac", "libmp3lame", "libopus", "libvorbis", "flac", "ac3"} {
		caps.encoders[audio] = true
	}
	return caps
}

// ParseEncoderList extracts encoder names from `ffmpeg -encoders` output.
func ParseEncoderList(output string) *Capabilities {
	caps := &Capabilities{encoders: map[string]bool{}}
	scanner := bufio.NewScanner(strings.NewReader(output))
	inList := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		// Lines look like " V....D h264_nvenc   NVIDIA NVENC H.264 encoder".
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			caps.encoders[fields[1]] = true
		}
	}
	return caps
}

// Has reports whether the named encoder is available.
func (c *Capabilities) Has(encoder string) bool {
	return c.encoders[encoder]
}

// EncoderFor selects the highest-ranked available encoder for the codec.
// The second return value is false when hardware acceleration is disabled
// or no hardware encoder is present, in which case the software encoder is
// returned.
func (c *Capabilities) EncoderFor(codec string, hardwareAllowed bool) (string, bool) {
	ranking, ok := encoderRanking[strings.ToLower(codec)]
	if !ok {
		// Audio and passthrough codecs map to themselves.
		return codecEncoder(codec), false
	}

	software := ranking[len(ranking)-1]
	if hardwareAllowed {
		for _, candidate := range ranking[:len(ranking)-1] {
			if c.encoders[candidate] {
				// Software encoders ranked ahead of the fallback (libsvtav1)
				// are not hardware.
				return candidate, !strings.HasPrefix(candidate, "lib")
			}
		}
	}
	return software, false
}

// codecEncoder maps non-video codec names to their ffmpeg encoders.
func codecEncoder(codec string) string {
	switch strings.ToLower(codec) {
	case "mp3":
		return "libmp3lame"
	case "opus":
		return "libopus"
	case "vorbis":
		return "libvorbis"
	default:
		return strings.ToLower(codec)
	}
}
