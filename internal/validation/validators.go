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

// Package validation holds the domain predicates evaluated at admission:
// path scoping, filename tokens, bitrate parsing, and the codec/container
// compatibility matrix. Every predicate operates on canonicalized input and
// is independent of filesystem state.
package validation

import (
	"math"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/jordigilh/medianaut/internal/errors"
)

// CanonicalizeLocalPath collapses "." and ".." segments and normalizes
// separators. The result is absolute and contains no traversal segments;
// the decision never depends on whether the target exists.
func CanonicalizeLocalPath(raw string) (string, error) {
	if raw == "" {
		return "", errors.NewValidationError("path is required").WithCode(errors.CodeInvalidPath)
	}
	if strings.ContainsRune(raw, 0) {
		return "", errors.NewValidationError("path contains a NUL byte").WithCode(errors.CodeInvalidPath)
	}

	normalized := strings.ReplaceAll(raw, "\\", "/")
	if !strings.HasPrefix(normalized, "/") {
		return "", errors.NewValidationError("local path must be absolute").WithCode(errors.CodeInvalidPath)
	}

	canonical := path.Clean(normalized)
	if canonical == "/.." || strings.HasPrefix(canonical, "/../") {
		return "", errors.NewValidationError("path escapes the filesystem root").WithCode(errors.CodeInvalidPath)
	}
	return canonical, nil
}

// EnsureUnderRoots verifies the canonical path resolves under one of the
// configured roots.
func EnsureUnderRoots(canonical string, roots []string) error {
	for _, root := range roots {
		cleanRoot := path.Clean(strings.ReplaceAll(root, "\\", "/"))
		if canonical == cleanRoot || strings.HasPrefix(canonical, cleanRoot+"/") {
			return nil
		}
	}
	return errors.NewValidationError("path is outside the configured storage roots").
		WithCode(errors.CodePathOutOfScope)
}

// ValidateFilename accepts Unicode letters/digits plus '-', '_', '.' and
// rejects control characters and path separators.
func ValidateFilename(name string) error {
	if name == "" {
		return errors.NewValidationError("filename is required").WithCode(errors.CodeInvalidPath)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.NewValidationError("filename contains control characters").
				WithCode(errors.CodeInvalidPath)
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		switch r {
		case '-', '_', '.':
			continue
		}
		return errors.Newf(errors.ErrorTypeValidation, "filename contains forbidden character %q", r).
			WithCode(errors.CodeInvalidPath)
	}
	return nil
}

// ValidateLocalFilename validates the final path element of a canonical path.
func ValidateLocalFilename(canonical string) error {
	return ValidateFilename(filepath.Base(canonical))
}

var bitrateSuffixes = map[byte]int64{
	'k': 1_000,
	'K': 1_000,
	'm': 1_000_000,
	'M': 1_000_000,
	'g': 1_000_000_000,
	'G': 1_000_000_000,
}

// ParseBitrate parses "5000k"-style bitrates into bits per second. Values
// that would overflow int64 are rejected, never truncated.
func ParseBitrate(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.NewValidationError("bitrate is required").WithCode(errors.CodeInvalidBitrate)
	}

	multiplier := int64(1)
	digits := raw
	if m, ok := bitrateSuffixes[raw[len(raw)-1]]; ok {
		multiplier = m
		digits = raw[:len(raw)-1]
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || value <= 0 {
		return 0, errors.Newf(errors.ErrorTypeValidation, "bitrate %q is not a positive integer", raw).
			WithCode(errors.CodeInvalidBitrate)
	}
	if value > math.MaxInt64/multiplier {
		return 0, errors.Newf(errors.ErrorTypeValidation, "bitrate %q overflows", raw).
			WithCode(errors.CodeInvalidBitrate)
	}
	return value * multiplier, nil
}

// containerCodecs is the closed compatibility matrix. A codec absent from a
// container's set is refused at admission, before the transcoder runs.
var containerCodecs = map[string]map[string]bool{
	"mp4":  set("h264", "hevc", "av1", "mpeg4", "aac", "mp3", "ac3", "flac"),
	"mov":  set("h264", "hevc", "prores", "mpeg4", "aac", "pcm_s16le", "alac"),
	"mkv":  set("h264", "hevc", "av1", "vp8", "vp9", "mpeg4", "aac", "mp3", "ac3", "opus", "vorbis", "flac", "pcm_s16le"),
	"webm": set("vp8", "vp9", "av1", "opus", "vorbis"),
	"avi":  set("mpeg4", "mjpeg", "mp3", "pcm_s16le"),
	"mp3":  set("mp3"),
	"flac": set("flac"),
	"wav":  set("pcm_s16le", "pcm_s24le"),
	"ogg":  set("opus", "vorbis"),
	"hls":  set("h264", "hevc", "aac", "ac3"),
	"dash": set("h264", "hevc", "av1", "vp9", "aac", "opus"),
}

func set(members ...string) map[string]bool {
	m := make(map[string]bool, len(members))
	for _, member := range members {
		m[member] = true
	}
	return m
}

// KnownContainer reports whether the container format is supported.
func KnownContainer(container string) bool {
	_, ok := containerCodecs[strings.ToLower(container)]
	return ok
}

// ValidateCodecContainer verifies the codec belongs to the container's
// allowed set.
func ValidateCodecContainer(container, codec string) error {
	codecs, ok := containerCodecs[strings.ToLower(container)]
	if !ok {
		return errors.Newf(errors.ErrorTypeValidation, "unsupported container format %q", container).
			WithCode(errors.CodeCodecContainerMismatch)
	}
	if !codecs[strings.ToLower(codec)] {
		return errors.Newf(errors.ErrorTypeValidation, "codec %q is not allowed in container %q", codec, container).
			WithCode(errors.CodeCodecContainerMismatch)
	}
	return nil
}

// ValidateResolution enforces the per-plan dimension ceilings.
func ValidateResolution(width, height, maxWidth, maxHeight int) error {
	if width <= 0 || height <= 0 {
		return errors.NewValidationError("resolution dimensions must be positive").
			WithCode(errors.CodeLimitExceeded)
	}
	if width > maxWidth || height > maxHeight {
		return errors.Newf(errors.ErrorTypeValidation, "resolution %dx%d exceeds the %dx%d ceiling",
			width, height, maxWidth, maxHeight).WithCode(errors.CodeLimitExceeded)
	}
	return nil
}
