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
	"fmt"
	"strconv"
	"strings"

	"github.com/jordigilh/medianaut/internal/errors"
	"github.com/jordigilh/medianaut/internal/validation"
	"github.com/jordigilh/medianaut/pkg/job"
)

// BuildPlan holds everything needed to spawn one transcoder process. Args
// never pass through a shell; every element is one argv entry.
type BuildPlan struct {
	Args []string
	// HardwareEncoder is set when a hardware encoder was selected.
	HardwareEncoder bool
}

// allowed free-form video filters, mapped to their ffmpeg names.
var allowedFilters = map[string]string{
	"scale":     "scale",
	"fps":       "fps",
	"crop":      "crop",
	"denoise":   "hqdn3d",
	"deinterlace": "yadif",
	"sharpen":   "unsharp",
	"hflip":     "hflip",
	"vflip":     "vflip",
}

// BuildArgs translates the operation pipeline into a single ffmpeg argv.
// Input and output are staged local paths inside the job's temp directory.
func BuildArgs(ops job.Operations, inputPath, outputPath string, caps *Capabilities, hardwareAllowed bool) (*BuildPlan, error) {
	plan := &BuildPlan{}
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", inputPath}

	var videoFilters []string

	for _, op := range ops {
		switch op.Type {
		case job.OpTranscode:
			a, hw, err := transcodeArgs(op, caps, hardwareAllowed)
			if err != nil {
				return nil, err
			}
			plan.HardwareEncoder = plan.HardwareEncoder || hw
			args = append(args, a...)

		case job.OpTrim:
			if start := op.StringParam("start"); start != "" {
				args = append(args, "-ss", start)
			}
			if duration := op.StringParam("duration"); duration != "" {
				args = append(args, "-t", duration)
			}
			if end := op.StringParam("end"); end != "" {
				args = append(args, "-to", end)
			}

		case job.OpFilter:
			name := op.StringParam("name")
			ffName, ok := allowedFilters[name]
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeValidation, "unknown filter %q", name).
					WithCode(errors.CodeInvalidOperation)
			}
			if expr := op.StringParam("args"); expr != "" {
				if strings.ContainsAny(expr, ";[]'\"`\\") {
					return nil, errors.Newf(errors.ErrorTypeValidation, "filter arguments for %q contain forbidden characters", name).
						WithCode(errors.CodeInvalidOperation)
				}
				videoFilters = append(videoFilters, ffName+"="+expr)
			} else {
				videoFilters = append(videoFilters, ffName)
			}

		case job.OpWatermark:
			// The watermark image is staged next to the input by the worker.
			overlay := op.StringParam("position")
			if overlay == "" {
				overlay = "10:10"
			}
			videoFilters = append(videoFilters, "overlay="+overlay)

		case job.OpStream:
			a, err := streamArgs(op)
			if err != nil {
				return nil, err
			}
			args = append(args, a...)

		case job.OpAnalyze:
			// Analysis runs through ffprobe, not the encode pipeline.
			continue

		default:
			return nil, errors.Newf(errors.ErrorTypeValidation, "unknown operation %q", op.Type).
				WithCode(errors.CodeInvalidOperation)
		}
	}

	if len(videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(videoFilters, ","))
	}

	args = append(args, outputPath)
	plan.Args = args
	return plan, nil
}

func transcodeArgs(op job.Operation, caps *Capabilities, hardwareAllowed bool) ([]string, bool, error) {
	var args []string
	hw := false

	if codec := op.StringParam("video_codec"); codec != "" {
		encoder, usedHW := caps.EncoderFor(codec, hardwareAllowed)
		hw = usedHW
		args = append(args, "-c:v", encoder)
	}
	if crf, ok := op.IntParam("crf"); ok {
		if crf < 0 || crf > 63 {
			return nil, false, errors.Newf(errors.ErrorTypeValidation, "crf %d out of range", crf).
				WithCode(errors.CodeLimitExceeded)
		}
		args = append(args, "-crf", strconv.Itoa(crf))
	}
	if bitrate := op.StringParam("video_bitrate"); bitrate != "" {
		if _, err := validation.ParseBitrate(bitrate); err != nil {
			return nil, false, err
		}
		args = append(args, "-b:v", bitrate)
	}
	if preset := op.StringParam("preset"); preset != "" {
		args = append(args, "-preset", preset)
	}
	if resolution := op.StringParam("resolution"); resolution != "" {
		args = append(args, "-s", resolution)
	}
	if codec := op.StringParam("audio_codec"); codec != "" {
		args = append(args, "-c:a", codecEncoder(codec))
	}
	if bitrate := op.StringParam("audio_bitrate"); bitrate != "" {
		if _, err := validation.ParseBitrate(bitrate); err != nil {
			return nil, false, err
		}
		args = append(args, "-b:a", bitrate)
	}

	// Metadata values are discrete argv elements; nothing is interpolated
	// into a command line.
	if meta, ok := op.Params["metadata"].(map[string]interface{}); ok {
		for key, value := range meta {
			if err := validation.ValidateFilename(key); err != nil {
				return nil, false, errors.Newf(errors.ErrorTypeValidation, "invalid metadata key %q", key).
					WithCode(errors.CodeInvalidOperation)
			}
			args = append(args, "-metadata", fmt.Sprintf("%s=%v", key, value))
		}
	}
	return args, hw, nil
}

func streamArgs(op job.Operation) ([]string, error) {
	format := strings.ToLower(op.StringParam("format"))
	switch format {
	case "hls":
		segment := op.StringParam("segment_duration")
		if segment == "" {
			segment = "6"
		}
		if _, err := strconv.Atoi(segment); err != nil {
			return nil, errors.Newf(errors.ErrorTypeValidation, "invalid segment duration %q", segment).
				WithCode(errors.CodeInvalidOperation)
		}
		return []string{"-f", "hls", "-hls_time", segment, "-hls_playlist_type", "vod"}, nil
	case "dash":
		return []string{"-f", "dash"}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "unknown streaming format %q", format).
		WithCode(errors.CodeInvalidOperation)
}
