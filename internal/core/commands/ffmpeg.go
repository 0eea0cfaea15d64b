// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// command that runs ffmpeg to pull the audio track out of a video.
//
// The transcription stage prompts with a small mono audio file rather than
// the full video. The target container, sample rate and channel count come
// from a model.MediaFormatFilter.
package commands

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

const TempFilePrefix = "ffmpeg-output-"

// DefaultAudioFilter is the track handed to transcription.
var DefaultAudioFilter = model.MediaFormatFilter{Format: "flac", SampleRate: "16000", Channels: "1"}

// FFMpegCommand wraps the ffmpeg binary. It reads a local path from CtxIn
// and writes the path of the extracted audio file to CtxOut.
type FFMpegCommand struct {
	cor.BaseCommand
	commandPath string
	filter      model.MediaFormatFilter
}

// NewFFMpegCommand is the constructor for creating a new FFMpegCommand.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - commandPath: The file system path to the ffmpeg executable.
//   - filter: The audio format to produce.
func NewFFMpegCommand(name string, commandPath string, filter model.MediaFormatFilter) *FFMpegCommand {
	return &FFMpegCommand{
		BaseCommand: *cor.NewBaseCommand(name),
		commandPath: commandPath,
		filter:      filter,
	}
}

// AudioArgs builds the ffmpeg argument list for an extraction.
func AudioArgs(input string, output string, filter model.MediaFormatFilter) []string {
	return []string{
		"-analyzeduration", "0", "-probesize", "5000000",
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", input,
		"-vn",
		"-ac", filter.Channels,
		"-ar", filter.SampleRate,
		"-f", filter.Format,
		output,
	}
}

func (c *FFMpegCommand) Execute(context cor.Context) {
	input, ok := context.Get(c.GetInputParam()).(string)
	if !ok || input == "" {
		c.Fail(context, fmt.Errorf("%w: no local media path in context", model.ErrInvalidInput))
		return
	}

	out, err := os.CreateTemp("", TempFilePrefix+"*."+c.filter.Format)
	if err != nil {
		c.Fail(context, fmt.Errorf("could not create temp file: %w", err))
		return
	}
	_ = out.Close()
	context.AddTempFile(out.Name())

	var stderr bytes.Buffer
	cmd := exec.CommandContext(context.GetContext(), c.commandPath, AudioArgs(input, out.Name(), c.filter)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if context.GetContext().Err() != nil {
			c.Fail(context, context.GetContext().Err())
			return
		}
		// ffmpeg exits non-zero for undecodable input; retrying cannot help.
		c.Fail(context, fmt.Errorf("%w: unsupported codec: %s", model.ErrInvalidInput, firstLine(stderr.String(), err)))
		return
	}

	c.Succeed(context)
	context.Add(c.GetOutputParam(), out.Name())
}

func firstLine(s string, fallback error) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if s == "" {
		return fallback.Error()
	}
	return s
}
