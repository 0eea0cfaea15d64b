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
// command that removes the extracted audio track once a video is finished.
//
// The audio object only exists to be read by the transcription stage. After
// the video reaches a terminal status nothing will read it again.
package commands

import (
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// MediaCleanup deletes `audio/<video id>.<format>` from the audio bucket.
type MediaCleanup struct {
	cor.BaseCommand
	client *storage.Client
	bucket string
	format string
}

func NewMediaCleanup(name string, client *storage.Client, bucket string) *MediaCleanup {
	return &MediaCleanup{BaseCommand: *cor.NewBaseCommand(name), client: client, bucket: bucket, format: DefaultAudioFilter.Format}
}

func (v *MediaCleanup) IsExecutable(context cor.Context) bool {
	return v.client != nil && v.bucket != "" && v.BaseCommand.IsExecutable(context)
}

func (v *MediaCleanup) Execute(context cor.Context) {
	record, ok := context.Get(v.GetInputParam()).(*model.VideoRecord)
	if !ok {
		v.Fail(context, fmt.Errorf("%w: no video in context", model.ErrInvalidInput))
		return
	}
	name := AudioObjectName("audio/", record.Id, v.format)
	err := v.client.Bucket(v.bucket).Object(name).Delete(context.GetContext())
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		v.Fail(context, fmt.Errorf("deleting gs://%s/%s: %w", v.bucket, name, err))
		return
	}
	v.Succeed(context)
	context.Add(v.GetOutputParam(), record)
}
