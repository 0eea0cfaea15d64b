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

package stages

import (
	"context"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// AudioExtractor pulls the audio track out of a video and stores it next to
// the raw media, returning the new locator and its media type.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, videoId string, locator string) (audioLocator string, mimeType string, err error)
}

// TranscriptionAdapter optionally extracts audio before prompting for a
// transcript, which keeps the request small for long videos.
type TranscriptionAdapter struct {
	inner     *GenerativeAdapter
	extractor AudioExtractor
}

// NewTranscriptionAdapter builds the transcription stage. extractor may be nil.
func NewTranscriptionAdapter(generator Generator, promptTemplate string, extractor AudioExtractor) (*TranscriptionAdapter, error) {
	inner, err := NewGenerativeAdapter(model.StageTranscription, generator, promptTemplate, 0)
	if err != nil {
		return nil, err
	}
	return &TranscriptionAdapter{inner: inner, extractor: extractor}, nil
}

func (a *TranscriptionAdapter) Run(ctx context.Context, in StageInput) (model.StageResult, error) {
	if a.extractor != nil {
		audio, mime, err := a.extractor.ExtractAudio(ctx, in.VideoId, in.Locator)
		if err != nil {
			return nil, Classify(model.StageTranscription, err)
		}
		in.Locator = audio
		in.MIMEType = mime
	}
	return a.inner.Run(ctx, in)
}
