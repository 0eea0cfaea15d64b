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
	"errors"
	"fmt"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// BuildRegistry creates an adapter for every enabled stage. The extractor is
// optional; without it transcription prompts with the original video.
func BuildRegistry(config *cloud.Config, generator Generator, embedder Embedder, extractor AudioExtractor) (Registry, error) {
	enabled, err := config.Pipeline.Enabled()
	if err != nil {
		return nil, err
	}
	reg := make(Registry, len(enabled))
	var errs []error
	for _, stage := range enabled {
		adapter, err := newAdapter(config, stage, generator, embedder, extractor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reg[stage] = adapter
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

func newAdapter(config *cloud.Config, stage model.StageName, generator Generator, embedder Embedder, extractor AudioExtractor) (Adapter, error) {
	prompt := config.PromptTemplates.ForStage(stage)
	switch stage {
	case model.StageTranscription:
		return NewTranscriptionAdapter(generator, prompt, extractor)
	case model.StageTextAnalysis:
		return NewGenerativeAdapter(stage, generator, prompt, 0)
	case model.StageModeration:
		return NewGenerativeAdapter(stage, generator, prompt, config.Pipeline.ModerationMinConfidence)
	case model.StageObjectDetection, model.StageSceneDetection, model.StageFaceDetection, model.StageEmotionDetection:
		return NewGenerativeAdapter(stage, generator, prompt, config.Pipeline.MinConfidence)
	case model.StageVisualEmbedding, model.StageAudioEmbedding:
		if embedder == nil {
			return nil, fmt.Errorf("%w: %s needs an embedder", model.ErrInvalidInput, stage)
		}
		kind, _ := stage.EmbeddingKind()
		return NewDescriptionEmbeddingAdapter(kind, generator, prompt, embedder)
	case model.StageCombinedEmbedding:
		return NewCombinedEmbeddingAdapter(config.VectorIndex.Dimension), nil
	}
	return nil, fmt.Errorf("%w: no adapter for stage %s", model.ErrInvalidInput, stage)
}
