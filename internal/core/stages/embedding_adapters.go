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
	"fmt"
	"strings"
	"text/template"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
)

// DescriptionEmbeddingAdapter produces the visual or audio embedding: the
// model writes a dense description of one modality of the video and the
// description is embedded as text.
type DescriptionEmbeddingAdapter struct {
	kind      model.EmbeddingKind
	generator Generator
	prompt    *template.Template
	embedder  Embedder
}

// NewDescriptionEmbeddingAdapter builds the adapter for the visual or audio kind.
func NewDescriptionEmbeddingAdapter(kind model.EmbeddingKind, generator Generator, promptTemplate string, embedder Embedder) (*DescriptionEmbeddingAdapter, error) {
	if kind == model.EmbeddingCombined {
		return nil, fmt.Errorf("%w: combined embeddings are computed locally", model.ErrInvalidInput)
	}
	if strings.TrimSpace(promptTemplate) == "" {
		return nil, fmt.Errorf("%w: no prompt template for %s", model.ErrInvalidInput, kind.Stage())
	}
	tmpl, err := template.New(string(kind.Stage())).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing %s prompt: %w", kind.Stage(), err)
	}
	return &DescriptionEmbeddingAdapter{kind: kind, generator: generator, prompt: tmpl, embedder: embedder}, nil
}

func (a *DescriptionEmbeddingAdapter) Run(ctx context.Context, in StageInput) (model.StageResult, error) {
	stage := a.kind.Stage()
	in.Stage = stage
	prompt, err := renderPrompt(a.prompt, in)
	if err != nil {
		return nil, NewPermanent(stage, "unable to render prompt", err)
	}
	description, err := a.generator.Generate(ctx, cloud.NewPromptContent(in.Locator, in.Mime(), prompt))
	if err != nil {
		return nil, Classify(stage, err)
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, NewPermanent(stage, "model returned an empty description", nil)
	}
	vec, err := a.embedder.Embed(ctx, description)
	if err != nil {
		return nil, Classify(stage, err)
	}
	if err := CheckDimension(vec, a.embedder.Dimension()); err != nil {
		return nil, NewPermanent(stage, err.Error(), err)
	}
	return &model.EmbeddingResult{Kind: a.kind, Vector: vec}, nil
}

// CombinedEmbeddingAdapter derives the combined embedding from the visual and
// audio embeddings already on the record. It makes no external call.
type CombinedEmbeddingAdapter struct {
	dimension int
}

func NewCombinedEmbeddingAdapter(dimension int) *CombinedEmbeddingAdapter {
	return &CombinedEmbeddingAdapter{dimension: dimension}
}

func (a *CombinedEmbeddingAdapter) Run(_ context.Context, in StageInput) (model.StageResult, error) {
	stage := model.StageCombinedEmbedding
	if in.Record == nil || len(in.Record.VisualEmbedding) == 0 || len(in.Record.AudioEmbedding) == 0 {
		return nil, NewPermanent(stage, "visual and audio embeddings are both required", nil)
	}
	combined, err := vector.Combine(in.Record.VisualEmbedding, in.Record.AudioEmbedding)
	if err != nil {
		return nil, NewPermanent(stage, err.Error(), err)
	}
	if err := CheckDimension(combined, a.dimension); err != nil {
		return nil, NewPermanent(stage, err.Error(), err)
	}
	return &model.EmbeddingResult{Kind: model.EmbeddingCombined, Vector: combined}, nil
}
