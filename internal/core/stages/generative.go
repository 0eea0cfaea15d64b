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

// Package stages contains the analysis stage adapters. This file implements
// the adapter used by every stage that asks Gemini for structured JSON.
//
// Logic Flow:
//  1. The stage's prompt template is rendered with the few-shot example for the
//     stage and, for text analysis, the (truncated) transcript.
//  2. The prompt and a file part referencing the raw media are sent through the
//     quota-aware model.
//  3. The response is decoded into the stage's StageResult variant. A response
//     that does not decode is a Permanent failure; retrying the same prompt on
//     the same media rarely fixes it.
//  4. Detections below the configured confidence floor are dropped.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

// MaxTranscriptChars bounds the transcript sent to text analysis.
const MaxTranscriptChars = 5000

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, contents []*genai.Content) (string, error)
}

// ModelGenerator sends prompts through a quota-aware Gemini model and records
// token usage.
type ModelGenerator struct {
	model        *cloud.QuotaAwareGenerativeAIModel
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

// NewModelGenerator wraps model with token counters.
func NewModelGenerator(model *cloud.QuotaAwareGenerativeAIModel) *ModelGenerator {
	meter := otel.Meter("github.com/ConnorBoetig-dev/pauzyn.com/stages")
	in, _ := meter.Int64Counter("stages.generate.input_tokens")
	out, _ := meter.Int64Counter("stages.generate.output_tokens")
	return &ModelGenerator{model: model, inputTokens: in, outputTokens: out}
}

func (g *ModelGenerator) Generate(ctx context.Context, contents []*genai.Content) (string, error) {
	return cloud.GenerateMultiModalResponse(ctx, g.inputTokens, g.outputTokens, g.model, contents)
}

// promptData is what prompt templates may reference.
type promptData struct {
	Example    string
	Transcript string
	Title      string
}

// renderPrompt executes tmpl for one attempt.
func renderPrompt(tmpl *template.Template, in StageInput) (string, error) {
	data := promptData{}
	if example := model.GetExampleResult(in.Stage); example != nil {
		b, err := json.Marshal(example)
		if err != nil {
			return "", err
		}
		data.Example = string(b)
	}
	if in.Record != nil {
		data.Transcript = Truncate(in.Record.Transcript, MaxTranscriptChars)
		data.Title = in.Record.Title
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Truncate returns the first limit characters of in. Cuts always land on a
// rune boundary; an invalid byte counts as one character.
func Truncate(in string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range in {
		if n == limit {
			return in[:i]
		}
		n++
	}
	return in
}

// GenerativeAdapter asks a Generator for the JSON form of one StageResult.
type GenerativeAdapter struct {
	stage         model.StageName
	generator     Generator
	prompt        *template.Template
	minConfidence float64
	textOnly      bool
}

// NewGenerativeAdapter parses promptTemplate and builds the adapter for stage.
//
// Inputs:
//   - stage: One of the JSON producing stages.
//   - generator: The model used for the call.
//   - promptTemplate: A text/template prompt (see cloud.PromptTemplates).
//   - minConfidence: Detections strictly below this value are dropped.
//
// Outputs:
//   - *GenerativeAdapter: The adapter.
//   - error: A template parse error.
func NewGenerativeAdapter(stage model.StageName, generator Generator, promptTemplate string, minConfidence float64) (*GenerativeAdapter, error) {
	if strings.TrimSpace(promptTemplate) == "" {
		return nil, fmt.Errorf("%w: no prompt template for %s", model.ErrInvalidInput, stage)
	}
	tmpl, err := template.New(string(stage)).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing %s prompt: %w", stage, err)
	}
	return &GenerativeAdapter{
		stage:         stage,
		generator:     generator,
		prompt:        tmpl,
		minConfidence: minConfidence,
		textOnly:      stage == model.StageTextAnalysis,
	}, nil
}

// Run implements Adapter.
func (a *GenerativeAdapter) Run(ctx context.Context, in StageInput) (model.StageResult, error) {
	in.Stage = a.stage
	if a.textOnly && (in.Record == nil || strings.TrimSpace(in.Record.Transcript) == "") {
		// Nothing was said; there is nothing to analyse.
		return &model.TextAnalysisResult{}, nil
	}

	prompt, err := renderPrompt(a.prompt, in)
	if err != nil {
		return nil, NewPermanent(a.stage, "unable to render prompt", err)
	}
	var contents []*genai.Content
	if a.textOnly {
		contents = []*genai.Content{cloud.NewTextPart(prompt)}
	} else {
		contents = cloud.NewPromptContent(in.Locator, in.Mime(), prompt)
	}

	text, err := a.generator.Generate(ctx, contents)
	if err != nil {
		return nil, Classify(a.stage, err)
	}

	result, err := decodeResult(a.stage, text)
	if err != nil {
		return nil, NewPermanent(a.stage, "malformed model response", err)
	}
	filterConfidence(result, a.minConfidence)
	return result, nil
}

// decodeResult unmarshals the JSON text into the variant for stage.
func decodeResult(stage model.StageName, text string) (model.StageResult, error) {
	var out model.StageResult
	switch stage {
	case model.StageObjectDetection:
		out = &model.ObjectsResult{}
	case model.StageSceneDetection:
		out = &model.ScenesResult{}
	case model.StageFaceDetection:
		out = &model.FacesResult{}
	case model.StageEmotionDetection:
		out = &model.EmotionsResult{}
	case model.StageModeration:
		out = &model.ModerationResult{}
	case model.StageTranscription:
		out = &model.TranscriptResult{}
	case model.StageTextAnalysis:
		out = &model.TextAnalysisResult{}
	default:
		return nil, fmt.Errorf("stage %s does not produce JSON", stage)
	}
	if err := json.Unmarshal([]byte(cloud.TrimCodeFence(text)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// filterConfidence drops low confidence detections in place.
func filterConfidence(result model.StageResult, min float64) {
	if min <= 0 {
		return
	}
	switch r := result.(type) {
	case *model.ObjectsResult:
		r.Objects = keep(r.Objects, func(d model.Detection) bool { return d.Confidence >= min })
	case *model.FacesResult:
		r.Faces = keep(r.Faces, func(d model.FaceDetection) bool { return d.Confidence >= min })
	case *model.EmotionsResult:
		r.Emotions = keep(r.Emotions, func(d model.EmotionDetection) bool { return d.Confidence >= min })
	case *model.ModerationResult:
		r.Labels = keep(r.Labels, func(d model.ModerationLabel) bool { return d.Confidence >= min })
	}
}

func keep[T any](in []T, ok func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if ok(v) {
			out = append(out, v)
		}
	}
	return out
}
