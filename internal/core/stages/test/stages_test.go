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

// Package stages_test covers the analysis adapters: error classification,
// prompt rendering and decoding, the embedding adapters and the registry.
package stages_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestClassify(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "aiplatform.googleapis.com", IsTimeout: true}
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadline", fmt.Errorf("calling model: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, true},
		{"network", dnsErr, true},
		{"vertex rate limit", &genai.APIError{Code: 429, Message: "quota exceeded"}, true},
		{"vertex unavailable", &genai.APIError{Code: 503, Message: "unavailable"}, true},
		{"vertex bad request", &genai.APIError{Code: 400, Message: "unsupported codec"}, false},
		{"openai rate limit", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, true},
		{"openai server", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, true},
		{"openai invalid", &openai.APIError{HTTPStatusCode: 400, Message: "input too long"}, false},
		{"invalid dimension", fmt.Errorf("%w: got 3, want 1536", model.ErrInvalidDimension), false},
		{"invalid input", model.ErrInvalidInput, false},
		{"unknown", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := stages.Classify(model.StageModeration, tt.err)
			require.NotNil(t, se)
			assert.Equal(t, tt.transient, se.IsTransient())
			assert.Equal(t, model.StageModeration, se.Stage)
			assert.Equal(t, tt.err, se.Err)
		})
	}
	assert.Nil(t, stages.Classify(model.StageModeration, nil))
}

func TestClassifyKeepsStageErrors(t *testing.T) {
	original := stages.NewPermanent("", "corrupt container", nil)
	se := stages.Classify(model.StageSceneDetection, fmt.Errorf("wrapped: %w", original))
	assert.Same(t, original, se)
	assert.Equal(t, model.StageSceneDetection, se.Stage)
	assert.False(t, se.IsTransient())
	assert.Equal(t, "scene_detection permanent failure: corrupt container", se.Error())
}

func record() *model.VideoRecord {
	return test.NewVideo("alice", "Dog at the beach", "a dog runs after a ball")
}

func TestGenerativeAdapterDecodesAndFilters(t *testing.T) {
	gen := &test.FakeGenerator{Responses: []string{"```json\n" +
		`{"objects":[{"label":"dog","confidence":95,"timestamp_ms":10},{"label":"kite","confidence":40,"timestamp_ms":20}]}` +
		"\n```"}}
	adapter, err := stages.NewGenerativeAdapter(model.StageObjectDetection, gen, "Find objects like {{.Example}}", 70)
	require.NoError(t, err)

	v := record()
	result, err := adapter.Run(context.Background(), stages.StageInput{VideoId: v.Id, Locator: v.Locator, Record: v})
	require.NoError(t, err)
	objects, ok := result.(*model.ObjectsResult)
	require.True(t, ok)
	require.Len(t, objects.Objects, 1)
	assert.Equal(t, "dog", objects.Objects[0].Label)

	require.Len(t, gen.Prompts, 1)
	assert.Contains(t, gen.Prompts[0], `"label":"bicycle"`)
}

func TestGenerativeAdapterMalformedResponseIsPermanent(t *testing.T) {
	gen := &test.FakeGenerator{Responses: []string{"I could not watch the video."}}
	adapter, err := stages.NewGenerativeAdapter(model.StageFaceDetection, gen, "Faces like {{.Example}}", 0)
	require.NoError(t, err)

	_, err = adapter.Run(context.Background(), stages.StageInput{Record: record()})
	var se *stages.StageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.IsTransient())
	assert.Equal(t, "malformed model response", se.Reason)
}

func TestGenerativeAdapterClassifiesGeneratorErrors(t *testing.T) {
	gen := &test.FakeGenerator{Err: &genai.APIError{Code: 429, Message: "quota"}}
	adapter, err := stages.NewGenerativeAdapter(model.StageEmotionDetection, gen, "Emotions like {{.Example}}", 0)
	require.NoError(t, err)

	_, err = adapter.Run(context.Background(), stages.StageInput{Record: record()})
	var se *stages.StageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.IsTransient())
	assert.Equal(t, model.StageEmotionDetection, se.Stage)
}

func TestTextAnalysisSkipsEmptyTranscript(t *testing.T) {
	gen := &test.FakeGenerator{Err: errors.New("must not be called")}
	adapter, err := stages.NewGenerativeAdapter(model.StageTextAnalysis, gen, "Analyse {{.Transcript}}", 0)
	require.NoError(t, err)

	result, err := adapter.Run(context.Background(), stages.StageInput{Record: record()})
	require.NoError(t, err)
	assert.Equal(t, &model.TextAnalysisResult{}, result)
	assert.Empty(t, gen.Prompts)

	v := record()
	v.Transcript = "good dog"
	gen.Err = nil
	gen.Responses = []string{`{"key_phrases":["good dog"],"sentiment":{"label":"POSITIVE"},"entities":[]}`}
	result, err = adapter.Run(context.Background(), stages.StageInput{Record: v})
	require.NoError(t, err)
	assert.Equal(t, []string{"good dog"}, result.(*model.TextAnalysisResult).KeyPhrases)
	assert.Equal(t, "Analyse good dog", gen.Prompts[0])
}

func TestNewGenerativeAdapterRejectsBadTemplates(t *testing.T) {
	_, err := stages.NewGenerativeAdapter(model.StageModeration, &test.FakeGenerator{}, "  ", 0)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = stages.NewGenerativeAdapter(model.StageModeration, &test.FakeGenerator{}, "{{.Example", 0)
	assert.Error(t, err)
}

type fakeExtractor struct {
	err error
}

func (f fakeExtractor) ExtractAudio(_ context.Context, videoId string, _ string) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return "gs://pauzyn-test-audio/" + videoId + ".flac", "audio/flac", nil
}

func TestTranscriptionUsesExtractedAudio(t *testing.T) {
	gen := &test.FakeGenerator{Responses: []string{`{"transcript":"fetch","languages":["en"]}`}}
	adapter, err := stages.NewTranscriptionAdapter(gen, "Transcribe like {{.Example}}", fakeExtractor{})
	require.NoError(t, err)

	v := record()
	result, err := adapter.Run(context.Background(), stages.StageInput{VideoId: v.Id, Locator: v.Locator, Record: v})
	require.NoError(t, err)
	assert.Equal(t, "fetch", result.(*model.TranscriptResult).Text)

	failing, err := stages.NewTranscriptionAdapter(gen, "Transcribe", fakeExtractor{err: fmt.Errorf("%w: no audio stream", model.ErrInvalidInput)})
	require.NoError(t, err)
	_, err = failing.Run(context.Background(), stages.StageInput{VideoId: v.Id, Locator: v.Locator, Record: v})
	var se *stages.StageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.IsTransient())
}

func TestTruncateCountsCharacters(t *testing.T) {
	assert.Equal(t, "héll", stages.Truncate("héllo", 4))
	assert.Equal(t, "日本", stages.Truncate("日本語", 2))
	assert.Equal(t, "short", stages.Truncate("short", 10))
	assert.Empty(t, stages.Truncate("anything", 0))

	long := strings.Repeat("é", stages.MaxTranscriptChars+10)
	cut := stages.Truncate(long, stages.MaxTranscriptChars)
	assert.Equal(t, stages.MaxTranscriptChars, utf8.RuneCountInString(cut))
	assert.True(t, utf8.ValidString(cut))

	// An invalid byte early on must not pull the cut back past valid text.
	broken := "a\xffb" + strings.Repeat("c", 10)
	assert.Equal(t, "a\xffbcc", stages.Truncate(broken, 5))
}

func TestMime(t *testing.T) {
	assert.Equal(t, "video/quicktime", stages.StageInput{Locator: "gs://b/clip.mov"}.Mime())
	assert.Equal(t, "video/webm", stages.StageInput{Record: &model.VideoRecord{Format: "webm"}}.Mime())
	assert.Equal(t, "audio/flac", stages.StageInput{MIMEType: "audio/flac", Locator: "gs://b/a.mp4"}.Mime())
	assert.Equal(t, "video/mp4", stages.MimeForFormat("unknown"))
}

func TestDescriptionEmbedding(t *testing.T) {
	embedder := test.NewFakeEmbedder(test.Dimension)
	gen := &test.FakeGenerator{Responses: []string{"A dog chases a ball on the sand."}}
	adapter, err := stages.NewDescriptionEmbeddingAdapter(model.EmbeddingVisual, gen, "Describe {{.Title}}", embedder)
	require.NoError(t, err)

	v := record()
	result, err := adapter.Run(context.Background(), stages.StageInput{Locator: v.Locator, Record: v})
	require.NoError(t, err)
	emb := result.(*model.EmbeddingResult)
	assert.Equal(t, model.EmbeddingVisual, emb.Kind)
	assert.Equal(t, embedder.MustEmbed("A dog chases a ball on the sand."), emb.Vector)
	assert.Equal(t, "Describe Dog at the beach", gen.Prompts[0])

	gen.Responses = []string{"   "}
	_, err = adapter.Run(context.Background(), stages.StageInput{Record: v})
	var se *stages.StageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.IsTransient())

	_, err = stages.NewDescriptionEmbeddingAdapter(model.EmbeddingCombined, gen, "Describe", embedder)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDescriptionEmbeddingRejectsWrongDimension(t *testing.T) {
	gen := &test.FakeGenerator{Responses: []string{"a description"}}
	adapter, err := stages.NewDescriptionEmbeddingAdapter(model.EmbeddingAudio, gen, "Describe", shortEmbedder{})
	require.NoError(t, err)

	_, err = adapter.Run(context.Background(), stages.StageInput{Record: record()})
	assert.ErrorIs(t, err, model.ErrInvalidDimension)
	var se *stages.StageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.IsTransient())
}

// shortEmbedder claims the full dimension but returns three values.
type shortEmbedder struct{}

func (shortEmbedder) Dimension() int { return test.Dimension }
func (shortEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

func TestCombinedEmbedding(t *testing.T) {
	adapter := stages.NewCombinedEmbeddingAdapter(test.Dimension)

	v := record()
	_, err := adapter.Run(context.Background(), stages.StageInput{Record: v})
	var se *stages.StageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.IsTransient())

	v.VisualEmbedding = test.UnitVector(test.Dimension, 0)
	v.AudioEmbedding = test.UnitVector(test.Dimension, 1)
	result, err := adapter.Run(context.Background(), stages.StageInput{Record: v})
	require.NoError(t, err)
	combined := result.(*model.EmbeddingResult).Vector
	assert.Equal(t, model.EmbeddingCombined, result.(*model.EmbeddingResult).Kind)
	require.Len(t, combined, test.Dimension)
	assert.InDelta(t, 0.7071, combined[0], 1e-4)
	assert.InDelta(t, 0.7071, combined[1], 1e-4)
	assert.Zero(t, combined[2])

	v.AudioEmbedding = []float32{1}
	_, err = adapter.Run(context.Background(), stages.StageInput{Record: v})
	assert.ErrorIs(t, err, model.ErrInvalidDimension)
}

type fakeModels struct {
	values []float32
	err    error
	dims   []int32
}

func (f *fakeModels) EmbedContent(_ context.Context, _ string, _ []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	if config != nil && config.OutputDimensionality != nil {
		f.dims = append(f.dims, *config.OutputDimensionality)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.EmbedContentResponse{Embeddings: []*genai.ContentEmbedding{{Values: f.values}}}, nil
}

func TestVertexEmbedder(t *testing.T) {
	models := &fakeModels{values: test.UnitVector(test.Dimension, 3)}
	embedder := stages.NewVertexEmbedder(models, "text-embedding-005", test.Dimension)

	vec, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, test.Dimension)
	assert.Equal(t, []int32{test.Dimension}, models.dims)

	models.values = []float32{1, 2}
	_, err = embedder.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, model.ErrInvalidDimension)
}

func TestRateLimitedEmbedder(t *testing.T) {
	inner := test.NewFakeEmbedder(test.Dimension)
	assert.Same(t, inner, stages.NewRateLimitedEmbedder(inner, 0))

	limited := stages.NewRateLimitedEmbedder(inner, 600)
	assert.Equal(t, test.Dimension, limited.Dimension())
	_, err := limited.Embed(context.Background(), "first call passes")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = limited.Embed(ctx, "second call waits")
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	config := test.NewTestConfig()
	registry, err := stages.BuildRegistry(config, &test.FakeGenerator{}, test.NewFakeEmbedder(test.Dimension), nil)
	require.NoError(t, err)
	for _, s := range model.AllStages {
		_, ok := registry.Get(s)
		assert.True(t, ok, s)
	}

	config.Pipeline.EnabledStages = []string{"transcription", "combined_embedding"}
	registry, err = stages.BuildRegistry(config, &test.FakeGenerator{}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, registry, 2)

	config.Pipeline.EnabledStages = []string{"visual_embedding"}
	_, err = stages.BuildRegistry(config, &test.FakeGenerator{}, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	config = test.NewTestConfig()
	config.PromptTemplates.Moderation = ""
	_, err = stages.BuildRegistry(config, &test.FakeGenerator{}, test.NewFakeEmbedder(test.Dimension), nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
