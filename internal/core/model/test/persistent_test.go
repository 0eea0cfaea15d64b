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

// Package model_test contains unit tests for the data models defined in the
// model package. This file tests the video record: its constructor, the stage
// result slots, cloning and the client projection.
package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewVideoRecord verifies the id, the initial status and that the list
// fields start empty rather than nil.
func TestNewVideoRecord(t *testing.T) {
	v := model.NewVideoRecord("alice", "Beach day")

	_, err := uuid.Parse(v.Id)
	assert.NoError(t, err)
	assert.Equal(t, "alice", v.OwnerId)
	assert.Equal(t, model.StatusPending, v.Status)
	assert.WithinDuration(t, time.Now(), v.CreatedAt, time.Second)
	assert.Equal(t, v.CreatedAt, v.UpdatedAt)
	assert.NotNil(t, v.Tags)
	assert.NotNil(t, v.Stages)
	assert.Nil(t, v.ProcessingStartedAt)

	other := model.NewVideoRecord("alice", "Beach day")
	assert.NotEqual(t, v.Id, other.Id)
}

func TestApplyResultFillsSlots(t *testing.T) {
	v := model.NewVideoRecord("alice", "Clip")
	v.ApplyResult(&model.TranscriptResult{Text: "hello world", Languages: []string{"en"}})
	v.ApplyResult(&model.TextAnalysisResult{KeyPhrases: []string{"hello"}, Entities: []model.Entity{{Text: "Rex", Type: "PERSON"}}})
	v.ApplyResult(&model.ScenesResult{Scenes: []model.SceneSegment{{Sequence: 1}}, DurationSeconds: 12, Resolution: "1280x720", Fps: 25})

	assert.Equal(t, "hello world", v.Transcript)
	assert.Equal(t, []string{"en"}, v.Languages)
	assert.Equal(t, []string{"hello"}, v.KeyPhrases)
	assert.Len(t, v.Entities, 1)
	assert.Len(t, v.Scenes, 1)
	assert.Equal(t, 12.0, v.Duration)
	assert.Equal(t, "1280x720", v.Resolution)
}

// TestCombinedEmbeddingNeedsBothComponents checks that the combined slot is
// only written once the visual and audio vectors exist.
func TestCombinedEmbeddingNeedsBothComponents(t *testing.T) {
	v := model.NewVideoRecord("alice", "Clip")
	combined := &model.EmbeddingResult{Kind: model.EmbeddingCombined, Vector: []float32{1, 0}}

	v.ApplyResult(combined)
	assert.Nil(t, v.CombinedEmbedding)

	v.ApplyResult(&model.EmbeddingResult{Kind: model.EmbeddingVisual, Vector: []float32{1, 0}})
	v.ApplyResult(combined)
	assert.Nil(t, v.CombinedEmbedding)

	v.ApplyResult(&model.EmbeddingResult{Kind: model.EmbeddingAudio, Vector: []float32{0, 1}})
	v.ApplyResult(combined)
	assert.Equal(t, []float32{1, 0}, v.Embedding(model.EmbeddingCombined))
	assert.Equal(t, []float32{0, 1}, v.Embedding(model.EmbeddingAudio))
}

func TestCloneIsDeep(t *testing.T) {
	v := model.NewVideoRecord("alice", "Clip")
	v.Tags = []string{"a"}
	v.VisualEmbedding = []float32{1, 2}
	v.Sentiment = &model.Sentiment{Label: "POSITIVE"}
	started := time.Now()
	v.ProcessingStartedAt = &started
	v.Stages[model.StageTranscription] = model.StageOutcome{State: model.StageSucceeded, Attempts: 1}

	c := v.Clone()
	c.Tags[0] = "b"
	c.VisualEmbedding[0] = 9
	c.Sentiment.Label = "NEGATIVE"
	*c.ProcessingStartedAt = started.Add(time.Hour)
	c.Stages[model.StageModeration] = model.StageOutcome{State: model.StageFailed}

	assert.Equal(t, "a", v.Tags[0])
	assert.Equal(t, float32(1), v.VisualEmbedding[0])
	assert.Equal(t, "POSITIVE", v.Sentiment.Label)
	assert.Equal(t, started, *v.ProcessingStartedAt)
	_, ok := v.Outcome(model.StageModeration)
	assert.False(t, ok)
	o, ok := v.Outcome(model.StageTranscription)
	assert.True(t, ok)
	assert.Equal(t, model.StageSucceeded, o.State)
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	v := model.NewVideoRecord("alice", "Clip")
	created := v.CreatedAt
	v.Touch(created.Add(-time.Hour))
	assert.Equal(t, created, v.UpdatedAt)
	v.Touch(created.Add(time.Minute))
	assert.Equal(t, created.Add(time.Minute), v.UpdatedAt)
	v.Touch(created.Add(time.Second))
	assert.Equal(t, created.Add(time.Minute), v.UpdatedAt)
}

func TestViewHidesEmbeddings(t *testing.T) {
	v := model.NewVideoRecord("alice", "Clip")
	v.VisualEmbedding = []float32{1}
	v.AudioEmbedding = []float32{1}
	v.CombinedEmbedding = []float32{1}
	v.Version = 7

	data, err := json.Marshal(v.ToView())
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, true, out["has_embedding"])
	assert.Equal(t, "alice", out["user_id"])
	for _, key := range []string{"visual_embedding", "audio_embedding", "combined_embedding", "version"} {
		assert.NotContains(t, out, key)
	}
}

func TestStageCatalogue(t *testing.T) {
	assert.Len(t, model.AllStages, 10)
	assert.Equal(t, []model.StageName{model.StageTranscription}, model.StageTextAnalysis.DependsOn())
	assert.ElementsMatch(t, []model.StageName{model.StageVisualEmbedding, model.StageAudioEmbedding}, model.StageCombinedEmbedding.DependsOn())
	assert.Empty(t, model.StageObjectDetection.DependsOn())

	position := make(map[model.StageName]int)
	for i, s := range model.AllStages {
		position[s] = i
	}
	for _, s := range model.AllStages {
		for _, dep := range s.DependsOn() {
			assert.Less(t, position[dep], position[s], "%s is listed before its dependency %s", s, dep)
		}
	}

	for _, kind := range []model.EmbeddingKind{model.EmbeddingVisual, model.EmbeddingAudio, model.EmbeddingCombined} {
		back, ok := kind.Stage().EmbeddingKind()
		assert.True(t, ok)
		assert.Equal(t, kind, back)
	}

	s, err := model.ParseStageName(" Transcription ")
	require.NoError(t, err)
	assert.Equal(t, model.StageTranscription, s)
	_, err = model.ParseStageName("lip_reading")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestParseStatus(t *testing.T) {
	s, ok := model.ParseStatus("COMPLETED")
	assert.True(t, ok)
	assert.Equal(t, model.StatusCompleted, s)
	assert.True(t, s.IsTerminal())
	assert.False(t, model.StatusProcessing.IsTerminal())
	_, ok = model.ParseStatus("archived")
	assert.False(t, ok)
}

func TestStageJobNext(t *testing.T) {
	now := time.Now()
	job := &model.StageJob{VideoId: "v", Stage: model.StageModeration, Attempt: 1, Outcome: model.JobRetryable, LastError: "rate limited"}
	next := job.Next(now, 4*time.Second)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, now.Add(4*time.Second), next.NextEligibleAt)
	assert.Equal(t, model.JobPending, next.Outcome)
	assert.Equal(t, "rate limited", next.LastError)
}

func TestPagination(t *testing.T) {
	assert.Equal(t, 0, model.Page{}.Offset())
	assert.Equal(t, 40, model.Page{Number: 3, Size: 20}.Offset())
	assert.Equal(t, model.Pagination{Page: 2, PerPage: 20, Total: 41, Pages: 3}, model.NewPagination(model.Page{Number: 2, Size: 20}, 41))
}

func TestExamplesMatchTheirStage(t *testing.T) {
	for _, s := range model.AllStages {
		example := model.GetExampleResult(s)
		if _, embedding := s.EmbeddingKind(); embedding {
			assert.Nil(t, example, s)
			continue
		}
		require.NotNil(t, example, s)
		assert.Equal(t, s, example.Stage())
	}
}
