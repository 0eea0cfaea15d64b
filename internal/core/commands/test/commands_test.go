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

// Package commands_test covers the ingestion parsing, the conflict tolerant
// stage write and the BigQuery row flattening.
package commands_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/commands"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStorageNotification(t *testing.T) {
	text := test.GetTestNotificationText("pauzyn-test-uploads", "videos/alice/1728615848_v1.mp4", "v1")
	signal, obj, err := commands.ParseIngestionMessage([]byte(text))
	require.NoError(t, err)
	assert.Equal(t, "v1", signal.VideoId)
	assert.Equal(t, "gs://pauzyn-test-uploads/videos/alice/1728615848_v1.mp4", signal.Locator)
	require.NotNil(t, obj)
	assert.Equal(t, "video/mp4", obj.MIMEType)
}

func TestParseQueueMessage(t *testing.T) {
	signal, obj, err := commands.ParseIngestionMessage([]byte(`{"video_id":"v2","locator":"gs://b/videos/v2.mov"}`))
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Equal(t, model.IngestionSignal{VideoId: "v2", Locator: "gs://b/videos/v2.mov"}, *signal)
}

func TestParseRejectsUnusableMessages(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":         `video uploaded`,
		"no locator":       `{"video_id":"v3"}`,
		"empty object":     `{}`,
		"missing metadata": `{"bucket":"b","name":"videos/v4.mp4","contentType":"video/mp4"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := commands.ParseIngestionMessage([]byte(payload))
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}
}

type recordingSubmitter struct {
	mu      sync.Mutex
	signals []model.IngestionSignal
	err     error
}

func (r *recordingSubmitter) Submit(_ context.Context, signal model.IngestionSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.signals = append(r.signals, signal)
	return nil
}

// TestIngestionChain runs the reader and the submitter the way the
// listeners do.
func TestIngestionChain(t *testing.T) {
	submitter := &recordingSubmitter{}
	chain := cor.NewBaseChain("ingestion").
		AddCommand(commands.NewIngestionSignalReader("ingestion-reader")).
		AddCommand(commands.NewSubmitIngestion("ingestion-submit", submitter))

	chCtx := cor.NewContext(context.Background(), test.GetTestNotificationText("b", "videos/v5.webm", "v5"))
	chain.Execute(chCtx)
	require.NoError(t, cor.JoinedErrors(chCtx))
	require.Len(t, submitter.signals, 1)
	assert.Equal(t, "gs://b/videos/v5.webm", submitter.signals[0].Locator)
	assert.NotNil(t, chCtx.Get(cloud.GetGCSObjectName()))

	submitter.err = errors.New("queue full")
	chCtx = cor.NewContext(context.Background(), `{"video_id":"v6","locator":"gs://b/v6.mp4"}`)
	chain.Execute(chCtx)
	assert.ErrorContains(t, cor.JoinedErrors(chCtx), "submitting video v6: queue full")

	chCtx = cor.NewContext(context.Background(), "garbage")
	chain.Execute(chCtx)
	assert.ErrorIs(t, cor.JoinedErrors(chCtx), model.ErrInvalidInput)
	assert.Contains(t, chCtx.GetErrors(), "ingestion-reader")
}

// TestWriteOutcomeIsWriteOnce resolves the same stage twice; the second
// write returns the stored record untouched.
func TestWriteOutcomeIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryStore()
	v := test.NewVideo("alice", "Clip", "")
	require.NoError(t, records.Create(ctx, v))

	first := model.StageOutcome{State: model.StageSucceeded, Attempts: 1}
	updated, err := commands.WriteOutcome(ctx, records, v, model.StageTranscription, first, &model.TranscriptResult{Text: "first"})
	require.NoError(t, err)
	assert.Equal(t, "first", updated.Transcript)

	// v is stale: the write conflicts, re-reads and finds the stage resolved.
	again, err := commands.WriteOutcome(ctx, records, v, model.StageTranscription, first, &model.TranscriptResult{Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, "first", again.Transcript)
	assert.Equal(t, updated.Version, again.Version)
}

func TestWriteOutcomeRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryStore()
	v := test.NewVideo("alice", "Clip", "")
	require.NoError(t, records.Create(ctx, v))
	_, err := records.UpsertStage(ctx, v.Id, model.StageModeration, model.StageOutcome{State: model.StageSucceeded}, nil, v.Version)
	require.NoError(t, err)

	updated, err := commands.WriteOutcome(ctx, records, v, model.StageFaceDetection, model.StageOutcome{State: model.StageFailed, Error: "timeout"}, nil)
	require.NoError(t, err)
	assert.Len(t, updated.Stages, 2)
	assert.Equal(t, int64(3), updated.Version)
}

// TestStageChain runs load, index and persist for an embedding result.
func TestStageChain(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryStore()
	index := vector.NewMemoryIndex(test.Dimension)
	v := test.NewVideo("alice", "Clip", "")
	require.NoError(t, records.Create(ctx, v))

	indexer := commands.NewIndexEmbedding("index", index)
	indexer.WithInputParam(commands.ParamStageResult)
	persist := commands.NewPersistStageResult("persist", records)
	persist.WithInputParam(commands.ParamStageResult)
	chain := cor.NewBaseChain("stage").
		AddCommand(commands.NewLoadVideo("load", records)).
		AddCommand(indexer).
		AddCommand(persist)

	job := &model.StageJob{VideoId: v.Id, OwnerId: v.OwnerId, Stage: model.StageVisualEmbedding, Attempt: 1, ScheduledAt: time.Now()}
	chCtx := cor.NewContext(ctx, job)
	chCtx.Add(commands.ParamStageResult, &model.EmbeddingResult{Kind: model.EmbeddingVisual, Vector: test.UnitVector(test.Dimension, 4)})
	chain.Execute(chCtx)
	require.NoError(t, cor.JoinedErrors(chCtx))

	ok, err := index.Contains(ctx, v.Id, model.EmbeddingVisual)
	require.NoError(t, err)
	assert.True(t, ok)
	stored, err := records.Get(ctx, v.Id)
	require.NoError(t, err)
	assert.Len(t, stored.VisualEmbedding, test.Dimension)
	outcome, ok := stored.Outcome(model.StageVisualEmbedding)
	require.True(t, ok)
	assert.Equal(t, 1, outcome.Attempts)

	_, err = records.Update(ctx, v.Id, stored.Version, func(r *model.VideoRecord) error {
		r.Status = model.StatusFailed
		return nil
	})
	require.NoError(t, err)
	chCtx = cor.NewContext(ctx, job)
	chCtx.Add(commands.ParamStageResult, &model.ModerationResult{})
	chain.Execute(chCtx)
	assert.ErrorIs(t, cor.JoinedErrors(chCtx), model.ErrTerminal)
}

func TestAudioArgs(t *testing.T) {
	args := commands.AudioArgs("/tmp/in.mp4", "/tmp/out.flac", model.MediaFormatFilter{Format: "flac", SampleRate: "16000", Channels: "1"})
	assert.Equal(t, "/tmp/out.flac", args[len(args)-1])
	assert.Subset(t, args, []string{"-vn", "-i", "/tmp/in.mp4", "16000", "flac"})
	assert.Equal(t, "audio/v7.flac", commands.AudioObjectName("audio/", "v7", "flac"))
}

func TestNewVideoExportRow(t *testing.T) {
	v := test.NewVideo("alice", "Clip", "")
	v.Status = model.StatusCompleted
	v.Objects = []model.Detection{{Label: "dog"}, {Label: "dog"}, {Label: "ball"}}
	v.ModerationLabels = []model.ModerationLabel{{Name: "Violence"}}
	v.Sentiment = &model.Sentiment{Label: "POSITIVE"}
	v.Stages[model.StageFaceDetection] = model.StageOutcome{State: model.StageFailed}
	v.Stages[model.StageModeration] = model.StageOutcome{State: model.StageSucceeded}
	started := v.CreatedAt.Add(time.Second)
	v.ProcessingStartedAt = &started

	row := commands.NewVideoExportRow(v)
	assert.Equal(t, "completed", row.Status)
	assert.Equal(t, []string{"dog", "ball"}, row.ObjectLabels)
	assert.Equal(t, []string{"Violence"}, row.ModerationLabels)
	assert.Equal(t, "POSITIVE", row.Sentiment)
	assert.Equal(t, []string{"face_detection"}, row.FailedStages)
	assert.True(t, row.CreatedAt.Valid)
	assert.True(t, row.ProcessingStartedAt.Valid)
	assert.False(t, row.CompletedAt.Valid)
}
