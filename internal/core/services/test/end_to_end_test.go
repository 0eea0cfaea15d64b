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

package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/workflow"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUploadToSearch drives uploads through the orchestrator and searches
// the results: a healthy video is found semantically, a video whose required
// transcription fails is hidden from search but listed for its owner.
func TestUploadToSearch(t *testing.T) {
	ctx, span := tracer.Start(ctx, "upload-to-search")
	defer span.End()

	f := newFixture()
	f.search.Config.MinSimilarity = 0.1
	registry, fakes := test.NewFakeRegistry(f.embedder)
	transcribe := fakes[model.StageTranscription]
	registry[model.StageTranscription] = &test.FakeAdapter{Func: func(ctx context.Context, in stages.StageInput) (model.StageResult, error) {
		if in.Record.Title == "v3" {
			return nil, stages.NewPermanent(model.StageTranscription, "unsupported codec", nil)
		}
		return transcribe.Run(ctx, in)
	}}

	publisher := &test.RecordingPublisher{}
	orchestrator, err := workflow.NewOrchestrator(f.config, f.store, f.index, registry, publisher, telemetry.NewMetrics())
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		orchestrator.Wait()
	}()
	orchestrator.Start(runCtx)

	media, _ := newMediaService(f, orchestrator)
	upload := func(title string, description string) *model.VideoRecord {
		v, err := media.Create(ctx, services.Upload{OwnerId: "u1", Title: title, Description: description, Filename: title + ".mp4", Body: mp4Body()})
		require.NoError(t, err)
		return v
	}
	wait := func(id string) *model.VideoRecord {
		var out *model.VideoRecord
		require.Eventually(t, func() bool {
			v, err := f.store.Get(ctx, id)
			if err != nil || !v.Status.IsTerminal() || orchestrator.IsActive(id) {
				return false
			}
			out = v
			return true
		}, 5*time.Second, 5*time.Millisecond)
		return out
	}

	v1 := upload("v1", "hello world greeting")
	v2 := upload("v2", "mountain bike trail")
	v3 := upload("v3", "broken file")
	assert.Equal(t, model.StatusPending, v1.Status)

	done := wait(v1.Id)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, "hello world", done.Transcript)
	assert.NotNil(t, done.ProcessingCompletedAt)
	require.Len(t, done.CombinedEmbedding, test.Dimension)
	indexed, err := f.index.Contains(ctx, v1.Id, model.EmbeddingCombined)
	require.NoError(t, err)
	assert.True(t, indexed)
	events := publisher.Events(v1.Id)
	require.NotEmpty(t, events)
	assert.Equal(t, model.StatusProcessing, events[0].Status)

	assert.Equal(t, model.StatusCompleted, wait(v2.Id).Status)
	failed := wait(v3.Id)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, "unsupported codec", failed.ErrorMessage)

	resp, err := f.search.Search(ctx, model.SearchRequest{SemanticQuery: "greeting"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, v1.Id, resp.Hits[0].Record.Id)
	assert.NotContains(t, hitIds(resp), v3.Id)

	resp, err = f.search.Search(ctx, model.SearchRequest{TextQuery: "broken"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	listing, err := media.List(ctx, "u1", model.Filter{}, model.Sort{}, model.Page{})
	require.NoError(t, err)
	ids := make([]string, len(listing.Records))
	for i, v := range listing.Records {
		ids[i] = v.Id
	}
	assert.ElementsMatch(t, []string{v1.Id, v2.Id, v3.Id}, ids)
}
