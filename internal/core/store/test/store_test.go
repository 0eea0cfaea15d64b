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

// Package store_test runs one behavioural suite against every RecordStore.
// The PostgreSQL store joins in when PAUZYN_TEST_DATABASE_URL is set.
package store_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envTestDatabaseURL = "PAUZYN_TEST_DATABASE_URL"

func stores(t *testing.T) map[string]store.RecordStore {
	out := map[string]store.RecordStore{"memory": store.NewMemoryStore()}
	url := os.Getenv(envTestDatabaseURL)
	if url == "" {
		t.Logf("%s not set, skipping the postgres store", envTestDatabaseURL)
		return out
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	pg := store.NewPostgresStore(db)
	require.NoError(t, pg.EnsureSchema(context.Background()))
	out["postgres"] = pg
	return out
}

func eachStore(t *testing.T, fn func(t *testing.T, s store.RecordStore, owner string)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, s, "owner-"+uuid.NewString())
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		v := test.NewVideo(owner, "First clip", "a description")
		require.NoError(t, s.Create(ctx, v))
		assert.Equal(t, int64(1), v.Version)

		got, err := s.Get(ctx, v.Id)
		require.NoError(t, err)
		assert.Equal(t, v.Title, got.Title)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, int64(1), got.Version)

		assert.ErrorIs(t, s.Create(ctx, v), model.ErrAlreadyExists)
		_, err = s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.Create(ctx, &model.VideoRecord{}), model.ErrInvalidInput)
	})
}

func TestGetReturnsCopies(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		v := test.NewVideo(owner, "Clip", "")
		v.Tags = []string{"beach"}
		require.NoError(t, s.Create(ctx, v))

		got, err := s.Get(ctx, v.Id)
		require.NoError(t, err)
		got.Tags[0] = "mountain"

		again, err := s.Get(ctx, v.Id)
		require.NoError(t, err)
		assert.Equal(t, []string{"beach"}, again.Tags)
	})
}

func TestUpdateIsConditional(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		v := test.NewVideo(owner, "Clip", "")
		require.NoError(t, s.Create(ctx, v))

		updated, err := s.Update(ctx, v.Id, 1, func(r *model.VideoRecord) error {
			r.Status = model.StatusProcessing
			r.OwnerId = "someone-else"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, owner, updated.OwnerId)
		assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

		_, err = s.Update(ctx, v.Id, 1, func(r *model.VideoRecord) error { return nil })
		assert.ErrorIs(t, err, model.ErrConflict)

		_, err = s.Update(ctx, v.Id, 2, func(r *model.VideoRecord) error { return model.ErrInvalidInput })
		assert.ErrorIs(t, err, model.ErrInvalidInput)
		got, err := s.Get(ctx, v.Id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)

		_, err = s.Update(ctx, uuid.NewString(), 1, func(r *model.VideoRecord) error { return nil })
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestUpsertStage(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		v := test.NewVideo(owner, "Clip", "")
		require.NoError(t, s.Create(ctx, v))

		outcome := model.StageOutcome{State: model.StageSucceeded, Attempts: 1, ResolvedAt: time.Now().UTC()}
		updated, err := s.UpsertStage(ctx, v.Id, model.StageTranscription, outcome, &model.TranscriptResult{Text: "hi", Languages: []string{"en"}}, 1)
		require.NoError(t, err)
		assert.Equal(t, "hi", updated.Transcript)
		got, ok := updated.Outcome(model.StageTranscription)
		require.True(t, ok)
		assert.Equal(t, model.StageSucceeded, got.State)

		_, err = s.UpsertStage(ctx, v.Id, model.StageModeration, outcome, &model.TranscriptResult{}, updated.Version)
		assert.ErrorIs(t, err, model.ErrInvalidInput)

		failed := model.StageOutcome{State: model.StageFailed, Attempts: 3, Error: "timeout"}
		updated, err = s.UpsertStage(ctx, v.Id, model.StageFaceDetection, failed, &model.FacesResult{Faces: []model.FaceDetection{{Confidence: 99}}}, updated.Version)
		require.NoError(t, err)
		assert.Empty(t, updated.Faces)

		_, err = s.UpsertStage(ctx, v.Id, model.StageModeration, outcome, nil, 1)
		assert.ErrorIs(t, err, model.ErrConflict)

		done, err := s.Update(ctx, v.Id, updated.Version, func(r *model.VideoRecord) error {
			r.Status = model.StatusCompleted
			return nil
		})
		require.NoError(t, err)
		_, err = s.UpsertStage(ctx, v.Id, model.StageModeration, outcome, nil, done.Version)
		assert.ErrorIs(t, err, model.ErrTerminal)
	})
}

// TestConcurrentStageWritesAllLand has one writer per stage racing on the
// same record; every outcome must survive.
func TestConcurrentStageWritesAllLand(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		v := test.NewVideo(owner, "Clip", "")
		require.NoError(t, s.Create(ctx, v))

		var wg sync.WaitGroup
		for _, stage := range model.AllStages {
			wg.Add(1)
			go func(stage model.StageName) {
				defer wg.Done()
				outcome := model.StageOutcome{State: model.StageSkipped, Attempts: 1}
				_, err := store.UpdateWithRetry(ctx, s, v.Id, 50, store.StageMutation(stage, outcome, nil))
				assert.NoError(t, err)
			}(stage)
		}
		wg.Wait()

		got, err := s.Get(ctx, v.Id)
		require.NoError(t, err)
		assert.Len(t, got.Stages, len(model.AllStages))
		assert.Equal(t, int64(1+len(model.AllStages)), got.Version)
	})
}

func TestQuery(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
		titles := []string{"Charlie", "alpha", "Bravo", "delta"}
		ids := make(map[string]string)
		for i, title := range titles {
			v := test.NewVideo(owner, title, "")
			v.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			v.UpdatedAt = v.CreatedAt
			if i%2 == 0 {
				v.Tags = []string{"Beach"}
				v.Status = model.StatusCompleted
			}
			require.NoError(t, s.Create(ctx, v))
			ids[title] = v.Id
		}
		other := test.NewVideo("other-"+owner, "alpha", "")
		require.NoError(t, s.Create(ctx, other))

		titlesOf := func(result *model.QueryResult) []string {
			out := make([]string, len(result.Records))
			for i, r := range result.Records {
				out[i] = r.Title
			}
			return out
		}

		result, err := s.Query(ctx, model.Filter{OwnerId: owner}, model.Sort{Field: model.SortTitle}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "Bravo", "Charlie", "delta"}, titlesOf(result))
		assert.Equal(t, 4, result.Pagination.Total)

		result, err = s.Query(ctx, model.Filter{OwnerId: owner}, model.Sort{Field: model.SortCreatedAt, Descending: true}, model.Page{Number: 2, Size: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"Charlie"}, titlesOf(result))
		assert.Equal(t, model.Pagination{Page: 2, PerPage: 3, Total: 4, Pages: 2}, result.Pagination)

		result, err = s.Query(ctx, model.Filter{OwnerId: owner, Tags: []string{"beach"}}, model.Sort{Field: model.SortCreatedAt}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"Charlie", "Bravo"}, titlesOf(result))

		result, err = s.Query(ctx, model.Filter{OwnerId: owner, Statuses: []model.Status{model.StatusPending}}, model.Sort{Field: model.SortCreatedAt}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "delta"}, titlesOf(result))

		from, to := base.Add(time.Minute), base.Add(2*time.Minute)
		result, err = s.Query(ctx, model.Filter{OwnerId: owner, CreatedFrom: &from, CreatedTo: &to}, model.Sort{Field: model.SortCreatedAt}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "Bravo"}, titlesOf(result))

		result, err = s.Query(ctx, model.Filter{Ids: []string{ids["delta"], other.Id}}, model.Sort{Field: model.SortTitle}, model.Page{})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "delta"}, titlesOf(result))

		result, err = s.Query(ctx, model.Filter{OwnerId: owner}, model.Sort{}, model.Page{Number: 9, Size: 10})
		require.NoError(t, err)
		assert.Empty(t, result.Records)
		assert.Equal(t, 4, result.Pagination.Total)
	})
}

func TestDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.RecordStore, owner string) {
		ctx := context.Background()
		v := test.NewVideo(owner, "Clip", "")
		require.NoError(t, s.Create(ctx, v))
		require.NoError(t, s.Delete(ctx, v.Id))
		_, err := s.Get(ctx, v.Id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, v.Id), model.ErrNotFound)
	})
}

func TestSortTiesBreakById(t *testing.T) {
	at := time.Now()
	records := []*model.VideoRecord{
		{Id: "c", Title: "same", CreatedAt: at},
		{Id: "a", Title: "same", CreatedAt: at},
		{Id: "b", Title: "same", CreatedAt: at},
	}
	store.SortRecords(records, model.Sort{Field: model.SortTitle, Descending: true})
	assert.Equal(t, "a", records[0].Id)
	assert.Equal(t, "b", records[1].Id)
	assert.Equal(t, "c", records[2].Id)
}
