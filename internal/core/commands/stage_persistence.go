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
// Responsibility (COR) pattern's Command interface. This file holds the
// commands a stage attempt runs against the record store and vector index.
//
// A stage attempt chain is:
//
//	LoadVideo -> RunStage -> IndexEmbedding -> PersistStageResult
//
// RunStage lives with the orchestrator because it calls the stage adapters.
// Indexing precedes persistence so an index rejection fails the stage before
// its result is recorded as a success.
package commands

import (
	goctx "context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
)

// MaxWriteAttempts bounds the re-read-and-retry loop on version conflicts.
const MaxWriteAttempts = 8

// LoadVideo reads the record a StageJob targets.
type LoadVideo struct {
	cor.BaseCommand
	store store.RecordStore
}

func NewLoadVideo(name string, records store.RecordStore) *LoadVideo {
	return &LoadVideo{BaseCommand: *cor.NewBaseCommand(name), store: records}
}

func (c *LoadVideo) Execute(context cor.Context) {
	job, ok := context.Get(c.GetInputParam()).(*model.StageJob)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: no stage job in context", model.ErrInvalidInput))
		return
	}
	record, err := c.store.Get(context.GetContext(), job.VideoId)
	if err != nil {
		c.Fail(context, err)
		return
	}
	if record.Status.IsTerminal() {
		c.Fail(context, fmt.Errorf("%w: video %s is %s", model.ErrTerminal, record.Id, record.Status))
		return
	}
	c.Succeed(context)
	context.Add(ParamJob, job)
	context.Add(ParamVideo, record)
	context.Add(c.GetOutputParam(), record)
}

// IndexEmbedding upserts an embedding result into the vector index. Other
// results pass through untouched.
type IndexEmbedding struct {
	cor.BaseCommand
	index vector.Index
}

func NewIndexEmbedding(name string, index vector.Index) *IndexEmbedding {
	return &IndexEmbedding{BaseCommand: *cor.NewBaseCommand(name), index: index}
}

func (c *IndexEmbedding) Execute(context cor.Context) {
	result, ok := context.Get(c.GetInputParam()).(model.StageResult)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: no stage result in context", model.ErrInvalidInput))
		return
	}
	if emb, ok := result.(*model.EmbeddingResult); ok {
		job := context.Get(ParamJob).(*model.StageJob)
		if err := c.index.Upsert(context.GetContext(), job.VideoId, emb.Kind, emb.Vector); err != nil {
			c.Fail(context, fmt.Errorf("indexing %s embedding: %w", emb.Kind, err))
			return
		}
	}
	c.Succeed(context)
	context.Add(c.GetOutputParam(), result)
}

// PersistStageResult records a successful stage with the store's version
// check. On conflict it re-reads: a stage already resolved by someone else is
// discarded, anything else is retried against the fresh version.
type PersistStageResult struct {
	cor.BaseCommand
	store store.RecordStore
	now   func() time.Time
}

func NewPersistStageResult(name string, records store.RecordStore) *PersistStageResult {
	return &PersistStageResult{BaseCommand: *cor.NewBaseCommand(name), store: records, now: time.Now}
}

func (c *PersistStageResult) Execute(context cor.Context) {
	result, ok := context.Get(c.GetInputParam()).(model.StageResult)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: no stage result in context", model.ErrInvalidInput))
		return
	}
	job := context.Get(ParamJob).(*model.StageJob)
	record := context.Get(ParamVideo).(*model.VideoRecord)
	outcome := model.StageOutcome{State: model.StageSucceeded, Attempts: job.Attempt, ResolvedAt: c.now().UTC()}

	updated, err := WriteOutcome(context.GetContext(), c.store, record, job.Stage, outcome, result)
	if err != nil {
		c.Fail(context, err)
		return
	}
	c.Succeed(context)
	context.Add(ParamVideo, updated)
	context.Add(c.GetOutputParam(), updated)
}

// WriteOutcome is the conflict-tolerant stage write shared by the success
// path above and the orchestrator's failure path. Outcomes are write-once:
// when the stage has already resolved, the stored record is returned
// unchanged.
func WriteOutcome(ctx goctx.Context, records store.RecordStore, record *model.VideoRecord, stage model.StageName, outcome model.StageOutcome, result model.StageResult) (*model.VideoRecord, error) {
	current := record
	for i := 0; i < MaxWriteAttempts; i++ {
		if _, done := current.Outcome(stage); done {
			slog.InfoContext(ctx, "stage already resolved, discarding write", "video_id", record.Id, "stage", stage)
			return current, nil
		}
		updated, err := records.UpsertStage(ctx, current.Id, stage, outcome, result, current.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		if current, err = records.Get(ctx, record.Id); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: gave up writing %s for %s after %d attempts", model.ErrConflict, stage, record.Id, MaxWriteAttempts)
}
