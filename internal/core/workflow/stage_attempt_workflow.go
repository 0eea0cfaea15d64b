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

package workflow

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/commands"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RunStage invokes the adapter of the job's stage against the record under
// CtxIn. Failures are recorded as *stages.StageError.
type RunStage struct {
	cor.BaseCommand
	registry stages.Registry
}

func NewRunStage(name string, registry stages.Registry) *RunStage {
	return &RunStage{BaseCommand: *cor.NewBaseCommand(name), registry: registry}
}

func (c *RunStage) Execute(context cor.Context) {
	record, ok := context.Get(c.GetInputParam()).(*model.VideoRecord)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: no video in context", model.ErrInvalidInput))
		return
	}
	job := context.Get(commands.ParamJob).(*model.StageJob)
	trace.SpanFromContext(context.GetContext()).SetAttributes(
		attribute.String("video_id", job.VideoId),
		attribute.String("stage", string(job.Stage)),
		attribute.Int("attempt", job.Attempt),
	)

	adapter, ok := c.registry.Get(job.Stage)
	if !ok {
		c.Fail(context, stages.NewPermanent(job.Stage, "no adapter configured", nil))
		return
	}
	locator := record.Locator
	if locator == "" {
		locator = job.Locator
	}
	in := stages.StageInput{
		VideoId: record.Id,
		OwnerId: record.OwnerId,
		Locator: locator,
		Stage:   job.Stage,
		Attempt: job.Attempt,
		Record:  record,
	}

	result, err := c.invoke(context, adapter, in)
	if err != nil {
		c.Fail(context, stages.Classify(job.Stage, err))
		return
	}
	if result == nil || result.Stage() != job.Stage {
		c.Fail(context, stages.NewPermanent(job.Stage, "adapter returned no result for the stage", nil))
		return
	}
	c.Succeed(context)
	context.Add(commands.ParamStageResult, result)
	context.Add(c.GetOutputParam(), result)
}

// invoke turns an adapter panic into a permanent failure of the stage.
func (c *RunStage) invoke(context cor.Context, adapter stages.Adapter, in stages.StageInput) (result model.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(context.GetContext(), "stage adapter panicked", "stage", in.Stage, "video_id", in.VideoId, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, stages.NewPermanent(in.Stage, "adapter panicked", fmt.Errorf("%v", r))
		}
	}()
	return adapter.Run(context.GetContext(), in)
}

// StageAttemptWorkflow is the chain one StageJob attempt runs:
// load the record, run the adapter, index embeddings, persist the outcome.
type StageAttemptWorkflow struct {
	cor.BaseCommand
	chain cor.Chain
}

func NewStageAttemptWorkflow(records store.RecordStore, index vector.Index, registry stages.Registry) *StageAttemptWorkflow {
	out := &StageAttemptWorkflow{BaseCommand: *cor.NewBaseCommand("stage-attempt")}
	out.chain = cor.NewBaseChain(out.GetName()).
		AddCommand(commands.NewLoadVideo("load-video", records)).
		AddCommand(NewRunStage("run-stage", registry)).
		AddCommand(commands.NewIndexEmbedding("index-embedding", index)).
		AddCommand(commands.NewPersistStageResult("persist-stage-result", records))
	return out
}

func (w *StageAttemptWorkflow) IsExecutable(context cor.Context) bool {
	return w.chain.IsExecutable(context)
}

func (w *StageAttemptWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}
