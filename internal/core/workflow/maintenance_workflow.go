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

// Package workflow defines the high-level business logic orchestrations,
// combining various commands into coherent pipelines. This file holds the
// background jobs that keep the store, the index and the orchestrator in step:
// the recovery sweep, the index reconciler and the terminal export hook.
package workflow

import (
	goctx "context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/commands"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartTimer runs command every interval until ctx is cancelled. Each run
// gets a fresh cor context and its own span.
func StartTimer(ctx goctx.Context, command cor.Command, interval time.Duration) {
	if interval <= 0 {
		slog.WarnContext(ctx, "timer disabled", "command", command.GetName())
		return
	}
	tracer := otel.Tracer(command.GetName())
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				traceCtx, span := tracer.Start(ctx, command.GetName())
				chainCtx := cor.NewContext(traceCtx, nil)
				if command.IsExecutable(chainCtx) {
					command.Execute(chainCtx)
				}
				if chainCtx.HasErrors() {
					span.SetStatus(codes.Error, fmt.Sprintf("failed to execute %s", command.GetName()))
					slog.WarnContext(traceCtx, "background job failed", "command", command.GetName(), "error", cor.JoinedErrors(chainCtx))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RecoverySweeper re-submits unfinished videos that have no active run, for
// instance after a restart or a store outage.
type RecoverySweeper struct {
	cor.BaseCommand
	orchestrator *Orchestrator
}

func NewRecoverySweeper(orchestrator *Orchestrator) *RecoverySweeper {
	return &RecoverySweeper{BaseCommand: *cor.NewBaseCommand("recovery-sweeper"), orchestrator: orchestrator}
}

// IsExecutable always returns true; the sweep needs no input.
func (s *RecoverySweeper) IsExecutable(_ cor.Context) bool {
	return true
}

func (s *RecoverySweeper) Execute(context cor.Context) {
	count, err := s.orchestrator.Recover(context.GetContext())
	if err != nil {
		s.Fail(context, err)
		return
	}
	trace.SpanFromContext(context.GetContext()).SetAttributes(attribute.Int("recovered", count))
	s.Succeed(context)
}

// IndexReconciler re-upserts embeddings that are stored on a record but
// missing from the vector index, e.g. after the index was rebuilt.
type IndexReconciler struct {
	cor.BaseCommand
	store store.RecordStore
	index vector.Index
}

func NewIndexReconciler(records store.RecordStore, index vector.Index) *IndexReconciler {
	return &IndexReconciler{BaseCommand: *cor.NewBaseCommand("index-reconciler"), store: records, index: index}
}

// IsExecutable always returns true; the reconciler needs no input.
func (r *IndexReconciler) IsExecutable(_ cor.Context) bool {
	return true
}

func (r *IndexReconciler) Execute(context cor.Context) {
	ctx := context.GetContext()
	filter := model.Filter{Statuses: []model.Status{model.StatusProcessing, model.StatusCompleted}}
	result, err := r.store.Query(ctx, filter, model.Sort{Field: model.SortCreatedAt}, model.Page{})
	if err != nil {
		r.Fail(context, err)
		return
	}

	repaired := 0
	for _, record := range result.Records {
		for _, kind := range []model.EmbeddingKind{model.EmbeddingVisual, model.EmbeddingAudio, model.EmbeddingCombined} {
			vec := record.Embedding(kind)
			if len(vec) == 0 {
				continue
			}
			ok, err := r.index.Contains(ctx, record.Id, kind)
			if err != nil {
				r.Fail(context, err)
				return
			}
			if ok {
				continue
			}
			if err := r.index.Upsert(ctx, record.Id, kind, vec); err != nil {
				slog.WarnContext(ctx, "failed to re-index embedding", "video_id", record.Id, "kind", kind, "error", err)
				continue
			}
			repaired++
		}
	}
	if repaired > 0 {
		slog.InfoContext(ctx, "re-indexed missing embeddings", "count", repaired)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("repaired", repaired))
	r.Succeed(context)
}

// TerminalExportWorkflow runs once per finished video: the BigQuery export
// and the removal of the extracted audio track. Both steps read the record
// from commands.ParamVideo, so one failing does not stop the other.
type TerminalExportWorkflow struct {
	cor.BaseCommand
	chain cor.Chain
}

// NewTerminalExportWorkflow builds the chain. A nil client disables the step
// that needs it.
func NewTerminalExportWorkflow(config *cloud.Config, bigqueryClient *bigquery.Client, storageClient *storage.Client) *TerminalExportWorkflow {
	export := commands.NewExportVideoToBigQuery("video-export-to-big-query", bigqueryClient, config.BigQueryDataSource.DatasetName, config.BigQueryDataSource.VideoTable)
	export.WithInputParam(commands.ParamVideo)
	cleanup := commands.NewMediaCleanup("media-cleanup", storageClient, config.Storage.AudioBucket)
	cleanup.WithInputParam(commands.ParamVideo)

	out := &TerminalExportWorkflow{BaseCommand: *cor.NewBaseCommand("terminal-export")}
	out.chain = cor.NewBaseChain(out.GetName()).
		ContinueOnFailure(true).
		AddCommand(export).
		AddCommand(cleanup)
	return out
}

func (w *TerminalExportWorkflow) IsExecutable(context cor.Context) bool {
	return context.Get(commands.ParamVideo) != nil
}

func (w *TerminalExportWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}

// Hook adapts the workflow to Orchestrator.AddTerminalHook.
func (w *TerminalExportWorkflow) Hook() TerminalHook {
	return func(ctx goctx.Context, record *model.VideoRecord) {
		chCtx := cor.NewContext(ctx, record)
		chCtx.Add(commands.ParamVideo, record)
		w.Execute(chCtx)
		if err := cor.JoinedErrors(chCtx); err != nil {
			slog.WarnContext(ctx, "terminal export failed", "video_id", record.Id, "error", err)
		}
	}
}
