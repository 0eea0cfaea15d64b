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

// Package workflow holds the Pipeline Orchestrator. This file implements the
// per-video state machine:
//
//	pending -> processing -> {completed, failed}
//
// Logic Flow:
//  1. **Submit**: an ingestion signal moves a pending record to processing and
//     registers an in-memory run for the video.
//  2. **Advance**: under the run lock the record is re-read from the store and
//     every enabled stage whose dependencies resolved is enqueued as a StageJob.
//     Stages whose dependency failed or was skipped resolve without running.
//  3. **Attempt**: a bounded pool of workers executes StageAttemptWorkflow for
//     each job. Transient failures are re-enqueued with exponential backoff up
//     to pipeline.max_attempts; anything else is written as a failed outcome.
//  4. **Finalize**: a failed required stage fails the video at once. Once every
//     enabled stage resolved with all required stages succeeded, the video
//     completes. Terminal hooks run after the terminal write.
//
// Progress lives in VideoRecord.Stages, so Recover can resume any processing
// record after a restart without re-running resolved stages.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/commands"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/events"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
)

// TerminalHook is called once per video after its terminal status is stored.
type TerminalHook func(ctx context.Context, record *model.VideoRecord)

type videoRun struct {
	mu       sync.Mutex
	inFlight map[model.StageName]bool
}

// Orchestrator schedules stage attempts for every processing video.
type Orchestrator struct {
	store     store.RecordStore
	index     vector.Index
	attempt   cor.Command
	publisher events.Publisher
	metrics   *telemetry.Metrics
	pipeline  cloud.Pipeline
	workers   int
	enabled   map[model.StageName]bool
	required  map[model.StageName]bool
	jobs      chan *model.StageJob
	now       func() time.Time

	mu    sync.Mutex
	ctx   context.Context
	runs  map[string]*videoRun
	hooks []TerminalHook
	wg    sync.WaitGroup
}

// NewOrchestrator validates the stage configuration against the registry.
//
// Inputs:
//   - config: pipeline settings and the worker pool size.
//   - records, index: the shared Record Store and Vector Index.
//   - registry: one adapter per enabled stage.
//   - publisher: receives every status and stage transition. May be nil.
//   - metrics: Prometheus collectors. May be nil.
//
// Outputs:
//   - *Orchestrator: ready for Start.
//   - error: an enabled stage without adapter, or an invalid stage list.
func NewOrchestrator(config *cloud.Config, records store.RecordStore, index vector.Index, registry stages.Registry, publisher events.Publisher, metrics *telemetry.Metrics) (*Orchestrator, error) {
	enabled, err := config.Pipeline.Enabled()
	if err != nil {
		return nil, err
	}
	required, err := config.Pipeline.Required()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:     records,
		index:     index,
		attempt:   NewStageAttemptWorkflow(records, index, registry),
		publisher: publisher,
		metrics:   metrics,
		pipeline:  config.Pipeline,
		workers:   max(config.Application.ThreadPoolSize, 1),
		enabled:   make(map[model.StageName]bool, len(enabled)),
		required:  make(map[model.StageName]bool, len(required)),
		jobs:      make(chan *model.StageJob, max(config.Pipeline.JobQueueSize, 1)),
		now:       time.Now,
		ctx:       context.Background(),
		runs:      make(map[string]*videoRun),
	}
	for _, s := range enabled {
		if _, ok := registry.Get(s); !ok {
			return nil, fmt.Errorf("%w: stage %s is enabled but has no adapter", model.ErrInvalidInput, s)
		}
		o.enabled[s] = true
	}
	for _, s := range required {
		if !o.enabled[s] {
			return nil, fmt.Errorf("%w: required stage %s is not enabled", model.ErrInvalidInput, s)
		}
		o.required[s] = true
	}
	if o.publisher == nil {
		o.publisher = noopPublisher{}
	}
	return o, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, model.StatusEvent) {}

// AddTerminalHook registers a hook. Call before Start.
func (o *Orchestrator) AddTerminalHook(hook TerminalHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, hook)
}

// Start launches the worker pool. Workers stop when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	slog.InfoContext(ctx, "orchestrator started", "workers", o.workers, "stages", len(o.enabled), "required", len(o.required))
}

// Wait blocks until every worker has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// IsActive reports whether the video has an in-memory run.
func (o *Orchestrator) IsActive(videoId string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[videoId]
	return ok
}

// Submit handles a "raw media ready" signal. It is idempotent: signals for an
// active or terminal video are ignored.
func (o *Orchestrator) Submit(ctx context.Context, signal model.IngestionSignal) error {
	if signal.VideoId == "" {
		return fmt.Errorf("%w: ingestion signal without video id", model.ErrInvalidInput)
	}
	run, fresh := o.register(signal.VideoId)
	if !fresh {
		slog.DebugContext(ctx, "video already active, ignoring signal", "video_id", signal.VideoId)
		return nil
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	record, err := o.store.Get(ctx, signal.VideoId)
	if err != nil {
		o.forget(signal.VideoId)
		return err
	}
	if record.Status.IsTerminal() {
		o.forget(record.Id)
		return nil
	}
	if record.Locator == "" && signal.Locator == "" {
		o.forget(record.Id)
		return fmt.Errorf("%w: video %s has no media locator", model.ErrInvalidInput, record.Id)
	}
	if record.Status == model.StatusPending || record.Locator == "" {
		now := o.now().UTC()
		record, err = store.UpdateWithRetry(ctx, o.store, record.Id, commands.MaxWriteAttempts, func(v *model.VideoRecord) error {
			if v.Status.IsTerminal() {
				return model.ErrTerminal
			}
			if v.Status == model.StatusPending {
				v.Status = model.StatusProcessing
				v.ProcessingStartedAt = &now
			}
			if v.Locator == "" {
				v.Locator = signal.Locator
			}
			return nil
		})
		if err != nil {
			o.forget(signal.VideoId)
			if errors.Is(err, model.ErrTerminal) {
				return nil
			}
			return err
		}
		slog.InfoContext(ctx, "video processing started", "video_id", record.Id, "locator", record.Locator)
		o.publish(ctx, record.Id, record.OwnerId, model.StatusProcessing, "", "processing started")
	} else {
		slog.InfoContext(ctx, "resuming video", "video_id", record.Id, "resolved_stages", len(record.Stages))
	}
	o.advance(ctx, record.Id, run)
	return nil
}

// Recover re-submits every processing record and every pending record that
// already carries a locator. Videos with an active run are left alone.
//
// Outputs:
//   - int: how many videos were submitted.
//   - error: the store query failed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	filter := model.Filter{Statuses: []model.Status{model.StatusPending, model.StatusProcessing}}
	result, err := o.store.Query(ctx, filter, model.Sort{Field: model.SortCreatedAt}, model.Page{})
	if err != nil {
		return 0, fmt.Errorf("querying unfinished videos: %w", err)
	}
	count := 0
	for _, record := range result.Records {
		if record.Locator == "" || o.IsActive(record.Id) {
			continue
		}
		if err := o.Submit(ctx, model.IngestionSignal{VideoId: record.Id, Locator: record.Locator}); err != nil {
			slog.WarnContext(ctx, "failed to recover video", "video_id", record.Id, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		slog.InfoContext(ctx, "recovered videos", "count", count)
	}
	return count, nil
}

func (o *Orchestrator) register(videoId string) (*videoRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.runs[videoId]; ok {
		return run, false
	}
	run := &videoRun{inFlight: make(map[model.StageName]bool)}
	o.runs[videoId] = run
	return run, true
}

func (o *Orchestrator) lookup(videoId string) *videoRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[videoId]
}

func (o *Orchestrator) forget(videoId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, videoId)
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

// advance must be called with run.mu held.
func (o *Orchestrator) advance(ctx context.Context, videoId string, run *videoRun) {
	for {
		record, err := o.store.Get(ctx, videoId)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				slog.ErrorContext(ctx, "failed to read video, leaving it to recovery", "video_id", videoId, "error", err)
			}
			o.forget(videoId)
			return
		}
		if record.Status.IsTerminal() {
			o.forget(videoId)
			return
		}
		if status, message, done := o.decide(record); done {
			o.finalize(ctx, record, status, message)
			return
		}

		wrote := false
		for _, stage := range model.AllStages {
			if !o.enabled[stage] || run.inFlight[stage] {
				continue
			}
			if _, resolved := record.Outcome(stage); resolved {
				continue
			}
			outcome, ready := o.gate(record, stage)
			if outcome != nil {
				if _, err := commands.WriteOutcome(ctx, o.store, record, stage, *outcome, nil); err != nil {
					slog.ErrorContext(ctx, "failed to resolve gated stage", "video_id", videoId, "stage", stage, "error", err)
					o.forget(videoId)
					return
				}
				o.publishStage(ctx, record.Id, record.OwnerId, stage, *outcome)
				wrote = true
				break
			}
			if ready {
				now := o.now()
				run.inFlight[stage] = true
				o.enqueue(&model.StageJob{
					VideoId:        record.Id,
					OwnerId:        record.OwnerId,
					Locator:        record.Locator,
					Stage:          stage,
					Attempt:        1,
					ScheduledAt:    now,
					NextEligibleAt: now,
				})
			}
		}
		if !wrote {
			return
		}
	}
}

// gate checks a stage's dependencies. It returns an outcome when the stage
// resolves without running, ready=true when it may be scheduled now, and
// neither while a dependency is unresolved.
func (o *Orchestrator) gate(record *model.VideoRecord, stage model.StageName) (*model.StageOutcome, bool) {
	now := o.now().UTC()
	for _, dep := range stage.DependsOn() {
		if !o.enabled[dep] {
			return &model.StageOutcome{State: model.StageSkipped, Error: fmt.Sprintf("%s is disabled", dep), ResolvedAt: now}, false
		}
		out, ok := record.Outcome(dep)
		if !ok {
			return nil, false
		}
		switch out.State {
		case model.StageFailed:
			return &model.StageOutcome{State: model.StageFailed, Error: fmt.Sprintf("%s failed: %s", dep, out.Error), ResolvedAt: now}, false
		case model.StageSkipped:
			return &model.StageOutcome{State: model.StageSkipped, Error: fmt.Sprintf("%s was skipped", dep), ResolvedAt: now}, false
		}
	}
	return nil, true
}

// decide returns the terminal status once it is known. The first required
// failure, by resolution time then catalogue order, supplies the message.
func (o *Orchestrator) decide(record *model.VideoRecord) (model.Status, string, bool) {
	type failure struct {
		stage   model.StageName
		outcome model.StageOutcome
	}
	var failures []failure
	for _, stage := range model.AllStages {
		if !o.required[stage] {
			continue
		}
		if out, ok := record.Outcome(stage); ok && out.State != model.StageSucceeded {
			failures = append(failures, failure{stage, out})
		}
	}
	if len(failures) > 0 {
		sort.SliceStable(failures, func(i, j int) bool {
			return failures[i].outcome.ResolvedAt.Before(failures[j].outcome.ResolvedAt)
		})
		first := failures[0]
		message := first.outcome.Error
		if message == "" {
			message = fmt.Sprintf("%s %s", first.stage, first.outcome.State)
		}
		return model.StatusFailed, message, true
	}
	for stage := range o.enabled {
		if _, ok := record.Outcome(stage); !ok {
			return "", "", false
		}
	}
	return model.StatusCompleted, "", true
}

func (o *Orchestrator) finalize(ctx context.Context, record *model.VideoRecord, status model.Status, message string) {
	defer o.forget(record.Id)
	now := o.now().UTC()
	updated, err := store.UpdateWithRetry(ctx, o.store, record.Id, commands.MaxWriteAttempts, func(v *model.VideoRecord) error {
		if v.Status.IsTerminal() {
			return model.ErrTerminal
		}
		v.Status = status
		v.ErrorMessage = message
		v.ProcessingCompletedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrTerminal) && !errors.Is(err, model.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to store terminal status", "video_id", record.Id, "status", status, "error", err)
		}
		return
	}

	slog.InfoContext(ctx, "video finished", "video_id", updated.Id, "status", status, "error_message", message)
	o.metrics.VideoFinished(string(status))
	if message == "" {
		message = "processing completed"
	}
	o.publish(ctx, updated.Id, updated.OwnerId, status, "", message)

	o.mu.Lock()
	hooks := append([]TerminalHook(nil), o.hooks...)
	o.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, updated.Clone())
	}
}

func (o *Orchestrator) enqueue(job *model.StageJob) {
	select {
	case o.jobs <- job:
	default:
		ctx := o.baseContext()
		go func() {
			select {
			case o.jobs <- job:
			case <-ctx.Done():
			}
		}()
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.jobs:
			o.runAttempt(ctx, job)
		}
	}
}

// backoff is base << (attempt-1), capped at the configured maximum.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	base, ceiling := o.pipeline.BaseBackoff(), o.pipeline.MaxBackoff()
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && (ceiling <= 0 || delay < ceiling); i++ {
		delay <<= 1
	}
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}

func (o *Orchestrator) runAttempt(ctx context.Context, job *model.StageJob) {
	o.metrics.JobStarted()
	defer o.metrics.JobFinished()

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := o.pipeline.StageTimeout(); timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	chCtx := cor.NewContext(attemptCtx, job)
	o.attempt.Execute(chCtx)
	chCtx.Close()
	cancel()

	err := cor.JoinedErrors(chCtx)
	switch {
	case err == nil:
		job.Outcome = model.JobSucceeded
		o.metrics.StageAttempt(string(job.Stage), string(job.Outcome))
		outcome := model.StageOutcome{State: model.StageSucceeded, Attempts: job.Attempt, ResolvedAt: o.now().UTC()}
		o.resolve(ctx, job, outcome, false)
		return
	case errors.Is(err, model.ErrTerminal), errors.Is(err, model.ErrNotFound):
		slog.InfoContext(ctx, "dropping stage attempt", "video_id", job.VideoId, "stage", job.Stage, "reason", err)
		if errors.Is(err, model.ErrNotFound) {
			if rmErr := o.index.Remove(ctx, job.VideoId); rmErr != nil {
				slog.WarnContext(ctx, "failed to remove vectors of deleted video", "video_id", job.VideoId, "error", rmErr)
			}
			o.forget(job.VideoId)
			return
		}
		o.release(job)
		return
	case ctx.Err() != nil:
		// Shutting down. The stage stays unresolved and Recover picks it up.
		o.release(job)
		return
	}

	serr := stages.Classify(job.Stage, err)
	job.LastError = serr.Reason
	if serr.IsTransient() && job.Attempt < o.pipeline.MaxAttempts {
		job.Outcome = model.JobRetryable
		o.metrics.StageAttempt(string(job.Stage), string(job.Outcome))
		next := job.Next(o.now(), o.backoff(job.Attempt))
		slog.WarnContext(ctx, "stage attempt failed, retrying", "video_id", job.VideoId, "stage", job.Stage, "attempt", job.Attempt, "retry_in", next.NextEligibleAt.Sub(next.ScheduledAt), "error", err)
		time.AfterFunc(next.NextEligibleAt.Sub(next.ScheduledAt), func() { o.enqueue(next) })
		return
	}

	job.Outcome = model.JobFatal
	o.metrics.StageAttempt(string(job.Stage), string(job.Outcome))
	slog.WarnContext(ctx, "stage failed", "video_id", job.VideoId, "stage", job.Stage, "attempt", job.Attempt, "kind", serr.Kind.String(), "reason", serr.Reason)
	outcome := model.StageOutcome{State: model.StageFailed, Attempts: job.Attempt, Error: serr.Reason, ResolvedAt: o.now().UTC()}
	o.resolve(ctx, job, outcome, true)
}

func (o *Orchestrator) release(job *model.StageJob) {
	run := o.lookup(job.VideoId)
	if run == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	delete(run.inFlight, job.Stage)
}

// resolve records the stage outcome when write is set, publishes the stage
// event and advances the video.
func (o *Orchestrator) resolve(ctx context.Context, job *model.StageJob, outcome model.StageOutcome, write bool) {
	run := o.lookup(job.VideoId)
	if run == nil {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	delete(run.inFlight, job.Stage)

	if write {
		record, err := o.store.Get(ctx, job.VideoId)
		if err == nil {
			_, err = commands.WriteOutcome(ctx, o.store, record, job.Stage, outcome, nil)
		}
		if err != nil {
			if !errors.Is(err, model.ErrTerminal) && !errors.Is(err, model.ErrNotFound) {
				slog.ErrorContext(ctx, "failed to record stage failure, leaving it to recovery", "video_id", job.VideoId, "stage", job.Stage, "error", err)
			}
			o.forget(job.VideoId)
			return
		}
	}
	o.publishStage(ctx, job.VideoId, job.OwnerId, job.Stage, outcome)
	o.advance(ctx, job.VideoId, run)
}

func (o *Orchestrator) publish(ctx context.Context, videoId string, ownerId string, status model.Status, stage model.StageName, message string) {
	o.publisher.Publish(ctx, model.StatusEvent{
		VideoId:   videoId,
		OwnerId:   ownerId,
		Status:    status,
		Stage:     stage,
		Message:   message,
		Timestamp: o.now().UTC(),
	})
}

func (o *Orchestrator) publishStage(ctx context.Context, videoId string, ownerId string, stage model.StageName, outcome model.StageOutcome) {
	message := string(outcome.State)
	if outcome.Error != "" {
		message = fmt.Sprintf("%s: %s", outcome.State, outcome.Error)
	}
	o.publish(ctx, videoId, ownerId, model.StatusProcessing, stage, message)
}
