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

// Package workflow_test contains tests for the orchestrator and the workflows
// around it. This file, `base_test.go`, provides the shared setup: telemetry,
// the test configuration and a harness that wires an orchestrator to the
// in-memory store and index.
package workflow_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/workflow"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

var (
	ctx    context.Context
	config *cloud.Config
)

const tName = "github.com/ConnorBoetig-dev/pauzyn.com/tests/workflow"

var (
	tracer = otel.Tracer(tName)
	logger = otelslog.NewLogger(tName)
)

func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	config = test.GetConfig()
	telemetry.SetupLogging()

	shutdown, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		panic(err)
	}
	logger.Info("completed test setup")

	exitCode := m.Run()

	if err := shutdown(ctx); err != nil {
		logger.Error("failed to shutdown telemetry", "error", err)
	}
	os.Exit(exitCode)
}

type harness struct {
	config       *cloud.Config
	store        *store.MemoryStore
	index        *vector.MemoryIndex
	embedder     *test.FakeEmbedder
	fakes        map[model.StageName]*test.FakeAdapter
	registry     stages.Registry
	publisher    *test.RecordingPublisher
	orchestrator *workflow.Orchestrator
}

// newHarness builds and starts an orchestrator. edit may adjust the config
// and the registry before the orchestrator is created.
func newHarness(t *testing.T, edit func(h *harness)) *harness {
	t.Helper()
	embedder := test.NewFakeEmbedder(test.Dimension)
	registry, fakes := test.NewFakeRegistry(embedder)
	h := &harness{
		config:    test.NewTestConfig(),
		store:     store.NewMemoryStore(),
		index:     vector.NewMemoryIndex(test.Dimension),
		embedder:  embedder,
		fakes:     fakes,
		registry:  registry,
		publisher: &test.RecordingPublisher{},
	}
	if edit != nil {
		edit(h)
	}
	orchestrator, err := workflow.NewOrchestrator(h.config, h.store, h.index, h.registry, h.publisher, telemetry.NewMetrics())
	require.NoError(t, err)
	h.orchestrator = orchestrator

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(func() {
		cancel()
		orchestrator.Wait()
	})
	orchestrator.Start(runCtx)
	return h
}

// create stores a pending video.
func (h *harness) create(t *testing.T, owner string, title string, description string) *model.VideoRecord {
	t.Helper()
	v := test.NewVideo(owner, title, description)
	require.NoError(t, h.store.Create(ctx, v))
	return v
}

// submit signals the video and waits for its terminal status.
func (h *harness) submit(t *testing.T, v *model.VideoRecord) *model.VideoRecord {
	t.Helper()
	require.NoError(t, h.orchestrator.Submit(ctx, model.IngestionSignal{VideoId: v.Id, Locator: v.Locator}))
	return h.waitTerminal(t, v.Id)
}

func (h *harness) waitTerminal(t *testing.T, id string) *model.VideoRecord {
	t.Helper()
	var out *model.VideoRecord
	require.Eventually(t, func() bool {
		v, err := h.store.Get(ctx, id)
		if err != nil || !v.Status.IsTerminal() {
			return false
		}
		out = v
		return !h.orchestrator.IsActive(id)
	}, 5*time.Second, 5*time.Millisecond)
	return out
}
