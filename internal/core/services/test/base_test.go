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

// Package services_test contains the test suite for the services package.
// This file, `base_test.go`, sets up telemetry and provides the fixtures
// shared by the search and media tests.
package services_test

import (
	"context"
	"os"
	"testing"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

var ctx context.Context

const tName = "github.com/ConnorBoetig-dev/pauzyn.com/tests/services"

var (
	tracer = otel.Tracer(tName)
	logger = otelslog.NewLogger(tName)
)

func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	config := test.GetConfig()
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

type fixture struct {
	config   *cloud.Config
	store    *store.MemoryStore
	index    *vector.MemoryIndex
	embedder *test.FakeEmbedder
	search   *services.SearchService
}

func newFixture() *fixture {
	config := test.NewTestConfig()
	f := &fixture{
		config:   config,
		store:    store.NewMemoryStore(),
		index:    vector.NewMemoryIndex(test.Dimension),
		embedder: test.NewFakeEmbedder(test.Dimension),
	}
	f.search = services.NewSearchService(config.Search, f.store, f.index, f.embedder)
	return f
}

// completed stores a completed video whose combined embedding is the
// embedding of its description.
func (f *fixture) completed(t *testing.T, owner string, title string, description string, edit func(v *model.VideoRecord)) *model.VideoRecord {
	t.Helper()
	v := test.NewVideo(owner, title, description)
	v.Status = model.StatusCompleted
	v.CombinedEmbedding = f.embedder.MustEmbed(description)
	if edit != nil {
		edit(v)
	}
	require.NoError(t, f.store.Create(ctx, v))
	if v.CombinedEmbedding != nil {
		require.NoError(t, f.index.Upsert(ctx, v.Id, model.EmbeddingCombined, v.CombinedEmbedding))
	}
	return v
}

func hitIds(resp *model.SearchResponse) []string {
	out := make([]string, len(resp.Hits))
	for i, h := range resp.Hits {
		out[i] = h.Record.Id
	}
	return out
}
