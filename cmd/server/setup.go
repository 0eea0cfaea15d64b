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

// Package main contains the setup and initialization logic for the application's state.
// This file creates the centralized state manager that holds every shared
// dependency: configuration, external clients, the record store, the vector
// index, the event broadcaster, the orchestrator and the services behind the
// HTTP handlers.
//
// Functions:
//   - SetupOS: Loads an optional `.env` file and points the configuration
//     loader at the configs directory.
//   - GetConfig: Loads, overrides and validates the configuration once.
//   - InitState: Builds every component and starts the background work.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/commands"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/events"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/workflow"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	"github.com/joho/godotenv"
)

// StateManager holds all the shared dependencies for the application.
type StateManager struct {
	config        *cloud.Config
	cloud         *cloud.ServiceClients
	metrics       *telemetry.Metrics
	records       store.RecordStore
	index         vector.Index
	broadcaster   *events.Broadcaster
	orchestrator  *workflow.Orchestrator
	amqpPublisher *cloud.AMQPPublisher
	searchService *services.SearchService
	mediaService  *services.MediaService
}

// state is a package-level variable that holds the single instance of StateManager.
var state = &StateManager{}

// SetupOS loads `.env` when present and defaults the configuration directory
// to "configs" and the runtime to "local". Values already in the environment
// win.
func SetupOS() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err := os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		return os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return nil
}

// GetConfig provides a singleton instance of the application configuration.
// Any load or validation failure is fatal.
func GetConfig() *cloud.Config {
	if state.config == nil {
		if err := SetupOS(); err != nil {
			log.Fatalf("failed to setup os: %v\n", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			log.Fatalf("failed to load configuration: %v\n", err)
		}
		cloud.ApplyEnvOverrides(config)
		if err := config.Validate(); err != nil {
			log.Fatalf("invalid configuration: %v\n", err)
		}
		state.config = config
	}
	return state.config
}

// InitState initializes the entire application state.
//
// Inputs:
//   - ctx: The root context. Cancelling it stops the listeners, the timers
//     and the orchestrator workers.
//
// Outputs:
//   - error: The first component that could not be built.
//
// This function performs the following steps:
//  1. Opens the external clients the configuration selects.
//  2. Builds the record store and vector index for the configured drivers.
//  3. Builds the stage registry from the agent model and the embedder.
//  4. Creates the broadcaster, relayed through Redis when enabled.
//  5. Starts the orchestrator, recovers unfinished videos and schedules the
//     recovery sweep and the index reconciler.
//  6. Connects the ingestion transport and creates the services.
func InitState(ctx context.Context) error {
	config := GetConfig()
	state.metrics = telemetry.NewMetrics()

	clients, err := cloud.NewCloudServiceClients(ctx, config)
	if err != nil {
		return err
	}
	state.cloud = clients

	if state.records, err = newRecordStore(ctx, config, clients); err != nil {
		return err
	}
	if state.index, err = newVectorIndex(ctx, config, clients); err != nil {
		return err
	}

	embedder, err := newEmbedder(config, clients)
	if err != nil {
		return err
	}
	agent, ok := clients.AgentModels[config.Pipeline.AgentModel]
	if !ok {
		return fmt.Errorf("pipeline.agent_model %q is not configured", config.Pipeline.AgentModel)
	}
	var extractor stages.AudioExtractor
	if config.Storage.FFmpegCommand != "" {
		extractor = commands.NewAudioExtractor(config, clients.StorageClient)
	}
	registry, err := stages.BuildRegistry(config, stages.NewModelGenerator(agent), embedder, extractor)
	if err != nil {
		return err
	}

	state.broadcaster = events.NewBroadcaster(config.Events.SubscriberBuffer, state.metrics)
	var publisher events.Publisher = state.broadcaster
	if clients.Redis != nil {
		relay := events.NewRedisRelay(state.broadcaster, clients.Redis, config.Events.Channel, config.Events.RelayBuffer, state.metrics)
		go relay.Run(ctx)
		publisher = relay
	}

	state.orchestrator, err = workflow.NewOrchestrator(config, state.records, state.index, registry, publisher, state.metrics)
	if err != nil {
		return err
	}
	if config.BigQueryDataSource.DatasetName != "" {
		export := workflow.NewTerminalExportWorkflow(config, clients.BiqQueryClient, clients.StorageClient)
		state.orchestrator.AddTerminalHook(export.Hook())
	}
	state.orchestrator.Start(ctx)
	recovered, err := state.orchestrator.Recover(ctx)
	if err != nil {
		slog.Warn("recovery at start-up failed", "error", err)
	} else {
		slog.Info("recovered unfinished videos", "count", recovered)
	}
	workflow.StartTimer(ctx, workflow.NewRecoverySweeper(state.orchestrator), config.Pipeline.RecoveryInterval())
	workflow.StartTimer(ctx, workflow.NewIndexReconciler(state.records, state.index), config.Pipeline.RecoveryInterval())

	signaler, err := SetupListeners(ctx, config, clients, state.orchestrator)
	if err != nil {
		return err
	}

	objects := services.NewGCSObjectStore(clients.StorageClient, clients.IAMClient, config.Application.SignerServiceAccountEmail, config.Storage.UploadBucket)
	state.searchService = services.NewSearchService(config.Search, state.records, state.index, embedder)
	state.mediaService = services.NewMediaService(config, state.records, state.index, objects, signaler)
	return nil
}

// Close waits for the orchestrator workers and releases every client. The
// root context must already be cancelled.
func (s *StateManager) Close() {
	if s.orchestrator != nil {
		s.orchestrator.Wait()
	}
	if s.amqpPublisher != nil {
		_ = s.amqpPublisher.Close()
	}
	if s.cloud != nil {
		s.cloud.Close()
	}
}

func newRecordStore(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients) (store.RecordStore, error) {
	if config.RecordStore.Driver != cloud.DriverPostgres {
		slog.Warn("using the in-memory record store; records are lost on restart")
		return store.NewMemoryStore(), nil
	}
	records := store.NewPostgresStore(clients.DB)
	if err := records.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

func newVectorIndex(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients) (vector.Index, error) {
	if config.VectorIndex.Driver != cloud.DriverPgVector {
		return vector.NewMemoryIndex(config.VectorIndex.Dimension), nil
	}
	index := vector.NewPgVectorIndex(clients.DB, config.VectorIndex.Dimension, config.VectorIndex.EfSearch)
	if err := index.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return index, nil
}

// newEmbedder builds the configured embedding model behind its request quota.
func newEmbedder(config *cloud.Config, clients *cloud.ServiceClients) (stages.Embedder, error) {
	values, ok := config.EmbeddingModels[config.Pipeline.EmbeddingModel]
	if !ok {
		return nil, fmt.Errorf("pipeline.embedding_model %q is not configured", config.Pipeline.EmbeddingModel)
	}
	dim := config.VectorIndex.Dimension
	var embedder stages.Embedder
	switch values.Provider {
	case cloud.ProviderOpenAI:
		if config.Application.OpenAIKey == "" {
			return nil, fmt.Errorf("embedding model %q needs %s", config.Pipeline.EmbeddingModel, cloud.EnvOpenAIKey)
		}
		embedder = stages.NewOpenAIEmbedder(config.Application.OpenAIKey, values.Model, dim)
	case cloud.ProviderVertex, "":
		embedder = stages.NewVertexEmbedder(clients.GenAIClient.Models, values.Model, dim)
	default:
		return nil, fmt.Errorf("embedding model %q has unknown provider %q", config.Pipeline.EmbeddingModel, values.Provider)
	}
	return stages.NewRateLimitedEmbedder(embedder, values.MaxRequestsPerMinute), nil
}
