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

// Package cloud provides components for interacting with Google Cloud services.
// This file is responsible for initializing and holding every client the
// service talks to. It acts as a dependency injection container: a single
// `ServiceClients` struct is built at start-up and passed to the components
// that need it.
//
// Logic Flow:
//  1. `NewCloudServiceClients` is called at application startup with the loaded `Config`.
//  2. Google clients (Storage, Pub/Sub, GenAI, BigQuery, IAM) are created, using
//     `application.credentials_file` when set.
//  3. Optional backends are connected only when the configuration selects them:
//     PostgreSQL for the record store or vector index, Redis for the event relay,
//     RabbitMQ for AMQP ingestion.
//  4. Agent models are wrapped in the quota-aware wrapper and Pub/Sub listeners
//     are created for every configured subscription.
package cloud

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
	"google.golang.org/genai"
)

// ServiceClients is the central container for external connections.
type ServiceClients struct {
	StorageClient   *storage.Client
	PubsubClient    *pubsub.Client
	GenAIClient     *genai.Client
	BiqQueryClient  *bigquery.Client
	IAMClient       *credentials.IamCredentialsClient
	DB              *sql.DB          // Set when a postgres driver is selected.
	Redis           *redis.Client    // Set when the event relay is enabled.
	AMQP            *amqp.Connection // Set when the amqp ingestion transport is selected.
	PubSubListeners map[string]*PubSubListener
	AgentModels     map[string]*QuotaAwareGenerativeAIModel
}

// Close releases every client that was opened.
func (c *ServiceClients) Close() {
	if c.StorageClient != nil {
		_ = c.StorageClient.Close()
	}
	if c.PubsubClient != nil {
		_ = c.PubsubClient.Close()
	}
	if c.BiqQueryClient != nil {
		_ = c.BiqQueryClient.Close()
	}
	if c.IAMClient != nil {
		_ = c.IAMClient.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.AMQP != nil {
		_ = c.AMQP.Close()
	}
}

// clientOptions returns the options shared by every Google client.
func clientOptions(config *Config) []option.ClientOption {
	if config.Application.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(config.Application.CredentialsFile)}
}

// NewGenerateContentConfig converts an agent model configuration into a
// genai generation config.
func NewGenerateContentConfig(values VertexAiLLMModel) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](values.Temperature),
		TopP:             genai.Ptr[float32](values.TopP),
		TopK:             genai.Ptr[float32](values.TopK),
		MaxOutputTokens:  values.MaxTokens,
		SafetySettings:   DefaultSafetySettings,
		ResponseMIMEType: values.OutputFormat,
	}
	if values.SystemInstructions != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: values.SystemInstructions}}}
	}
	return out
}

// NewCloudServiceClients initializes all clients required by config.
//
// Inputs:
//   - ctx: The root context for the application.
//   - config: The loaded and validated application configuration.
//
// Outputs:
//   - *ServiceClients: The initialized container. On error every client
//     opened so far is closed.
//   - error: The first initialization failure.
func NewCloudServiceClients(ctx context.Context, config *Config) (cloud *ServiceClients, err error) {
	opts := clientOptions(config)
	out := &ServiceClients{
		PubSubListeners: make(map[string]*PubSubListener),
		AgentModels:     make(map[string]*QuotaAwareGenerativeAIModel),
	}
	defer func() {
		if err != nil {
			out.Close()
		}
	}()

	if out.StorageClient, err = storage.NewClient(ctx, opts...); err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	if out.PubsubClient, err = pubsub.NewClient(ctx, config.Application.GoogleProjectId, opts...); err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	if out.BiqQueryClient, err = bigquery.NewClient(ctx, config.Application.GoogleProjectId, opts...); err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	if out.IAMClient, err = credentials.NewIamCredentialsClient(ctx, opts...); err != nil {
		return nil, fmt.Errorf("creating iam credentials client: %w", err)
	}

	slog.Info("creating genai client", "project", config.Application.GoogleProjectId, "location", config.Application.GoogleLocation)
	if out.GenAIClient, err = genai.NewClient(ctx, &genai.ClientConfig{
		Project:  config.Application.GoogleProjectId,
		Location: config.Application.GoogleLocation,
		Backend:  genai.BackendVertexAI,
	}); err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	for amKey, values := range config.AgentModels {
		out.AgentModels[amKey] = NewQuotaAwareModel(NewGenerateContentConfig(values), values.Model, out.GenAIClient.Models, values.RateLimit)
	}

	for subKey, values := range config.TopicSubscriptions {
		listener, err := NewPubSubListener(out.PubsubClient, values.Name, nil)
		if err != nil {
			return nil, err
		}
		out.PubSubListeners[subKey] = listener
	}

	if config.RecordStore.Driver == DriverPostgres || config.VectorIndex.Driver == DriverPgVector {
		if out.DB, err = OpenDatabase(ctx, config.RecordStore); err != nil {
			return nil, err
		}
	}

	if config.Events.RelayEnabled {
		if out.Redis, err = OpenRedis(ctx, config.Events.RedisURL); err != nil {
			return nil, err
		}
	}

	if config.Ingestion.Transport == TransportAMQP {
		if out.AMQP, err = amqp.Dial(config.Ingestion.AMQPURL); err != nil {
			return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
	}

	return out, nil
}

// OpenDatabase opens and pings a PostgreSQL pool.
func OpenDatabase(ctx context.Context, values RecordStore) (*sql.DB, error) {
	if values.DatabaseURL == "" {
		return nil, fmt.Errorf("record_store.database_url is empty; set %s", EnvDatabaseURL)
	}
	db, err := sql.Open("postgres", values.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if values.MaxOpenConns > 0 {
		db.SetMaxOpenConns(values.MaxOpenConns)
		db.SetMaxIdleConns(values.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("events.redis_url is empty; set %s", EnvRedisURL)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
