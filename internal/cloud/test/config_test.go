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

// Package cloud_test covers configuration loading, environment overrides and
// validation.
package cloud_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	test "github.com/ConnorBoetig-dev/pauzyn.com/internal/testutil"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/assert"
)

func writeFile(t *testing.T, dir string, name string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

// TestLoadConfigOverlaysRuntimeFile checks that the runtime overlay wins over
// the base file and that unset keys keep their defaults.
func TestLoadConfigOverlaysRuntimeFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.toml", `
[application]
name = "pauzyn"
thread_pool_size = 8

[search]
min_similarity = 0.2

[embedding_models.ada]
provider = "openai"
model = "text-embedding-ada-002"
`)
	writeFile(t, dir, ".env.staging.toml", `
[application]
thread_pool_size = 2

[ingestion]
transport = "amqp"
`)
	t.Setenv(cloud.EnvConfigFilePrefix, dir)
	t.Setenv(cloud.EnvConfigRuntime, "staging")

	config := cloud.NewConfig()
	assert.Nil(t, cloud.LoadConfig(config))

	assert.Equal(t, "pauzyn", config.Application.Name)
	assert.Equal(t, 2, config.Application.ThreadPoolSize)
	assert.Equal(t, 0.2, config.Search.MinSimilarity)
	assert.Equal(t, cloud.TransportAMQP, config.Ingestion.Transport)
	assert.Equal(t, "text-embedding-ada-002", config.EmbeddingModels["ada"].Model)
	assert.Equal(t, 100, config.Search.MaxPageSize)
	assert.Nil(t, config.Validate())
}

func TestLoadConfigSkipsMissingFiles(t *testing.T) {
	t.Setenv(cloud.EnvConfigFilePrefix, t.TempDir())
	t.Setenv(cloud.EnvConfigRuntime, "nowhere")

	config := cloud.NewConfig()
	assert.Nil(t, cloud.LoadConfig(config))
	assert.Equal(t, 1536, config.VectorIndex.Dimension)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.toml", "[application\nname = ")
	t.Setenv(cloud.EnvConfigFilePrefix, dir)

	err := cloud.LoadConfig(cloud.NewConfig())
	assert.NotNil(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(cloud.EnvDatabaseURL, "postgres://db/pauzyn")
	t.Setenv(cloud.EnvRedisURL, "redis://cache:6379/0")
	t.Setenv(cloud.EnvAMQPURL, "amqp://guest:guest@mq:5672/")
	t.Setenv(cloud.EnvJWTSecret, "s3cret")
	t.Setenv(cloud.EnvOpenAIKey, "sk-test")

	config := cloud.NewConfig()
	config.RecordStore.DatabaseURL = "postgres://from-toml"
	cloud.ApplyEnvOverrides(config)

	assert.Equal(t, "postgres://db/pauzyn", config.RecordStore.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", config.Events.RedisURL)
	assert.Equal(t, "amqp://guest:guest@mq:5672/", config.Ingestion.AMQPURL)
	assert.Equal(t, "s3cret", config.Auth.Secret)
	assert.Equal(t, "sk-test", config.Application.OpenAIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *cloud.Config)
	}{
		{"unknown enabled stage", func(c *cloud.Config) { c.Pipeline.EnabledStages = append(c.Pipeline.EnabledStages, "lip_reading") }},
		{"required but disabled", func(c *cloud.Config) {
			c.Pipeline.EnabledStages = []string{string(model.StageObjectDetection)}
		}},
		{"no attempts", func(c *cloud.Config) { c.Pipeline.MaxAttempts = 0 }},
		{"no workers", func(c *cloud.Config) { c.Application.ThreadPoolSize = 0 }},
		{"negative weight", func(c *cloud.Config) { c.Search.LexicalWeight = -1 }},
		{"zero weights", func(c *cloud.Config) { c.Search.LexicalWeight, c.Search.SemanticWeight = 0, 0 }},
		{"page sizes", func(c *cloud.Config) { c.Search.MaxPageSize = 5 }},
		{"store driver", func(c *cloud.Config) { c.RecordStore.Driver = "mongo" }},
		{"index driver", func(c *cloud.Config) { c.VectorIndex.Driver = "faiss" }},
		{"transport", func(c *cloud.Config) { c.Ingestion.Transport = "kafka" }},
	}
	assert.Nil(t, cloud.NewConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := cloud.NewConfig()
			tt.mutate(config)
			err := config.Validate()
			assert.NotNil(t, err)
			assert.That(t, errors.Is(err, model.ErrInvalidInput))
		})
	}
}

// TestRepositoryConfigs loads the checked-in configs/ files the way the test
// runtime does.
func TestRepositoryConfigs(t *testing.T) {
	config := test.GetConfig()
	assert.Nil(t, config.Validate())
	assert.Equal(t, cloud.ExporterNone, config.Application.TelemetryExporter)
	assert.Equal(t, cloud.DriverMemory, config.RecordStore.Driver)
	assert.Equal(t, cloud.TransportDirect, config.Ingestion.Transport)
	for _, s := range model.AllStages {
		if s == model.StageCombinedEmbedding {
			continue
		}
		assert.That(t, config.PromptTemplates.ForStage(s) != "")
	}
}

func TestDurations(t *testing.T) {
	var s cloud.Storage
	assert.Equal(t, 15*time.Minute, s.SignedURLTTL())
	s.SignedURLTTLMinutes = 5
	assert.Equal(t, 5*time.Minute, s.SignedURLTTL())

	p := test.NewTestConfig().Pipeline
	assert.Equal(t, time.Millisecond, p.BaseBackoff())
	assert.Equal(t, 5*time.Millisecond, p.MaxBackoff())
	assert.Equal(t, 5*time.Second, p.StageTimeout())
}

func TestTrimCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cloud.TrimCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cloud.TrimCodeFence("  {\"a\":1} "))
}
