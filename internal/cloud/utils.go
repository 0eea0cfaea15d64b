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
// This file contains general-purpose utility functions that support the cloud package.
//
// Functions:
//   - LoadConfig: Hierarchical configuration loader. It reads a base TOML file and
//     then overlays an environment-specific file (e.g., .env.local.toml, .env.test.toml)
//     selected by the GCP_RUNTIME environment variable.
//   - ApplyEnvOverrides: Copies secrets from the process environment into the config.
//   - GenerateMultiModalResponse: Calls a quota-aware GenAI model and records token usage.
//   - NewTextPart, NewFileData: Factory functions for genai parts.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

const (
	ConfigFileBaseName  = ".env"              // The base name for configuration files (e.g., ".env.toml").
	ConfigFileExtension = ".toml"             // The file extension for configuration files.
	ConfigSeparator     = "."                 // The separator used in config file names (e.g., ".env.local.toml").
	EnvConfigFilePrefix = "GCP_CONFIG_PREFIX" // The environment variable for specifying the config directory.
	EnvConfigRuntime    = "GCP_RUNTIME"       // The environment variable for specifying the runtime (e.g., "local", "test", "prod").

	EnvDatabaseURL = "PAUZYN_DATABASE_URL"
	EnvRedisURL    = "PAUZYN_REDIS_URL"
	EnvAMQPURL     = "PAUZYN_AMQP_URL"
	EnvJWTSecret   = "PAUZYN_JWT_SECRET"
	EnvOpenAIKey   = "OPENAI_API_KEY"
)

func fileExists(in string) bool {
	_, err := os.Stat(in)
	return !errors.Is(err, os.ErrNotExist)
}

// LoadConfig loads a base configuration file and then overlays an
// environment-specific configuration file. Missing files are skipped; a file
// that exists but does not decode is an error.
//
// Inputs:
//   - baseConfig: A pointer to the struct that will be populated.
//
// Outputs:
//   - error: The first decode failure, if any.
func LoadConfig(baseConfig interface{}) error {
	configurationFilePrefix := os.Getenv(EnvConfigFilePrefix)
	if len(configurationFilePrefix) > 0 && !strings.HasSuffix(configurationFilePrefix, string(os.PathSeparator)) {
		configurationFilePrefix = configurationFilePrefix + string(os.PathSeparator)
	}

	runtimeEnvironment := os.Getenv(EnvConfigRuntime)
	if runtimeEnvironment == "" {
		runtimeEnvironment = "test"
	}

	baseConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigFileExtension
	envConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigSeparator + runtimeEnvironment + ConfigFileExtension
	slog.Info("loading configuration", "base", baseConfigFileName, "runtime", runtimeEnvironment, "overlay", envConfigFileName)

	for _, name := range []string{baseConfigFileName, envConfigFileName} {
		if !fileExists(name) {
			continue
		}
		if _, err := toml.DecodeFile(name, baseConfig); err != nil {
			return fmt.Errorf("failed to decode configuration file %s: %w", name, err)
		}
	}
	return nil
}

// ApplyEnvOverrides copies secrets and connection strings from the process
// environment into the configuration. Values already present in the process
// environment win over the TOML files.
func ApplyEnvOverrides(config *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		config.RecordStore.DatabaseURL = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		config.Events.RedisURL = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		config.Ingestion.AMQPURL = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		config.Auth.Secret = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		config.Application.OpenAIKey = v
	}
}

// GenerateMultiModalResponse executes a request against a quota-aware model,
// records token usage and returns the concatenated text with any markdown
// code fence stripped. It does not retry: retry policy belongs to the caller.
//
// Inputs:
//   - ctx: The context for the request.
//   - inputTokenCounter: Counter for prompt tokens.
//   - outputTokenCounter: Counter for response tokens.
//   - model: The rate-limited generative model.
//   - content: The prompt contents (text and file parts).
//
// Outputs:
//   - string: The response text.
//   - error: The model error, unwrapped so callers can classify it.
func GenerateMultiModalResponse(
	ctx context.Context,
	inputTokenCounter metric.Int64Counter,
	outputTokenCounter metric.Int64Counter,
	model *QuotaAwareGenerativeAIModel,
	content []*genai.Content) (value string, err error) {
	resp, err := model.GenerateContent(ctx, content)
	if err != nil {
		return "", err
	}
	if resp.UsageMetadata != nil {
		if inputTokenCounter != nil {
			inputTokenCounter.Add(ctx, int64(resp.UsageMetadata.PromptTokenCount))
		}
		if outputTokenCounter != nil {
			outputTokenCounter.Add(ctx, int64(resp.UsageMetadata.CandidatesTokenCount))
		}
	}
	return TrimCodeFence(resp.Text()), nil
}

// TrimCodeFence removes a surrounding ```json ... ``` fence.
func TrimCodeFence(in string) string {
	value := strings.TrimSpace(in)
	value = strings.TrimPrefix(value, "```json")
	value = strings.TrimPrefix(value, "```")
	value = strings.TrimSuffix(value, "```")
	return strings.TrimSpace(value)
}

// NewTextPart creates a single user content holding text.
func NewTextPart(in string) *genai.Content {
	return genai.NewContentFromText(in, genai.RoleUser)
}

// NewFileData creates a file part referencing a Cloud Storage object.
//
// Inputs:
//   - in: The URI of the file (e.g., gs://bucket/object).
//   - mimeType: The MIME type of the file (e.g., "video/mp4").
func NewFileData(in string, mimeType string) *genai.Part {
	return &genai.Part{FileData: &genai.FileData{FileURI: in, MIMEType: mimeType}}
}

// NewPromptContent builds the single user turn sent by every generative stage:
// the media file first, then the instruction text.
func NewPromptContent(locator string, mimeType string, prompt string) []*genai.Content {
	parts := make([]*genai.Part, 0, 2)
	if locator != "" {
		parts = append(parts, NewFileData(locator, mimeType))
	}
	parts = append(parts, &genai.Part{Text: prompt})
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}
