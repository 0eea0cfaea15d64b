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

// Package cloud defines the data structures for application configuration,
// loaded from TOML files, and the clients built from it.
//
// This file centralizes all configuration-related structs.
//
// Structs:
//   - BigQueryDataSource: Dataset and table receiving terminal video exports.
//   - PromptTemplates: The prompt text for each generative analysis stage.
//   - EmbeddingModel: An embedding model (Vertex AI or OpenAI).
//   - VertexAiLLMModel: A Vertex AI Large Language Model (LLM).
//   - TopicSubscription: A single Pub/Sub subscription.
//   - Storage: Cloud Storage buckets and signed URL settings.
//   - RecordStore, VectorIndex, Pipeline, Search, Ingestion, Events, Auth:
//     Settings for the corresponding components.
//   - Config: The top-level struct that aggregates all other configuration structs.
package cloud

import (
	"errors"
	"fmt"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"google.golang.org/genai"
)

// DefaultSafetySettings keeps the generative stages from refusing to describe
// content. The moderation stage reports unsafe content itself, so blocking it
// upstream would hide exactly what it needs to see.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// Driver and transport names accepted in the configuration.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPgVector = "pgvector"

	TransportPubSub = "pubsub"
	TransportAMQP   = "amqp"
	TransportDirect = "direct"

	ProviderVertex = "vertex"
	ProviderOpenAI = "openai"

	ExporterGCP  = "gcp"
	ExporterNone = "none"
)

// BigQueryDataSource represents the configuration for a BigQuery data source.
type BigQueryDataSource struct {
	DatasetName string `toml:"dataset"`     // The BigQuery dataset.
	VideoTable  string `toml:"video_table"` // The table receiving one row per finished video.
}

// PromptTemplates holds the prompt text for each generative stage. Templates
// are Go text/template strings; `{{.Example}}` expands to the few-shot JSON
// example and `{{.Transcript}}` to the transcript for text analysis.
type PromptTemplates struct {
	ObjectDetection   string `toml:"object_detection"`
	SceneDetection    string `toml:"scene_detection"`
	FaceDetection     string `toml:"face_detection"`
	EmotionDetection  string `toml:"emotion_detection"`
	Moderation        string `toml:"moderation"`
	Transcription     string `toml:"transcription"`
	TextAnalysis      string `toml:"text_analysis"`
	VisualDescription string `toml:"visual_description"`
	AudioDescription  string `toml:"audio_description"`
}

// ForStage returns the template a generative stage prompts with.
func (p PromptTemplates) ForStage(stage model.StageName) string {
	switch stage {
	case model.StageObjectDetection:
		return p.ObjectDetection
	case model.StageSceneDetection:
		return p.SceneDetection
	case model.StageFaceDetection:
		return p.FaceDetection
	case model.StageEmotionDetection:
		return p.EmotionDetection
	case model.StageModeration:
		return p.Moderation
	case model.StageTranscription:
		return p.Transcription
	case model.StageTextAnalysis:
		return p.TextAnalysis
	case model.StageVisualEmbedding:
		return p.VisualDescription
	case model.StageAudioEmbedding:
		return p.AudioDescription
	}
	return ""
}

// EmbeddingModel represents the configuration for a text embedding model.
type EmbeddingModel struct {
	Provider             string `toml:"provider"`                // "vertex" or "openai".
	Model                string `toml:"model"`                   // Model name, e.g. "text-embedding-005".
	MaxRequestsPerMinute int    `toml:"max_requests_per_minute"` // Client side quota.
}

// VertexAiLLMModel represents the configuration for a Vertex AI large language model (LLM).
type VertexAiLLMModel struct {
	Model              string  `toml:"model"`               // The name of the Vertex AI LLM.
	SystemInstructions string  `toml:"system_instructions"` // The system instructions for the LLM.
	Temperature        float32 `toml:"temperature"`
	TopP               float32 `toml:"top_p"`
	TopK               float32 `toml:"top_k"`
	MaxTokens          int32   `toml:"max_tokens"`
	OutputFormat       string  `toml:"output_format"` // e.g. "application/json".
	RateLimit          int     `toml:"rate_limit"`    // Requests per second.
}

// TopicSubscription represents the configuration for a Pub/Sub topic subscription.
type TopicSubscription struct {
	Name             string `toml:"name"`
	DeadLetterTopic  string `toml:"dead_letter_topic"`
	TimeoutInSeconds int    `toml:"timeout_in_seconds"`
}

// Storage represents the configuration for storage buckets.
type Storage struct {
	UploadBucket        string `toml:"upload_bucket"`          // Raw uploads land here.
	AudioBucket         string `toml:"audio_bucket"`           // Extracted audio tracks for transcription.
	GCSFuseMountPoint   string `toml:"gcs_fuse_mount_point"`   // Optional local mount of the upload bucket.
	SignedURLTTLMinutes int    `toml:"signed_url_ttl_minutes"` // Lifetime of stream URLs.
	FFmpegCommand       string `toml:"ffmpeg_command"`         // Path to ffmpeg; empty disables audio extraction.
}

// SignedURLTTL returns the stream URL lifetime.
func (s Storage) SignedURLTTL() time.Duration {
	if s.SignedURLTTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.SignedURLTTLMinutes) * time.Minute
}

// RecordStore selects the record store implementation.
type RecordStore struct {
	Driver       string `toml:"driver"`         // "memory" or "postgres".
	DatabaseURL  string `toml:"database_url"`   // Usually injected from PAUZYN_DATABASE_URL.
	MaxOpenConns int    `toml:"max_open_conns"` // Pool size for the postgres driver.
}

// VectorIndex selects the vector index implementation.
type VectorIndex struct {
	Driver          string  `toml:"driver"`           // "memory" or "pgvector".
	Dimension       int     `toml:"dimension"`        // Fixed embedding length, 1536.
	RecallTolerance float64 `toml:"recall_tolerance"` // Allowed similarity gap of an approximate top-1.
	EfSearch        int     `toml:"ef_search"`        // hnsw.ef_search for the pgvector driver.
}

// Pipeline configures the orchestrator.
type Pipeline struct {
	EnabledStages           []string `toml:"enabled_stages"`
	RequiredStages          []string `toml:"required_stages"`
	MaxAttempts             int      `toml:"max_attempts"`
	BaseBackoffMillis       int      `toml:"base_backoff_ms"`
	MaxBackoffMillis        int      `toml:"max_backoff_ms"`
	StageTimeoutSeconds     int      `toml:"stage_timeout_seconds"`
	RecoveryIntervalSeconds int      `toml:"recovery_interval_seconds"`
	JobQueueSize            int      `toml:"job_queue_size"`
	MinConfidence           float64  `toml:"min_confidence"`
	ModerationMinConfidence float64  `toml:"moderation_min_confidence"`
	AgentModel              string   `toml:"agent_model"`     // Key into AgentModels.
	EmbeddingModel          string   `toml:"embedding_model"` // Key into EmbeddingModels.
}

func (p Pipeline) BaseBackoff() time.Duration {
	return time.Duration(p.BaseBackoffMillis) * time.Millisecond
}

func (p Pipeline) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMillis) * time.Millisecond
}

func (p Pipeline) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutSeconds) * time.Second
}

func (p Pipeline) RecoveryInterval() time.Duration {
	return time.Duration(p.RecoveryIntervalSeconds) * time.Second
}

// Search configures the ranking engine.
type Search struct {
	LexicalWeight   float64 `toml:"lexical_weight"`
	SemanticWeight  float64 `toml:"semantic_weight"`
	MinSimilarity   float64 `toml:"min_similarity"`    // Semantic hits below this cosine are dropped.
	DefaultPageSize int     `toml:"default_page_size"` // 20
	MaxPageSize     int     `toml:"max_page_size"`     // 100
}

// Ingestion selects how "raw media ready" signals reach the orchestrator.
type Ingestion struct {
	Transport    string `toml:"transport"`     // "pubsub", "amqp" or "direct".
	Subscription string `toml:"subscription"`  // Key into TopicSubscriptions for pubsub.
	AMQPURL      string `toml:"amqp_url"`      // Usually injected from PAUZYN_AMQP_URL.
	Queue        string `toml:"queue"`         // Durable queue name, "video.ingest".
	Prefetch     int    `toml:"prefetch"`      // Consumer Qos.
	ConsumerName string `toml:"consumer_name"` // AMQP consumer tag.
}

// Events configures the status broadcaster.
type Events struct {
	SubscriberBuffer int    `toml:"subscriber_buffer"`
	RelayEnabled     bool   `toml:"relay_enabled"`
	RelayBuffer      int    `toml:"relay_buffer"`
	RedisURL         string `toml:"redis_url"` // Usually injected from PAUZYN_REDIS_URL.
	Channel          string `toml:"channel"`
}

// Auth configures bearer token verification.
type Auth struct {
	Issuer   string `toml:"issuer"`
	Audience string `toml:"audience"`
	Secret   string `toml:"-"` // Only ever read from PAUZYN_JWT_SECRET.
}

// Config represents the overall configuration for the application, loaded from TOML files.
type Config struct {
	Application struct {
		Name                      string `toml:"name"`
		GoogleProjectId           string `toml:"google_project_id"`
		GoogleLocation            string `toml:"location"`
		ThreadPoolSize            int    `toml:"thread_pool_size"` // Orchestrator worker count.
		SignerServiceAccountEmail string `toml:"signer_service_account_email"`
		HttpPort                  int    `toml:"http_port"`
		TelemetryExporter         string `toml:"telemetry_exporter"` // "gcp" or "none".
		CredentialsFile           string `toml:"credentials_file"`   // Optional service account key.
		OpenAIKey                 string `toml:"-"`                  // Only ever read from OPENAI_API_KEY.
	} `toml:"application"`
	Storage            Storage                      `toml:"storage"`
	BigQueryDataSource BigQueryDataSource           `toml:"big_query_data_source"`
	RecordStore        RecordStore                  `toml:"record_store"`
	VectorIndex        VectorIndex                  `toml:"vector_index"`
	Pipeline           Pipeline                     `toml:"pipeline"`
	Search             Search                       `toml:"search"`
	Ingestion          Ingestion                    `toml:"ingestion"`
	Events             Events                       `toml:"events"`
	Auth               Auth                         `toml:"auth"`
	PromptTemplates    PromptTemplates              `toml:"prompt_templates"`
	TopicSubscriptions map[string]TopicSubscription `toml:"topic_subscriptions"`
	EmbeddingModels    map[string]EmbeddingModel    `toml:"embedding_models"`
	AgentModels        map[string]VertexAiLLMModel  `toml:"agent_models"`
}

// NewConfig creates a Config with initialized maps and the defaults every
// environment shares. TOML files only need to carry what differs.
func NewConfig() *Config {
	c := &Config{
		TopicSubscriptions: make(map[string]TopicSubscription),
		EmbeddingModels:    make(map[string]EmbeddingModel),
		AgentModels:        make(map[string]VertexAiLLMModel),
	}
	c.Application.Name = "pauzyn"
	c.Application.ThreadPoolSize = 4
	c.Application.HttpPort = 8080
	c.Application.TelemetryExporter = ExporterGCP
	c.Storage.SignedURLTTLMinutes = 15
	c.RecordStore.Driver = DriverMemory
	c.RecordStore.MaxOpenConns = 10
	c.VectorIndex.Driver = DriverMemory
	c.VectorIndex.Dimension = 1536
	c.VectorIndex.RecallTolerance = 0.05
	c.VectorIndex.EfSearch = 100
	c.Pipeline.EnabledStages = stageNames(model.AllStages)
	c.Pipeline.RequiredStages = []string{string(model.StageTranscription), string(model.StageCombinedEmbedding)}
	c.Pipeline.MaxAttempts = 3
	c.Pipeline.BaseBackoffMillis = 2000
	c.Pipeline.MaxBackoffMillis = 60000
	c.Pipeline.StageTimeoutSeconds = 300
	c.Pipeline.RecoveryIntervalSeconds = 60
	c.Pipeline.JobQueueSize = 256
	c.Pipeline.MinConfidence = 70
	c.Pipeline.ModerationMinConfidence = 60
	c.Search.LexicalWeight = 0.4
	c.Search.SemanticWeight = 0.6
	c.Search.DefaultPageSize = 20
	c.Search.MaxPageSize = 100
	c.Ingestion.Transport = TransportDirect
	c.Ingestion.Queue = "video.ingest"
	c.Ingestion.Prefetch = 4
	c.Ingestion.ConsumerName = "pauzyn-orchestrator"
	c.Events.SubscriberBuffer = 64
	c.Events.RelayBuffer = 1024
	c.Events.Channel = "pauzyn.video.events"
	return c
}

func stageNames(in []model.StageName) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// Enabled parses the enabled stage list.
func (p Pipeline) Enabled() ([]model.StageName, error) {
	return parseStages(p.EnabledStages)
}

// Required parses the required stage list.
func (p Pipeline) Required() ([]model.StageName, error) {
	return parseStages(p.RequiredStages)
}

func parseStages(in []string) ([]model.StageName, error) {
	out := make([]model.StageName, 0, len(in))
	for _, s := range in {
		name, err := model.ParseStageName(s)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// Validate rejects configurations the orchestrator or the search engine
// cannot run with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	enabled, err := c.Pipeline.Enabled()
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline.enabled_stages: %w", err))
	}
	required, err := c.Pipeline.Required()
	if err != nil {
		errs = append(errs, fmt.Errorf("pipeline.required_stages: %w", err))
	}
	on := make(map[model.StageName]bool, len(enabled))
	for _, s := range enabled {
		on[s] = true
	}
	for _, s := range required {
		if !on[s] {
			errs = append(errs, fmt.Errorf("pipeline.required_stages: %s is not enabled", s))
		}
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	if c.Application.ThreadPoolSize < 1 {
		errs = append(errs, errors.New("application.thread_pool_size must be at least 1"))
	}
	if c.VectorIndex.Dimension < 1 {
		errs = append(errs, errors.New("vector_index.dimension must be at least 1"))
	}
	if c.Search.LexicalWeight < 0 || c.Search.SemanticWeight < 0 {
		errs = append(errs, errors.New("search weights must not be negative"))
	}
	if c.Search.LexicalWeight == 0 && c.Search.SemanticWeight == 0 {
		errs = append(errs, errors.New("search.lexical_weight and search.semantic_weight cannot both be zero"))
	}
	if c.Search.DefaultPageSize < 1 || c.Search.MaxPageSize < c.Search.DefaultPageSize {
		errs = append(errs, errors.New("search page sizes must satisfy 1 <= default_page_size <= max_page_size"))
	}
	switch c.RecordStore.Driver {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("record_store.driver: unknown driver %q", c.RecordStore.Driver))
	}
	switch c.VectorIndex.Driver {
	case DriverMemory, DriverPgVector:
	default:
		errs = append(errs, fmt.Errorf("vector_index.driver: unknown driver %q", c.VectorIndex.Driver))
	}
	switch c.Ingestion.Transport {
	case TransportPubSub, TransportAMQP, TransportDirect:
	default:
		errs = append(errs, fmt.Errorf("ingestion.transport: unknown transport %q", c.Ingestion.Transport))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}
