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

// Package test holds the configuration, fakes and fixtures shared by the
// package tests under internal/**/test.
package test

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"google.golang.org/genai"
)

// Dimension is the embedding length used throughout the tests.
const Dimension = 1536

type StateManager struct {
	mu     sync.Mutex
	config *cloud.Config
}

var state = &StateManager{}

func HandleErr(err error, t *testing.T) {
	if err != nil {
		t.Errorf("Error reading config file: %v", err)
	}
}

// GetTestNotificationText returns a GCS object-finalize notification for
// bucket/name carrying videoId in its metadata.
func GetTestNotificationText(bucket string, name string, videoId string) string {
	return fmt.Sprintf(`{
  "kind": "storage#object",
  "id": "%[1]s/%[2]s/1728615848664286",
  "selfLink": "https://www.googleapis.com/storage/v1/b/%[1]s/o/%[2]s",
  "name": "%[2]s",
  "bucket": "%[1]s",
  "generation": "1728615848664286",
  "metageneration": "1",
  "contentType": "video/mp4",
  "timeCreated": "2024-10-11T03:04:08.672Z",
  "updated": "2024-10-11T03:04:08.672Z",
  "storageClass": "STANDARD",
  "size": "259348037",
  "md5Hash": "67c1rAU+1RYZzK5zp8iBkA==",
  "metadata": { "video_id": "%[3]s" },
  "crc32c": "IYeSTw==",
  "etag": "CN658+yrhYkDEAE="
}`, bucket, name, videoId)
}

// SetupOS points the config loader at the repository's configs directory and
// selects the test runtime.
func SetupOS() (err error) {
	err = os.Setenv(cloud.EnvConfigFilePrefix, configDir())
	if err != nil {
		return err
	}
	err = os.Setenv(cloud.EnvConfigRuntime, "test")
	return err
}

// configDir walks up from the working directory to the module root.
func configDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return "configs"
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "configs")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "configs"
		}
		dir = parent
	}
}

// GetConfig returns the cached test configuration: NewTestConfig overlaid by
// configs/.env.toml and configs/.env.test.toml when they exist.
func GetConfig() *cloud.Config {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.config == nil {
		if err := SetupOS(); err != nil {
			log.Fatalf("failed to setup environment for test: %v\n", err)
		}
		config := NewTestConfig()
		if err := cloud.LoadConfig(config); err != nil {
			log.Fatalf("failed to load test configuration: %v\n", err)
		}
		state.config = config
	}
	return state.config
}

// NewTestConfig builds an in-process configuration: memory drivers, direct
// ingestion, no telemetry exporter and millisecond backoffs.
func NewTestConfig() *cloud.Config {
	c := cloud.NewConfig()
	c.Application.Name = "pauzyn-test"
	c.Application.GoogleProjectId = "pauzyn-test"
	c.Application.GoogleLocation = "us-central1"
	c.Application.TelemetryExporter = cloud.ExporterNone
	c.Application.ThreadPoolSize = 4
	c.Storage.UploadBucket = "pauzyn-test-uploads"
	c.Storage.AudioBucket = "pauzyn-test-audio"
	c.VectorIndex.Dimension = Dimension
	c.Pipeline.MaxAttempts = 3
	c.Pipeline.BaseBackoffMillis = 1
	c.Pipeline.MaxBackoffMillis = 5
	c.Pipeline.StageTimeoutSeconds = 5
	c.Pipeline.RecoveryIntervalSeconds = 1
	c.Ingestion.Transport = cloud.TransportDirect
	c.Events.SubscriberBuffer = 16
	c.Auth.Issuer = "pauzyn-test"
	c.Auth.Audience = "pauzyn"
	c.Auth.Secret = "test-secret"
	c.PromptTemplates = cloud.PromptTemplates{
		ObjectDetection:   "List the objects in this video as JSON like {{.Example}}",
		SceneDetection:    "List the scenes in this video as JSON like {{.Example}}",
		FaceDetection:     "List the faces in this video as JSON like {{.Example}}",
		EmotionDetection:  "List the emotions in this video as JSON like {{.Example}}",
		Moderation:        "List unsafe content in this video as JSON like {{.Example}}",
		Transcription:     "Transcribe this media as JSON like {{.Example}}",
		TextAnalysis:      "Analyse this transcript as JSON like {{.Example}}: {{.Transcript}}",
		VisualDescription: "Describe what is seen in {{.Title}}",
		AudioDescription:  "Describe what is heard in {{.Title}}",
	}
	return c
}

// NewVideo builds a pending record with an uploaded-media locator.
func NewVideo(ownerId string, title string, description string) *model.VideoRecord {
	v := model.NewVideoRecord(ownerId, title)
	v.Description = description
	v.Filename = strings.ReplaceAll(strings.ToLower(title), " ", "_") + ".mp4"
	v.Format = "mp4"
	v.FileSize = 1024
	v.Locator = fmt.Sprintf("gs://pauzyn-test-uploads/videos/%s/%s.mp4", ownerId, v.Id)
	return v
}

// UnitVector returns a vector of length dim with 1 on each listed axis,
// normalised.
func UnitVector(dim int, axes ...int) []float32 {
	out := make([]float32, dim)
	for _, a := range axes {
		out[a%dim] = 1
	}
	normalize(out)
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// FakeResponse is one scripted adapter reply.
type FakeResponse struct {
	Result model.StageResult
	Err    error
}

// FakeAdapter replays Script in order, then repeats Default, or calls Func
// when it is set. It counts calls and is safe for concurrent use.
type FakeAdapter struct {
	mu      sync.Mutex
	calls   int
	Script  []FakeResponse
	Default FakeResponse
	Func    func(ctx context.Context, in stages.StageInput) (model.StageResult, error)
}

// Succeeding returns an adapter that always returns result.
func Succeeding(result model.StageResult) *FakeAdapter {
	return &FakeAdapter{Default: FakeResponse{Result: result}}
}

// Failing returns an adapter that always returns err.
func Failing(err error) *FakeAdapter {
	return &FakeAdapter{Default: FakeResponse{Err: err}}
}

func (f *FakeAdapter) Run(ctx context.Context, in stages.StageInput) (model.StageResult, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	fn := f.Func
	var resp FakeResponse
	if n < len(f.Script) {
		resp = f.Script[n]
	} else {
		resp = f.Default
	}
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	return resp.Result, resp.Err
}

// Calls returns how many times Run was invoked.
func (f *FakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeEmbedder hashes lower-cased words into buckets, so texts sharing words
// have a positive cosine similarity and unrelated texts are orthogonal.
type FakeEmbedder struct {
	Dim int
}

func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Dim: dim}
}

func (e *FakeEmbedder) Dimension() int { return e.Dim }

func (e *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: nothing to embed", model.ErrInvalidInput)
	}
	out := make([]float32, e.Dim)
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		out[int(h.Sum32())%e.Dim]++
	}
	normalize(out)
	return out, nil
}

// MustEmbed panics on error; for fixtures only.
func (e *FakeEmbedder) MustEmbed(text string) []float32 {
	v, err := e.Embed(context.Background(), text)
	if err != nil {
		panic(err)
	}
	return v
}

// FakeGenerator returns Responses in order, then the last one.
type FakeGenerator struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Prompts   []string
}

func (g *FakeGenerator) Generate(_ context.Context, contents []*genai.Content) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range contents {
		for _, p := range c.Parts {
			if p != nil && p.Text != "" {
				g.Prompts = append(g.Prompts, p.Text)
			}
		}
	}
	if g.Err != nil {
		return "", g.Err
	}
	if len(g.Responses) == 0 {
		return "", errors.New("no scripted response")
	}
	out := g.Responses[0]
	if len(g.Responses) > 1 {
		g.Responses = g.Responses[1:]
	}
	return out, nil
}

// RecordingPublisher keeps every published event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *RecordingPublisher) Publish(_ context.Context, event model.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns the events published for videoId, in publish order. An
// empty id returns every event.
func (p *RecordingPublisher) Events(videoId string) []model.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.StatusEvent, 0, len(p.events))
	for _, e := range p.events {
		if videoId == "" || e.VideoId == videoId {
			out = append(out, e)
		}
	}
	return out
}

// NewFakeRegistry returns a succeeding fake for every stage except
// combined_embedding, which uses the real combining adapter. Visual and
// audio embeddings embed the record's description, or its title when the
// description is empty, with embedder.
func NewFakeRegistry(embedder *FakeEmbedder) (stages.Registry, map[model.StageName]*FakeAdapter) {
	fakes := map[model.StageName]*FakeAdapter{
		model.StageObjectDetection:  Succeeding(&model.ObjectsResult{Objects: []model.Detection{{Label: "dog", Confidence: 95}}}),
		model.StageSceneDetection:   Succeeding(&model.ScenesResult{Scenes: []model.SceneSegment{{Sequence: 1, EndMs: 1000, Description: "opening", Confidence: 90}}, DurationSeconds: 1}),
		model.StageFaceDetection:    Succeeding(&model.FacesResult{}),
		model.StageEmotionDetection: Succeeding(&model.EmotionsResult{}),
		model.StageModeration:       Succeeding(&model.ModerationResult{}),
		model.StageTranscription:    Succeeding(&model.TranscriptResult{Text: "hello world", Languages: []string{"en"}}),
		model.StageTextAnalysis:     Succeeding(&model.TextAnalysisResult{KeyPhrases: []string{"hello world"}}),
	}
	for _, kind := range []model.EmbeddingKind{model.EmbeddingVisual, model.EmbeddingAudio} {
		kind := kind
		fakes[kind.Stage()] = &FakeAdapter{Func: func(ctx context.Context, in stages.StageInput) (model.StageResult, error) {
			text := in.Record.Description
			if strings.TrimSpace(text) == "" {
				text = in.Record.Title
			}
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				return nil, err
			}
			return &model.EmbeddingResult{Kind: kind, Vector: vec}, nil
		}}
	}
	registry := stages.Registry{model.StageCombinedEmbedding: stages.NewCombinedEmbeddingAdapter(embedder.Dim)}
	for stage, f := range fakes {
		registry[stage] = f
	}
	return registry, fakes
}
