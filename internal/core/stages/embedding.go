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

// Package stages contains the analysis stage adapters. This file defines the
// text embedders shared by the embedding stages and the search engine.
//
// Structs:
//   - VertexEmbedder: Vertex AI text embeddings through google.golang.org/genai.
//   - OpenAIEmbedder: OpenAI embeddings (text-embedding-ada-002 is 1536 wide).
//   - RateLimitedEmbedder: Wraps any Embedder with a token bucket.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// CheckDimension fails with model.ErrInvalidDimension when vec is not dim long.
func CheckDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", model.ErrInvalidDimension, len(vec), dim)
	}
	return nil
}

// ContentEmbedder is the subset of *genai.Models used by VertexEmbedder.
type ContentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// VertexEmbedder embeds with a Vertex AI text embedding model.
type VertexEmbedder struct {
	models    ContentEmbedder
	modelName string
	dimension int
	taskType  string
}

// NewVertexEmbedder builds an embedder requesting dimension-wide vectors.
func NewVertexEmbedder(models ContentEmbedder, modelName string, dimension int) *VertexEmbedder {
	return &VertexEmbedder{models: models, modelName: modelName, dimension: dimension, taskType: "SEMANTIC_SIMILARITY"}
}

func (e *VertexEmbedder) Dimension() int { return e.dimension }

func (e *VertexEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := int32(e.dimension)
	resp, err := e.models.EmbedContent(ctx, e.modelName,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: e.taskType, OutputDimensionality: &dim, AutoTruncate: true})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, errors.New("embedding response was empty")
	}
	vec := resp.Embeddings[0].Values
	if err := CheckDimension(vec, e.dimension); err != nil {
		return nil, err
	}
	return vec, nil
}

// OpenAIEmbedder embeds with the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
}

// NewOpenAIEmbedder builds an embedder for apiKey. An empty modelName selects
// text-embedding-ada-002.
func NewOpenAIEmbedder(apiKey string, modelName string, dimension int) *OpenAIEmbedder {
	m := openai.AdaEmbeddingV2
	if modelName != "" {
		m = openai.EmbeddingModel(modelName)
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: m, dimension: dimension}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	}
	// ada-002 rejects the dimensions parameter.
	if e.model != openai.AdaEmbeddingV2 {
		req.Dimensions = e.dimension
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embedding creation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response was empty")
	}
	vec := resp.Data[0].Embedding
	if err := CheckDimension(vec, e.dimension); err != nil {
		return nil, err
	}
	return vec, nil
}

// RateLimitedEmbedder bounds calls per minute to the wrapped embedder.
type RateLimitedEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows perMinute calls per minute. A non-positive
// value returns inner unchanged.
func NewRateLimitedEmbedder(inner Embedder, perMinute int) Embedder {
	if perMinute <= 0 {
		return inner
	}
	return &RateLimitedEmbedder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (e *RateLimitedEmbedder) Dimension() int { return e.inner.Dimension() }

func (e *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return e.inner.Embed(ctx, text)
}
