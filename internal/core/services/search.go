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

// Package services contains the business logic behind the HTTP surface.
// This file, `search.go`, defines the SearchService, the ranking engine that
// combines structured filters, lexical matching and semantic similarity.
//
// Logic Flow:
//  1. The structured filter selects the candidate set from the record store.
//     Unless the caller asked for its own videos in every status, only
//     completed videos are candidates.
//  2. A text query scores every candidate by token overlap with its title,
//     key phrases, entities, description and transcript. Scores are divided
//     by the best score so the top lexical match scores 1.
//  3. A semantic query is embedded and matched against the combined
//     embeddings of the candidates only. Cosine similarity is mapped from
//     [-1, 1] to [0, 1].
//  4. The final score is the weighted sum of both. Ties are broken by id and
//     the page is a slice of the fully ranked list. Without either query the
//     candidates keep the requested sort order.
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/stages"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/store"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/vector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// MaxSuggestions bounds Suggestions.
const MaxSuggestions = 10

// Lexical field weights.
const (
	weightTitle       = 3.0
	weightKeyPhrases  = 2.0
	weightEntities    = 2.0
	weightDescription = 1.0
	weightTranscript  = 1.0
)

// SearchService ranks videos for the search endpoints. It only reads from
// the store and the index.
type SearchService struct {
	Store    store.RecordStore
	Index    vector.Index
	Embedder stages.Embedder
	Config   cloud.Search
}

func NewSearchService(config cloud.Search, records store.RecordStore, index vector.Index, embedder stages.Embedder) *SearchService {
	return &SearchService{Store: records, Index: index, Embedder: embedder, Config: config}
}

// NormalizePage applies the default page size and clamps it to the maximum.
func NormalizePage(page model.Page, config cloud.Search) model.Page {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size < 1 {
		page.Size = config.DefaultPageSize
	}
	if config.MaxPageSize > 0 && page.Size > config.MaxPageSize {
		page.Size = config.MaxPageSize
	}
	return page
}

// ValidateSort rejects unknown sort fields.
func ValidateSort(order model.Sort) error {
	switch order.Field {
	case "", model.SortCreatedAt, model.SortUpdatedAt, model.SortTitle:
		return nil
	}
	return fmt.Errorf("%w: cannot sort by %q", model.ErrInvalidInput, order.Field)
}

// Search ranks the candidates selected by req.Filter.
//
// Inputs:
//   - ctx: The request context.
//   - req: Filters, optional text and semantic queries, sort and page. With
//     IncludeAllStatuses the filter must name an owner.
//
// Outputs:
//   - *model.SearchResponse: One page of hits and the total hit count.
//   - error: model.ErrInvalidInput for a bad request, or the failure of the
//     store, the embedder or the index.
func (s *SearchService) Search(ctx context.Context, req model.SearchRequest) (*model.SearchResponse, error) {
	ctx, span := otel.Tracer("search-service").Start(ctx, "search")
	defer span.End()

	if err := ValidateSort(req.Sort); err != nil {
		return nil, err
	}
	page := NormalizePage(req.Page, s.Config)
	filter := req.Filter
	if req.IncludeAllStatuses {
		if filter.OwnerId == "" {
			return nil, fmt.Errorf("%w: searching every status requires an owner", model.ErrInvalidInput)
		}
	} else {
		filter.Statuses = []model.Status{model.StatusCompleted}
	}

	result, err := s.Store.Query(ctx, filter, req.Sort, model.Page{})
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	candidates := result.Records
	textQuery := strings.TrimSpace(req.TextQuery)
	semanticQuery := strings.TrimSpace(req.SemanticQuery)
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Bool("lexical", textQuery != ""),
		attribute.Bool("semantic", semanticQuery != ""),
	)

	if textQuery == "" && semanticQuery == "" {
		hits := make([]*model.SearchHit, len(candidates))
		for i, v := range candidates {
			hits[i] = &model.SearchHit{Record: v}
		}
		return &model.SearchResponse{Hits: store.Paginate(hits, page), Pagination: model.NewPagination(page, len(hits))}, nil
	}

	byId := make(map[string]*model.SearchHit, len(candidates))
	ids := make([]string, len(candidates))
	for i, v := range candidates {
		ids[i] = v.Id
	}

	if textQuery != "" {
		tokens := Tokenize(textQuery)
		best := 0.0
		raw := make(map[string]float64, len(candidates))
		for _, v := range candidates {
			if score := LexicalScore(tokens, v); score > 0 {
				raw[v.Id] = score
				best = max(best, score)
			}
		}
		for _, v := range candidates {
			if score, ok := raw[v.Id]; ok {
				hit := hitFor(byId, v)
				hit.LexicalScore = score / best
			}
		}
	}

	if semanticQuery != "" && len(candidates) > 0 {
		matches, err := s.semanticMatches(ctx, semanticQuery, ids)
		if err != nil {
			return nil, err
		}
		records := make(map[string]*model.VideoRecord, len(candidates))
		for _, v := range candidates {
			records[v.Id] = v
		}
		for _, m := range matches {
			if m.Similarity < s.Config.MinSimilarity {
				continue
			}
			v, ok := records[m.Id]
			if !ok {
				continue
			}
			hitFor(byId, v).SemanticScore = (m.Similarity + 1) / 2
		}
	}

	hits := make([]*model.SearchHit, 0, len(byId))
	for _, hit := range byId {
		hit.Score = s.Config.LexicalWeight*hit.LexicalScore + s.Config.SemanticWeight*hit.SemanticScore
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.Id < hits[j].Record.Id
	})
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return &model.SearchResponse{Hits: store.Paginate(hits, page), Pagination: model.NewPagination(page, len(hits))}, nil
}

func hitFor(byId map[string]*model.SearchHit, v *model.VideoRecord) *model.SearchHit {
	hit, ok := byId[v.Id]
	if !ok {
		hit = &model.SearchHit{Record: v}
		byId[v.Id] = hit
	}
	return hit
}

// semanticMatches ranks every candidate against the query. The whole
// candidate set is requested so each page slices the same ranked list.
func (s *SearchService) semanticMatches(ctx context.Context, query string, ids []string) ([]vector.Match, error) {
	if s.Embedder == nil {
		return nil, fmt.Errorf("%w: semantic search is not configured", model.ErrInvalidInput)
	}
	vec, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if err := stages.CheckDimension(vec, s.Index.Dimension()); err != nil {
		return nil, err
	}
	matches, err := s.Index.Query(ctx, model.EmbeddingCombined, vec, len(ids), ids)
	if err != nil {
		return nil, fmt.Errorf("querying vector index: %w", err)
	}
	return matches, nil
}

// Tokenize lower-cases in and splits it on anything that is not a letter or
// a digit.
func Tokenize(in string) []string {
	return strings.FieldsFunc(strings.ToLower(in), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LexicalScore is the weighted token overlap between the query tokens and the
// searchable fields of v. A query token matches a field when it is a
// substring of one of the field's tokens.
func LexicalScore(tokens []string, v *model.VideoRecord) float64 {
	if len(tokens) == 0 {
		return 0
	}
	entities := make([]string, len(v.Entities))
	for i, e := range v.Entities {
		entities[i] = e.Text
	}
	fields := []struct {
		weight float64
		text   string
	}{
		{weightTitle, v.Title},
		{weightKeyPhrases, strings.Join(v.KeyPhrases, " ")},
		{weightEntities, strings.Join(entities, " ")},
		{weightDescription, v.Description},
		{weightTranscript, v.Transcript},
	}
	score := 0.0
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		fieldTokens := Tokenize(f.text)
		matched := 0
		for _, q := range tokens {
			for _, ft := range fieldTokens {
				if strings.Contains(ft, q) {
					matched++
					break
				}
			}
		}
		score += f.weight * float64(matched) / float64(len(tokens))
	}
	return score
}

// Suggestions returns up to MaxSuggestions distinct titles, tags and key
// phrases of completed videos that start with prefix, case-insensitively,
// in alphabetical order.
func (s *SearchService) Suggestions(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	out := make([]string, 0, MaxSuggestions)
	if prefix == "" {
		return out, nil
	}
	result, err := s.Store.Query(ctx, model.Filter{Statuses: []model.Status{model.StatusCompleted}}, model.Sort{Field: model.SortTitle}, model.Page{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, v := range result.Records {
		candidates := append([]string{v.Title}, v.Tags...)
		candidates = append(candidates, v.KeyPhrases...)
		for _, c := range candidates {
			key := strings.ToLower(strings.TrimSpace(c))
			if key == "" || seen[key] || !strings.HasPrefix(key, prefix) {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i]), strings.ToLower(out[j])
		if a != b {
			return a < b
		}
		return out[i] < out[j]
	})
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out, nil
}
