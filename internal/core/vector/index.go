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

// Package vector provides the approximate nearest-neighbour index over the
// three per-video embeddings. Every stored vector is keyed by (video id,
// kind), so one id maps to at most one vector per kind and remove(id)
// retracts all of them.
package vector

import (
	"context"
	"fmt"
	"sort"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// Match is one query result.
type Match struct {
	Id         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Index is the contract shared by the memory and pgvector indexes.
type Index interface {
	// Dimension is the fixed vector length accepted by Upsert and Query.
	Dimension() int
	// Upsert inserts or replaces the vector of kind for id.
	Upsert(ctx context.Context, id string, kind model.EmbeddingKind, vec []float32) error
	// Remove deletes every vector kind stored for id. Unknown ids are not an error.
	Remove(ctx context.Context, id string) error
	// Query returns up to k matches by descending cosine similarity. A non-nil
	// prefilter restricts the candidates to those ids.
	Query(ctx context.Context, kind model.EmbeddingKind, vec []float32, k int, prefilter []string) ([]Match, error)
	// Contains reports whether a vector of kind is stored for id.
	Contains(ctx context.Context, id string, kind model.EmbeddingKind) (bool, error)
}

func checkDimension(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", model.ErrInvalidDimension, len(vec), dim)
	}
	return nil
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Id < matches[j].Id
	})
}
