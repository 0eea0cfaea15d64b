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

package vector

import (
	"context"
	"sync"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// MemoryIndex answers queries with an exact scan over unit vectors, so its
// top-1 is always the true maximum. Writers take the lock briefly; a query
// sees either the old or the new vector of an id, never a partial one.
type MemoryIndex struct {
	dimension int
	mu        sync.RWMutex
	vectors   map[model.EmbeddingKind]map[string][]float32
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		vectors:   make(map[model.EmbeddingKind]map[string][]float32),
	}
}

func (m *MemoryIndex) Dimension() int { return m.dimension }

func (m *MemoryIndex) Upsert(_ context.Context, id string, kind model.EmbeddingKind, vec []float32) error {
	if err := checkDimension(vec, m.dimension); err != nil {
		return err
	}
	unit := Normalize(vec)
	m.mu.Lock()
	defer m.mu.Unlock()
	byId, ok := m.vectors[kind]
	if !ok {
		byId = make(map[string][]float32)
		m.vectors[kind] = byId
	}
	byId[id] = unit
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byId := range m.vectors {
		delete(byId, id)
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, kind model.EmbeddingKind, vec []float32, k int, prefilter []string) ([]Match, error) {
	if err := checkDimension(vec, m.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}
	q := Normalize(vec)

	m.mu.RLock()
	byId := m.vectors[kind]
	matches := make([]Match, 0, len(byId))
	if prefilter != nil {
		for _, id := range prefilter {
			if v, ok := byId[id]; ok {
				matches = append(matches, Match{Id: id, Similarity: Dot(q, v)})
			}
		}
	} else {
		for id, v := range byId {
			matches = append(matches, Match{Id: id, Similarity: Dot(q, v)})
		}
	}
	m.mu.RUnlock()

	sortMatches(matches)
	matches = dedupe(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) Contains(_ context.Context, id string, kind model.EmbeddingKind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vectors[kind][id]
	return ok, nil
}

// Len returns the number of vectors of kind.
func (m *MemoryIndex) Len(kind model.EmbeddingKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors[kind])
}

// dedupe drops repeated ids from a sorted list; a prefilter may name an id twice.
func dedupe(in []Match) []Match {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, m := range in {
		if seen[m.Id] {
			continue
		}
		seen[m.Id] = true
		out = append(out, m)
	}
	return out
}
