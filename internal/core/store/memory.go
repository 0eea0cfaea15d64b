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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// MemoryStore keeps records in a map. Readers receive deep copies, so a
// record returned by Get can never observe a later write.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.VideoRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.VideoRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, record *model.VideoRecord) error {
	if record == nil || record.Id == "" {
		return fmt.Errorf("%w: record has no id", model.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.Id]; ok {
		return fmt.Errorf("%w: video %s", model.ErrAlreadyExists, record.Id)
	}
	stored := record.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.records[record.Id] = stored
	record.Version = stored.Version
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: video %s", model.ErrNotFound, id)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) UpsertStage(ctx context.Context, id string, stage model.StageName, outcome model.StageOutcome, result model.StageResult, expectedVersion int64) (*model.VideoRecord, error) {
	return s.Update(ctx, id, expectedVersion, StageMutation(stage, outcome, result))
}

func (s *MemoryStore) Update(_ context.Context, id string, expectedVersion int64, mutate Mutation) (*model.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: video %s", model.ErrNotFound, id)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: video %s is at version %d, expected %d", model.ErrConflict, id, current.Version, expectedVersion)
	}
	next, err := Apply(current, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Query(_ context.Context, filter model.Filter, order model.Sort, page model.Page) (*model.QueryResult, error) {
	s.mu.RLock()
	matched := make([]*model.VideoRecord, 0)
	for _, v := range s.records {
		if Matches(filter, v) {
			matched = append(matched, v.Clone())
		}
	}
	s.mu.RUnlock()

	SortRecords(matched, order)
	return &model.QueryResult{
		Records:    Paginate(matched, page),
		Pagination: model.NewPagination(page, len(matched)),
	}, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: video %s", model.ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}
