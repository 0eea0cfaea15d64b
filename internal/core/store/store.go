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

// Package store is the durable home of VideoRecords. Every write is a
// conditional write against the record's version, so concurrent writers for
// one id are serialised without a global lock: the loser receives
// model.ErrConflict, re-reads and retries or discards its write.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// Mutation edits a working copy of a record. Returning an error aborts the
// write without changing the stored record.
type Mutation func(v *model.VideoRecord) error

// RecordStore is the contract shared by the memory and PostgreSQL stores.
type RecordStore interface {
	// Create stores a new record. It fails with model.ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, record *model.VideoRecord) error
	// Get returns a copy of the record or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.VideoRecord, error)
	// UpsertStage writes one stage's outcome (and result, when it succeeded)
	// if the stored version still equals expectedVersion.
	UpsertStage(ctx context.Context, id string, stage model.StageName, outcome model.StageOutcome, result model.StageResult, expectedVersion int64) (*model.VideoRecord, error)
	// Update applies mutate if the stored version still equals expectedVersion.
	Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*model.VideoRecord, error)
	// Query returns one page of matching records and the total match count.
	// A page size of zero returns every match.
	Query(ctx context.Context, filter model.Filter, order model.Sort, page model.Page) (*model.QueryResult, error)
	// Delete removes the record or fails with model.ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// StageMutation is the Mutation UpsertStage applies. Stores share it so the
// memory and SQL implementations apply identical rules.
func StageMutation(stage model.StageName, outcome model.StageOutcome, result model.StageResult) Mutation {
	return func(v *model.VideoRecord) error {
		if v.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", model.ErrTerminal, v.Id, v.Status)
		}
		if result != nil {
			if result.Stage() != stage {
				return fmt.Errorf("%w: %s result written to %s", model.ErrInvalidInput, result.Stage(), stage)
			}
			if outcome.State == model.StageSucceeded {
				v.ApplyResult(result)
			}
		}
		if v.Stages == nil {
			v.Stages = make(map[model.StageName]model.StageOutcome)
		}
		v.Stages[stage] = outcome
		return nil
	}
}

// Apply runs mutate on a copy of current and stamps the new version and
// UpdatedAt. The caller stores the returned record.
func Apply(current *model.VideoRecord, mutate Mutation, now time.Time) (*model.VideoRecord, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Id = current.Id
	next.OwnerId = current.OwnerId
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.Touch(now)
	return next, nil
}

// UpdateWithRetry re-reads and re-applies mutate until the conditional write
// succeeds, the mutation itself fails, or attempts run out.
func UpdateWithRetry(ctx context.Context, s RecordStore, id string, attempts int, mutate Mutation) (*model.VideoRecord, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out, err := s.Update(ctx, id, current.Version, mutate)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Matches reports whether a record satisfies every predicate of filter.
func Matches(filter model.Filter, v *model.VideoRecord) bool {
	if filter.OwnerId != "" && v.OwnerId != filter.OwnerId {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, v.Status) {
		return false
	}
	if len(filter.Tags) > 0 && !anyOf(filter.Tags, v.Tags) {
		return false
	}
	if len(filter.Categories) > 0 && !anyOf(filter.Categories, v.Categories) {
		return false
	}
	if filter.CreatedFrom != nil && v.CreatedAt.Before(*filter.CreatedFrom) {
		return false
	}
	if filter.CreatedTo != nil && v.CreatedAt.After(*filter.CreatedTo) {
		return false
	}
	if len(filter.Ids) > 0 && !slices.Contains(filter.Ids, v.Id) {
		return false
	}
	return true
}

func anyOf(want []string, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}

// SortRecords orders records by the requested field with ties broken by id
// ascending. Unknown fields sort by creation time.
func SortRecords(records []*model.VideoRecord, order model.Sort) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		var c int
		switch order.Field {
		case model.SortTitle:
			c = strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		case model.SortUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if order.Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return a.Id < b.Id
	})
}

// Paginate slices a sorted list. A zero page size returns everything.
func Paginate[T any](in []T, page model.Page) []T {
	if page.Size <= 0 {
		return in
	}
	start := page.Offset()
	if start >= len(in) {
		return []T{}
	}
	end := start + page.Size
	if end > len(in) {
		end = len(in)
	}
	return in[start:end]
}
