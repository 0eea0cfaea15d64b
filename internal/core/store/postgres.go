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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/lib/pq"
)

// PostgresStore keeps records in PostgreSQL through lib/pq. Optimistic
// concurrency is the `version` column: an UPDATE that matches no row lost the
// race and reports model.ErrConflict.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the table and indexes if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, QryCreateSchema); err != nil {
		return fmt.Errorf("creating videos schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, record *model.VideoRecord) error {
	if record == nil || record.Id == "" {
		return fmt.Errorf("%w: record has no id", model.ErrInvalidInput)
	}
	stored := record.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}
	doc, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, QryInsertVideo,
		stored.Id, stored.OwnerId, stored.Title, string(stored.Status),
		pq.Array(lower(stored.Tags)), pq.Array(lower(stored.Categories)),
		stored.CreatedAt, stored.UpdatedAt, stored.Version, doc)
	if err != nil {
		return fmt.Errorf("inserting video %s: %w", stored.Id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: video %s", model.ErrAlreadyExists, stored.Id)
	}
	record.Version = stored.Version
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.VideoRecord, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, QryGetVideo, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: video %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading video %s: %w", id, err)
	}
	return decode(doc)
}

func (s *PostgresStore) UpsertStage(ctx context.Context, id string, stage model.StageName, outcome model.StageOutcome, result model.StageResult, expectedVersion int64) (*model.VideoRecord, error) {
	return s.Update(ctx, id, expectedVersion, StageMutation(stage, outcome, result))
}

func (s *PostgresStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*model.VideoRecord, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: video %s is at version %d, expected %d", model.ErrConflict, id, current.Version, expectedVersion)
	}
	next, err := Apply(current, mutate, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, QryUpdateVideo,
		id, expectedVersion, next.Title, string(next.Status),
		pq.Array(lower(next.Tags)), pq.Array(lower(next.Categories)),
		next.UpdatedAt, next.Version, doc)
	if err != nil {
		return nil, fmt.Errorf("updating video %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: video %s changed during update", model.ErrConflict, id)
	}
	return next, nil
}

func (s *PostgresStore) Query(ctx context.Context, filter model.Filter, order model.Sort, page model.Page) (*model.QueryResult, error) {
	where, args := whereClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, QryCountVideos+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting videos: %w", err)
	}

	query := QrySelectVideos + where + orderClause(order)
	if page.Size > 0 {
		args = append(args, page.Size, page.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying videos: %w", err)
	}
	defer rows.Close()

	records := make([]*model.VideoRecord, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v, err := decode(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &model.QueryResult{Records: records, Pagination: model.NewPagination(page, total)}, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, QryDeleteVideo, id)
	if err != nil {
		return fmt.Errorf("deleting video %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: video %s", model.ErrNotFound, id)
	}
	return nil
}

func whereClause(filter model.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OwnerId != "" {
		add("owner_id = $%d", filter.OwnerId)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if len(filter.Tags) > 0 {
		add("tags && $%d", pq.Array(lower(filter.Tags)))
	}
	if len(filter.Categories) > 0 {
		add("categories && $%d", pq.Array(lower(filter.Categories)))
	}
	if filter.CreatedFrom != nil {
		add("created_at >= $%d", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		add("created_at <= $%d", *filter.CreatedTo)
	}
	if len(filter.Ids) > 0 {
		add("id = ANY($%d)", pq.Array(filter.Ids))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderClause(order model.Sort) string {
	column := "created_at"
	switch order.Field {
	case model.SortTitle:
		column = "lower(title)"
	case model.SortUpdatedAt:
		column = "updated_at"
	}
	dir := "ASC"
	if order.Descending {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id ASC", column, dir)
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func decode(doc []byte) (*model.VideoRecord, error) {
	v := &model.VideoRecord{}
	if err := json.Unmarshal(doc, v); err != nil {
		return nil, fmt.Errorf("decoding video document: %w", err)
	}
	if v.Stages == nil {
		v.Stages = make(map[model.StageName]model.StageOutcome)
	}
	return v, nil
}
