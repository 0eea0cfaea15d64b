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
	"database/sql"
	"fmt"
	"slices"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const (
	qryCreateExtension = `CREATE EXTENSION IF NOT EXISTS vector`
	qryCreateTable     = `CREATE TABLE IF NOT EXISTS video_embeddings (
	video_id  TEXT NOT NULL,
	kind      TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	PRIMARY KEY (video_id, kind)
)`
	qryDropSharedHNSW = `DROP INDEX IF EXISTS video_embeddings_hnsw_idx`
	qryCreateHNSW     = `CREATE INDEX IF NOT EXISTS video_embeddings_%[1]s_hnsw_idx
ON video_embeddings USING hnsw (embedding vector_cosine_ops) WHERE kind = '%[1]s'`
	qryUpsertEmbedding = `INSERT INTO video_embeddings (video_id, kind, embedding) VALUES ($1, $2, $3)
ON CONFLICT (video_id, kind) DO UPDATE SET embedding = EXCLUDED.embedding`
	qryRemoveEmbeddings = `DELETE FROM video_embeddings WHERE video_id = $1`
	qryHasEmbedding     = `SELECT EXISTS (SELECT 1 FROM video_embeddings WHERE video_id = $1 AND kind = $2)`
	qryNearest          = `SELECT video_id, 1 - (embedding <=> $1) AS similarity
FROM video_embeddings
WHERE kind = '%s'`
	qryNearestOrder = ` ORDER BY embedding <=> $1, video_id LIMIT $2`

	// maxEfSearch is the largest hnsw.ef_search pgvector accepts.
	maxEfSearch = 1000
)

var indexedKinds = []model.EmbeddingKind{model.EmbeddingVisual, model.EmbeddingAudio, model.EmbeddingCombined}

// NearestScan decides how a query of k neighbours over prefilterLen
// candidates is answered. prefilterLen is negative when there is no
// prefilter. An HNSW scan only looks at ef candidates before the kind and id
// filters apply, so a prefilter no larger than max(k, efSearch) is scanned
// exactly instead. ef is the hnsw.ef_search for the approximate scan, raised
// to k so a full page can come back.
func NearestScan(k int, prefilterLen int, efSearch int) (exact bool, ef int) {
	if prefilterLen >= 0 && prefilterLen <= max(k, efSearch) {
		return true, 0
	}
	return false, min(max(k, efSearch), maxEfSearch)
}

// PgVectorIndex stores embeddings in PostgreSQL with the pgvector extension
// and answers queries through an HNSW index on cosine distance.
type PgVectorIndex struct {
	db        *sql.DB
	dimension int
	efSearch  int
}

func NewPgVectorIndex(db *sql.DB, dimension int, efSearch int) *PgVectorIndex {
	return &PgVectorIndex{db: db, dimension: dimension, efSearch: efSearch}
}

// EnsureSchema installs the extension, the table and one partial HNSW index
// per embedding kind. Queries name the kind as a literal so the planner can
// match the partial index.
func (p *PgVectorIndex) EnsureSchema(ctx context.Context) error {
	stmts := []string{qryCreateExtension, fmt.Sprintf(qryCreateTable, p.dimension), qryDropSharedHNSW}
	for _, kind := range indexedKinds {
		stmts = append(stmts, fmt.Sprintf(qryCreateHNSW, kind))
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating vector schema: %w", err)
		}
	}
	return nil
}

func (p *PgVectorIndex) Dimension() int { return p.dimension }

func (p *PgVectorIndex) Upsert(ctx context.Context, id string, kind model.EmbeddingKind, vec []float32) error {
	if err := checkDimension(vec, p.dimension); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, qryUpsertEmbedding, id, string(kind), pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("upserting %s embedding for %s: %w", kind, id, err)
	}
	return nil
}

func (p *PgVectorIndex) Remove(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, qryRemoveEmbeddings, id); err != nil {
		return fmt.Errorf("removing embeddings for %s: %w", id, err)
	}
	return nil
}

func (p *PgVectorIndex) Contains(ctx context.Context, id string, kind model.EmbeddingKind) (bool, error) {
	var ok bool
	if err := p.db.QueryRowContext(ctx, qryHasEmbedding, id, string(kind)).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Query runs inside a read transaction so the planner settings apply to this
// query only. Small prefilters are ranked exactly with index scans disabled;
// everything else goes through the kind's HNSW index with iterative scans
// where the installed pgvector supports them.
func (p *PgVectorIndex) Query(ctx context.Context, kind model.EmbeddingKind, vec []float32, k int, prefilter []string) (matches []Match, err error) {
	if err := checkDimension(vec, p.dimension); err != nil {
		return nil, err
	}
	if !slices.Contains(indexedKinds, kind) {
		return nil, fmt.Errorf("%w: unknown embedding kind %q", model.ErrInvalidInput, kind)
	}
	if k <= 0 || (prefilter != nil && len(prefilter) == 0) {
		return []Match{}, nil
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	prefilterLen := -1
	if prefilter != nil {
		prefilterLen = len(prefilter)
	}
	exact, ef := NearestScan(k, prefilterLen, p.efSearch)
	if exact {
		if _, err := tx.ExecContext(ctx, "SET LOCAL enable_indexscan = off"); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef)); err != nil {
			return nil, err
		}
		if err := iterativeScan(ctx, tx); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf(qryNearest, kind)
	args := []interface{}{pgvector.NewVector(vec), k}
	if prefilter != nil {
		query += " AND video_id = ANY($3)"
		args = append(args, pq.Array(prefilter))
	}
	rows, err := tx.QueryContext(ctx, query+qryNearestOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s embeddings: %w", kind, err)
	}
	defer rows.Close()

	matches = make([]Match, 0, k)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Id, &m.Similarity); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortMatches(matches)
	return matches, nil
}

// iterativeScan lets the HNSW scan keep going until enough rows pass the
// filters. pgvector releases before 0.8 reject the setting; the savepoint
// keeps the transaction usable so the query still runs without it.
func iterativeScan(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT hnsw_iterative"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL hnsw.iterative_scan = relaxed_order"); err != nil {
		_, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT hnsw_iterative")
		return rerr
	}
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT hnsw_iterative")
	return err
}
