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

// Package store is the durable home of VideoRecords. This file, `queries.go`,
// holds the SQL used by the PostgreSQL store. The full record is kept as a
// JSONB document; the columns beside it exist only so filters and sorts can
// use indexes.
package store

const (
	// QryCreateSchema creates the videos table and its filter indexes.
	QryCreateSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	title       TEXT NOT NULL,
	status      TEXT NOT NULL,
	tags        TEXT[] NOT NULL DEFAULT '{}',
	categories  TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	version     BIGINT NOT NULL,
	doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS videos_owner_idx ON videos (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status);
CREATE INDEX IF NOT EXISTS videos_tags_idx ON videos USING GIN (tags);
CREATE INDEX IF NOT EXISTS videos_categories_idx ON videos USING GIN (categories);
`

	// QryInsertVideo inserts a new record. A taken id inserts nothing.
	QryInsertVideo = `INSERT INTO videos (id, owner_id, title, status, tags, categories, created_at, updated_at, version, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

	// QryGetVideo reads a record document by id.
	QryGetVideo = `SELECT doc FROM videos WHERE id = $1`

	// QryUpdateVideo is the conditional write. It affects no row when the
	// stored version moved on since the caller read it.
	QryUpdateVideo = `UPDATE videos
SET title = $3, status = $4, tags = $5, categories = $6, updated_at = $7, version = $8, doc = $9
WHERE id = $1 AND version = $2`

	// QryDeleteVideo removes a record by id.
	QryDeleteVideo = `DELETE FROM videos WHERE id = $1`

	// QrySelectVideos and QryCountVideos are completed by the filter clause
	// built in PostgresStore.Query.
	QrySelectVideos = `SELECT doc FROM videos`
	QryCountVideos  = `SELECT count(*) FROM videos`
)
