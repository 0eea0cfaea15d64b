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

// Package model defines the core data structures for the application.
// This file, `transient.go`, contains struct definitions for data models that
// are primarily used in memory: the orchestrator's per-attempt StageJob, the
// ingestion signal and status events that cross component boundaries, and the
// query and search shapes exchanged with the client surface. None of these are
// written to the record store.
package model

import (
	"time"
)

// JobOutcome is how a single StageJob attempt resolved.
type JobOutcome string

const (
	JobPending   JobOutcome = ""
	JobSucceeded JobOutcome = "success"
	JobRetryable JobOutcome = "retryable_failure"
	JobFatal     JobOutcome = "fatal_failure"
)

// StageJob is one (video id, stage) execution attempt. It is owned by the
// orchestrator and discarded once the attempt resolves; a retry produces a new
// StageJob with Attempt incremented.
type StageJob struct {
	VideoId        string
	OwnerId        string
	Locator        string
	Stage          StageName
	Attempt        int
	ScheduledAt    time.Time
	NextEligibleAt time.Time
	Outcome        JobOutcome
	LastError      string
}

// Next builds the follow-up attempt for a retryable failure.
func (j *StageJob) Next(now time.Time, delay time.Duration) *StageJob {
	return &StageJob{
		VideoId:        j.VideoId,
		OwnerId:        j.OwnerId,
		Locator:        j.Locator,
		Stage:          j.Stage,
		Attempt:        j.Attempt + 1,
		ScheduledAt:    now,
		NextEligibleAt: now.Add(delay),
		LastError:      j.LastError,
	}
}

// MediaFormatFilter describes the target of an ffmpeg extraction, for example
// the mono audio track handed to the transcription stage.
type MediaFormatFilter struct {
	Format     string // e.g., "flac", "mp3"
	SampleRate string // e.g., "16000"
	Channels   string // e.g., "1"
}

// IngestionSignal is the "raw media ready" notification.
type IngestionSignal struct {
	VideoId string `json:"video_id"`
	Locator string `json:"locator"`
}

// StatusEvent is pushed to subscribers on every status or stage transition.
type StatusEvent struct {
	VideoId   string    `json:"video_id"`
	OwnerId   string    `json:"-"`
	Status    Status    `json:"status"`
	Stage     StageName `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sortable fields.
const (
	SortCreatedAt = "created_at"
	SortUpdatedAt = "updated_at"
	SortTitle     = "title"
)

// Filter holds the structured predicates of a query. Empty fields do not
// constrain the result.
type Filter struct {
	OwnerId     string
	Statuses    []Status
	Tags        []string // any-of
	Categories  []string // any-of
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Ids         []string
}

// Sort orders a query. Ties are always broken by id ascending.
type Sort struct {
	Field      string
	Descending bool
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Offset returns the index of the first row of the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Pagination is the page envelope returned to clients.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// NewPagination computes the page count for a total.
func NewPagination(page Page, total int) Pagination {
	pages := 0
	if page.Size > 0 {
		pages = (total + page.Size - 1) / page.Size
	}
	return Pagination{Page: page.Number, PerPage: page.Size, Total: total, Pages: pages}
}

// QueryResult is one page of records plus the total match count.
type QueryResult struct {
	Records    []*VideoRecord
	Pagination Pagination
}

// SearchRequest is the input of the ranking engine.
type SearchRequest struct {
	Filter        Filter
	TextQuery     string
	SemanticQuery string
	Sort          Sort
	Page          Page
	// IncludeAllStatuses lets an owner search their own videos in any state.
	IncludeAllStatuses bool
}

// SearchHit is a ranked record with its score breakdown.
type SearchHit struct {
	Record        *VideoRecord `json:"-"`
	Score         float64      `json:"relevance_score"`
	LexicalScore  float64      `json:"lexical_score"`
	SemanticScore float64      `json:"semantic_score"`
}

// SearchResponse is one page of ranked hits.
type SearchResponse struct {
	Hits       []*SearchHit
	Pagination Pagination
}
