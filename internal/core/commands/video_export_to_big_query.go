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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface. This file defines the
// command that exports a finished video to BigQuery for analytics.
//
// Logic Flow:
//  1. Retrieve the terminal `model.VideoRecord` from the context.
//  2. Flatten it into a VideoExportRow. Embeddings and raw detections stay
//     out of the warehouse; labels, phrases and entities are kept as
//     repeated columns.
//  3. Stream the row with the table Inserter. The insert id is the video id,
//     so a retried export does not duplicate the row.
package commands

import (
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// VideoExportRow is the BigQuery shape of a finished video.
type VideoExportRow struct {
	Id                  string                 `bigquery:"id"`
	OwnerId             string                 `bigquery:"owner_id"`
	Title               string                 `bigquery:"title"`
	Status              string                 `bigquery:"status"`
	ErrorMessage        string                 `bigquery:"error_message"`
	Duration            float64                `bigquery:"duration_seconds"`
	Format              string                 `bigquery:"format"`
	Tags                []string               `bigquery:"tags"`
	Categories          []string               `bigquery:"categories"`
	ObjectLabels        []string               `bigquery:"object_labels"`
	ModerationLabels    []string               `bigquery:"moderation_labels"`
	KeyPhrases          []string               `bigquery:"key_phrases"`
	Languages           []string               `bigquery:"languages"`
	Sentiment           string                 `bigquery:"sentiment"`
	FailedStages        []string               `bigquery:"failed_stages"`
	CreatedAt           bigquery.NullTimestamp `bigquery:"created_at"`
	ProcessingStartedAt bigquery.NullTimestamp `bigquery:"processing_started_at"`
	CompletedAt         bigquery.NullTimestamp `bigquery:"processing_completed_at"`
}

// NewVideoExportRow flattens a record.
func NewVideoExportRow(v *model.VideoRecord) *VideoExportRow {
	row := &VideoExportRow{
		Id:               v.Id,
		OwnerId:          v.OwnerId,
		Title:            v.Title,
		Status:           string(v.Status),
		ErrorMessage:     v.ErrorMessage,
		Duration:         v.Duration,
		Format:           v.Format,
		Tags:             v.Tags,
		Categories:       v.Categories,
		KeyPhrases:       v.KeyPhrases,
		Languages:        v.Languages,
		ObjectLabels:     make([]string, 0, len(v.Objects)),
		ModerationLabels: make([]string, 0, len(v.ModerationLabels)),
		FailedStages:     make([]string, 0),
		CreatedAt:        bigquery.NullTimestamp{Timestamp: v.CreatedAt, Valid: true},
	}
	seen := make(map[string]bool)
	for _, o := range v.Objects {
		if !seen[o.Label] {
			seen[o.Label] = true
			row.ObjectLabels = append(row.ObjectLabels, o.Label)
		}
	}
	for _, m := range v.ModerationLabels {
		row.ModerationLabels = append(row.ModerationLabels, m.Name)
	}
	if v.Sentiment != nil {
		row.Sentiment = v.Sentiment.Label
	}
	for _, stage := range model.AllStages {
		if o, ok := v.Outcome(stage); ok && o.State == model.StageFailed {
			row.FailedStages = append(row.FailedStages, string(stage))
		}
	}
	if v.ProcessingStartedAt != nil {
		row.ProcessingStartedAt = bigquery.NullTimestamp{Timestamp: *v.ProcessingStartedAt, Valid: true}
	}
	if v.ProcessingCompletedAt != nil {
		row.CompletedAt = bigquery.NullTimestamp{Timestamp: *v.ProcessingCompletedAt, Valid: true}
	}
	return row
}

// ExportVideoToBigQuery inserts the record under CtxIn into the video table.
type ExportVideoToBigQuery struct {
	cor.BaseCommand
	client  *bigquery.Client
	dataset string
	table   string
}

func NewExportVideoToBigQuery(name string, client *bigquery.Client, dataset string, table string) *ExportVideoToBigQuery {
	return &ExportVideoToBigQuery{BaseCommand: *cor.NewBaseCommand(name), client: client, dataset: dataset, table: table}
}

// IsExecutable also requires a client; exports are skipped when BigQuery is
// not configured.
func (s *ExportVideoToBigQuery) IsExecutable(context cor.Context) bool {
	return s.client != nil && s.BaseCommand.IsExecutable(context)
}

func (s *ExportVideoToBigQuery) Execute(context cor.Context) {
	v, ok := context.Get(s.GetInputParam()).(*model.VideoRecord)
	if !ok {
		s.Fail(context, fmt.Errorf("%w: no video in context", model.ErrInvalidInput))
		return
	}
	inserter := s.client.Dataset(s.dataset).Table(s.table).Inserter()
	saver := &bigquery.StructSaver{Struct: NewVideoExportRow(v), InsertID: v.Id}
	if err := inserter.Put(context.GetContext(), saver); err != nil {
		s.Fail(context, fmt.Errorf("bigquery insert failed for video %s: %w", v.Id, err))
		return
	}
	s.Succeed(context)
	slog.InfoContext(context.GetContext(), "exported video", "video_id", v.Id, "status", v.Status)
	context.Add(s.GetOutputParam(), v)
}
