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
// This file, `persistent.go`, holds the structures that are written to the
// record store: the VideoRecord itself, its lifecycle status and the per-stage
// outcome map the orchestrator uses to resume work after a restart.
//
// Structs:
//   - VideoRecord: The durable entity for one uploaded video.
//   - StageOutcome: The persisted resolution of a single analysis stage.
//
// Functions:
//   - NewVideoRecord: Creates a Pending record with a fresh id.
//   - Clone: Deep copies a record so callers never share slices with the store.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the wire-stable lifecycle state of a video.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further stage execution may happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a wire value into a Status. Unknown values are reported
// with ok=false so callers can treat them as opaque.
func ParseStatus(in string) (status Status, ok bool) {
	switch Status(strings.ToLower(strings.TrimSpace(in))) {
	case StatusPending:
		return StatusPending, true
	case StatusProcessing:
		return StatusProcessing, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	}
	return Status(in), false
}

// StageState is the persisted resolution of a stage.
type StageState string

const (
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// StageOutcome records how a stage resolved. Only resolved stages are stored;
// a stage missing from VideoRecord.Stages has not resolved yet.
type StageOutcome struct {
	State      StageState `json:"state"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	ResolvedAt time.Time  `json:"resolved_at"`
}

// VideoRecord is the durable entity for one video: upload metadata, the
// results written by each analysis stage, the three embeddings and the
// lifecycle timestamps. Records are mutated exclusively by the orchestrator
// once created, and every write goes through the store's version check.
type VideoRecord struct {
	Id          string   `json:"id"`
	OwnerId     string   `json:"user_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Filename    string   `json:"filename,omitempty"`
	Locator     string   `json:"locator,omitempty"` // Opaque raw media locator, e.g. gs://bucket/object.
	Tags        []string `json:"tags"`
	Categories  []string `json:"categories"`

	// Raw media descriptors.
	Duration   float64 `json:"duration,omitempty"`
	FileSize   int64   `json:"file_size,omitempty"`
	Format     string  `json:"format,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
	Fps        float64 `json:"fps,omitempty"`

	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Stage result slots.
	Objects          []Detection        `json:"detected_objects,omitempty"`
	Scenes           []SceneSegment     `json:"detected_scenes,omitempty"`
	Faces            []FaceDetection    `json:"detected_faces,omitempty"`
	Emotions         []EmotionDetection `json:"detected_emotions,omitempty"`
	ModerationLabels []ModerationLabel  `json:"moderation_labels,omitempty"`
	Transcript       string             `json:"transcript,omitempty"`
	Languages        []string           `json:"detected_languages,omitempty"`
	KeyPhrases       []string           `json:"key_phrases,omitempty"`
	Sentiment        *Sentiment         `json:"sentiment_analysis,omitempty"`
	Entities         []Entity           `json:"entities,omitempty"`

	VisualEmbedding   []float32 `json:"visual_embedding,omitempty"`
	AudioEmbedding    []float32 `json:"audio_embedding,omitempty"`
	CombinedEmbedding []float32 `json:"combined_embedding,omitempty"`

	Stages map[StageName]StageOutcome `json:"stages,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`

	Version int64 `json:"version"`
}

// NewVideoRecord creates a Pending record owned by ownerId with a random id.
//
// Inputs:
//   - ownerId: The id of the uploading user. Immutable afterwards.
//   - title: The display title.
//
// Outputs:
//   - *VideoRecord: The new record, not yet stored.
func NewVideoRecord(ownerId string, title string) *VideoRecord {
	now := time.Now().UTC()
	return &VideoRecord{
		Id:         uuid.NewString(),
		OwnerId:    ownerId,
		Title:      title,
		Tags:       make([]string, 0),
		Categories: make([]string, 0),
		Status:     StatusPending,
		Stages:     make(map[StageName]StageOutcome),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Embedding returns the stored vector of the given kind, or nil.
func (v *VideoRecord) Embedding(kind EmbeddingKind) []float32 {
	switch kind {
	case EmbeddingVisual:
		return v.VisualEmbedding
	case EmbeddingAudio:
		return v.AudioEmbedding
	case EmbeddingCombined:
		return v.CombinedEmbedding
	}
	return nil
}

// Outcome returns the persisted outcome for a stage, if it resolved.
func (v *VideoRecord) Outcome(stage StageName) (StageOutcome, bool) {
	if v.Stages == nil {
		return StageOutcome{}, false
	}
	o, ok := v.Stages[stage]
	return o, ok
}

// ApplyResult writes a successful stage result into its slot.
func (v *VideoRecord) ApplyResult(result StageResult) {
	result.applyTo(v)
}

// Touch bumps UpdatedAt without ever moving it before CreatedAt.
func (v *VideoRecord) Touch(now time.Time) {
	if now.Before(v.CreatedAt) {
		now = v.CreatedAt
	}
	if now.After(v.UpdatedAt) {
		v.UpdatedAt = now
	}
}

// Clone returns a deep copy of the record.
func (v *VideoRecord) Clone() *VideoRecord {
	if v == nil {
		return nil
	}
	out := *v
	out.Tags = cloneSlice(v.Tags)
	out.Categories = cloneSlice(v.Categories)
	out.Objects = cloneSlice(v.Objects)
	out.Scenes = cloneSlice(v.Scenes)
	out.Faces = cloneSlice(v.Faces)
	out.Emotions = cloneSlice(v.Emotions)
	out.ModerationLabels = cloneSlice(v.ModerationLabels)
	out.Languages = cloneSlice(v.Languages)
	out.KeyPhrases = cloneSlice(v.KeyPhrases)
	out.Entities = cloneSlice(v.Entities)
	out.VisualEmbedding = cloneSlice(v.VisualEmbedding)
	out.AudioEmbedding = cloneSlice(v.AudioEmbedding)
	out.CombinedEmbedding = cloneSlice(v.CombinedEmbedding)
	if v.Sentiment != nil {
		s := *v.Sentiment
		out.Sentiment = &s
	}
	if v.Stages != nil {
		out.Stages = make(map[StageName]StageOutcome, len(v.Stages))
		for k, o := range v.Stages {
			out.Stages[k] = o
		}
	}
	if v.ProcessingStartedAt != nil {
		t := *v.ProcessingStartedAt
		out.ProcessingStartedAt = &t
	}
	if v.ProcessingCompletedAt != nil {
		t := *v.ProcessingCompletedAt
		out.ProcessingCompletedAt = &t
	}
	return &out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// VideoView is the client-facing projection of a VideoRecord. Embeddings are
// reduced to presence flags and the version is hidden.
type VideoView struct {
	*VideoRecord
	VisualEmbedding   []float32 `json:"visual_embedding,omitempty"`
	AudioEmbedding    []float32 `json:"audio_embedding,omitempty"`
	CombinedEmbedding []float32 `json:"combined_embedding,omitempty"`
	Version           int64     `json:"version,omitempty"`
	HasEmbedding      bool      `json:"has_embedding"`
}

// ToView builds the client-facing projection.
func (v *VideoRecord) ToView() *VideoView {
	return &VideoView{VideoRecord: v, HasEmbedding: len(v.CombinedEmbedding) > 0}
}
