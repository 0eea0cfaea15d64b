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
// This file, `stage.go`, declares the analysis stage catalogue and the typed
// results each stage produces. A StageResult is a closed sum type: every
// variant knows which stage produced it and which VideoRecord slot it fills,
// so the dependency gating in the orchestrator can be checked against the
// catalogue instead of against untyped maps.
package model

import (
	"fmt"
	"strings"
)

// StageName identifies one independent unit of analysis.
type StageName string

const (
	StageObjectDetection   StageName = "object_detection"
	StageSceneDetection    StageName = "scene_detection"
	StageFaceDetection     StageName = "face_detection"
	StageEmotionDetection  StageName = "emotion_detection"
	StageModeration        StageName = "moderation"
	StageTranscription     StageName = "transcription"
	StageTextAnalysis      StageName = "text_analysis"
	StageVisualEmbedding   StageName = "visual_embedding"
	StageAudioEmbedding    StageName = "audio_embedding"
	StageCombinedEmbedding StageName = "combined_embedding"
)

// AllStages lists the catalogue in scheduling order.
var AllStages = []StageName{
	StageObjectDetection,
	StageSceneDetection,
	StageFaceDetection,
	StageEmotionDetection,
	StageModeration,
	StageTranscription,
	StageTextAnalysis,
	StageVisualEmbedding,
	StageAudioEmbedding,
	StageCombinedEmbedding,
}

var stageDependencies = map[StageName][]StageName{
	StageTextAnalysis:      {StageTranscription},
	StageCombinedEmbedding: {StageVisualEmbedding, StageAudioEmbedding},
}

// DependsOn returns the stages that must resolve before this one may run.
func (s StageName) DependsOn() []StageName {
	return stageDependencies[s]
}

// EmbeddingKind returns the vector kind an embedding stage produces.
func (s StageName) EmbeddingKind() (EmbeddingKind, bool) {
	switch s {
	case StageVisualEmbedding:
		return EmbeddingVisual, true
	case StageAudioEmbedding:
		return EmbeddingAudio, true
	case StageCombinedEmbedding:
		return EmbeddingCombined, true
	}
	return "", false
}

// ParseStageName validates a configured stage name.
func ParseStageName(in string) (StageName, error) {
	name := StageName(strings.ToLower(strings.TrimSpace(in)))
	for _, s := range AllStages {
		if s == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, in)
}

// EmbeddingKind names one of the three vectors kept per video.
type EmbeddingKind string

const (
	EmbeddingVisual   EmbeddingKind = "visual"
	EmbeddingAudio    EmbeddingKind = "audio"
	EmbeddingCombined EmbeddingKind = "combined"
)

// Stage returns the stage that produces vectors of this kind.
func (k EmbeddingKind) Stage() StageName {
	switch k {
	case EmbeddingVisual:
		return StageVisualEmbedding
	case EmbeddingAudio:
		return StageAudioEmbedding
	}
	return StageCombinedEmbedding
}

// BoundingBox is expressed as ratios of the frame size.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is a labelled object seen at a point in the video.
type Detection struct {
	Label       string       `json:"label"`
	Confidence  float64      `json:"confidence"`
	TimestampMs int64        `json:"timestamp_ms"`
	Box         *BoundingBox `json:"bounding_box,omitempty"`
}

// SceneSegment is a contiguous shot or scene.
type SceneSegment struct {
	Sequence    int     `json:"sequence"`
	StartMs     int64   `json:"start_ms"`
	EndMs       int64   `json:"end_ms"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// FaceDetection is a face seen at a point in the video.
type FaceDetection struct {
	TimestampMs int64        `json:"timestamp_ms"`
	Confidence  float64      `json:"confidence"`
	AgeRange    string       `json:"age_range,omitempty"`
	Box         *BoundingBox `json:"bounding_box,omitempty"`
}

// EmotionDetection is a dominant emotion attached to a face or a moment.
type EmotionDetection struct {
	Emotion     string  `json:"emotion"`
	Confidence  float64 `json:"confidence"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// ModerationLabel is an unsafe-content label.
type ModerationLabel struct {
	Name        string  `json:"name"`
	ParentName  string  `json:"parent_name,omitempty"`
	Confidence  float64 `json:"confidence"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// Sentiment is the overall tone of the transcript.
type Sentiment struct {
	Label    string  `json:"label"`
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
	Mixed    float64 `json:"mixed"`
}

// Entity is a named entity found in the transcript.
type Entity struct {
	Text  string  `json:"text"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// StageResult is the typed output of a successful stage. The interface is
// sealed: only the variants below implement it.
type StageResult interface {
	Stage() StageName
	applyTo(v *VideoRecord)
}

type ObjectsResult struct {
	Objects []Detection `json:"objects"`
}

func (r *ObjectsResult) Stage() StageName { return StageObjectDetection }
func (r *ObjectsResult) applyTo(v *VideoRecord) {
	v.Objects = nonNil(r.Objects)
}

type ScenesResult struct {
	Scenes          []SceneSegment `json:"scenes"`
	DurationSeconds float64        `json:"duration_seconds"`
	Resolution      string         `json:"resolution,omitempty"`
	Fps             float64        `json:"fps,omitempty"`
}

func (r *ScenesResult) Stage() StageName { return StageSceneDetection }
func (r *ScenesResult) applyTo(v *VideoRecord) {
	v.Scenes = nonNil(r.Scenes)
	if v.Duration == 0 {
		v.Duration = r.DurationSeconds
	}
	if v.Resolution == "" {
		v.Resolution = r.Resolution
	}
	if v.Fps == 0 {
		v.Fps = r.Fps
	}
}

type FacesResult struct {
	Faces []FaceDetection `json:"faces"`
}

func (r *FacesResult) Stage() StageName { return StageFaceDetection }
func (r *FacesResult) applyTo(v *VideoRecord) {
	v.Faces = nonNil(r.Faces)
}

type EmotionsResult struct {
	Emotions []EmotionDetection `json:"emotions"`
}

func (r *EmotionsResult) Stage() StageName { return StageEmotionDetection }
func (r *EmotionsResult) applyTo(v *VideoRecord) {
	v.Emotions = nonNil(r.Emotions)
}

type ModerationResult struct {
	Labels []ModerationLabel `json:"labels"`
}

func (r *ModerationResult) Stage() StageName { return StageModeration }
func (r *ModerationResult) applyTo(v *VideoRecord) {
	v.ModerationLabels = nonNil(r.Labels)
}

type TranscriptResult struct {
	Text      string   `json:"transcript"`
	Languages []string `json:"languages"`
}

func (r *TranscriptResult) Stage() StageName { return StageTranscription }
func (r *TranscriptResult) applyTo(v *VideoRecord) {
	v.Transcript = r.Text
	v.Languages = nonNil(r.Languages)
}

type TextAnalysisResult struct {
	KeyPhrases []string   `json:"key_phrases"`
	Sentiment  *Sentiment `json:"sentiment"`
	Entities   []Entity   `json:"entities"`
}

func (r *TextAnalysisResult) Stage() StageName { return StageTextAnalysis }
func (r *TextAnalysisResult) applyTo(v *VideoRecord) {
	v.KeyPhrases = nonNil(r.KeyPhrases)
	v.Sentiment = r.Sentiment
	v.Entities = nonNil(r.Entities)
}

// EmbeddingResult carries one of the three vectors.
type EmbeddingResult struct {
	Kind   EmbeddingKind `json:"kind"`
	Vector []float32     `json:"vector"`
}

func (r *EmbeddingResult) Stage() StageName { return r.Kind.Stage() }
func (r *EmbeddingResult) applyTo(v *VideoRecord) {
	vec := cloneSlice(r.Vector)
	switch r.Kind {
	case EmbeddingVisual:
		v.VisualEmbedding = vec
	case EmbeddingAudio:
		v.AudioEmbedding = vec
	case EmbeddingCombined:
		// Only derivable from both component vectors.
		if len(v.VisualEmbedding) > 0 && len(v.AudioEmbedding) > 0 {
			v.CombinedEmbedding = vec
		}
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return make([]T, 0)
	}
	return in
}
