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

// Package model defines the data structures for the application. This file,
// `examples.go`, provides hardcoded example results for each analysis stage
// that asks a generative model for JSON.
//
// These example objects are used for "few-shot" prompting. By serialising a
// concrete example of the desired output into the prompt itself, the model is
// guided to return data that decodes straight into the matching StageResult.
package model

// GetExampleResult returns the few-shot example for a stage, or nil when the
// stage does not prompt for JSON (the embedding stages).
func GetExampleResult(stage StageName) StageResult {
	switch stage {
	case StageObjectDetection:
		return &ObjectsResult{Objects: []Detection{
			{Label: "dog", Confidence: 96.5, TimestampMs: 1200, Box: &BoundingBox{Left: 0.12, Top: 0.40, Width: 0.25, Height: 0.30}},
			{Label: "bicycle", Confidence: 88.1, TimestampMs: 4500},
		}}
	case StageSceneDetection:
		return &ScenesResult{
			Scenes: []SceneSegment{
				{Sequence: 1, StartMs: 0, EndMs: 5200, Description: "A man walks a dog along a beach at sunrise.", Confidence: 92},
				{Sequence: 2, StartMs: 5200, EndMs: 11000, Description: "Close up of the dog chasing a ball into the waves.", Confidence: 87},
			},
			DurationSeconds: 11,
			Resolution:      "1920x1080",
			Fps:             30,
		}
	case StageFaceDetection:
		return &FacesResult{Faces: []FaceDetection{
			{TimestampMs: 800, Confidence: 99.1, AgeRange: "25-35", Box: &BoundingBox{Left: 0.45, Top: 0.20, Width: 0.10, Height: 0.18}},
		}}
	case StageEmotionDetection:
		return &EmotionsResult{Emotions: []EmotionDetection{
			{Emotion: "HAPPY", Confidence: 91.4, TimestampMs: 800},
			{Emotion: "CALM", Confidence: 78.0, TimestampMs: 6100},
		}}
	case StageModeration:
		return &ModerationResult{Labels: []ModerationLabel{
			{Name: "Violence", ParentName: "", Confidence: 64.2, TimestampMs: 9000},
		}}
	case StageTranscription:
		return &TranscriptResult{
			Text:      "Come on boy, fetch the ball. Good dog.",
			Languages: []string{"en"},
		}
	case StageTextAnalysis:
		return &TextAnalysisResult{
			KeyPhrases: []string{"the ball", "good dog"},
			Sentiment:  &Sentiment{Label: "POSITIVE", Positive: 0.93, Negative: 0.01, Neutral: 0.05, Mixed: 0.01},
			Entities:   []Entity{{Text: "Rex", Type: "PERSON", Score: 0.81}},
		}
	}
	return nil
}
