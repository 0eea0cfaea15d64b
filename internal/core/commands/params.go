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
// Responsibility (COR) pattern's Command interface used by ingestion, audio
// extraction, stage persistence and terminal exports.
//
// This file, `params.go`, names the context keys commands share. A chain
// pipes each command's CtxOut into the next command's CtxIn; values that
// several commands read travel under these keys instead.
package commands

const (
	ParamJob         = "__STAGE_JOB__"    // *model.StageJob being executed.
	ParamVideo       = "__VIDEO__"        // *model.VideoRecord, refreshed after each write.
	ParamStageResult = "__STAGE_RESULT__" // model.StageResult produced by the adapter.
	ParamVideoId     = "__VIDEO_ID__"     // string video id for chains that start from a locator.
	ParamAudioObject = "__AUDIO_OBJECT__" // *cloud.GCSObject of the extracted audio track.
	ParamSignal      = "__SIGNAL__"       // *model.IngestionSignal parsed from a message.
)
