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

// Package stages contains the analysis stage adapters: the uniform contract
// every external AI capability satisfies, the error classification the
// orchestrator's retry policy depends on, and the concrete adapters backed by
// Gemini, Vertex AI embeddings and OpenAI embeddings.
//
// Adapters are invoked concurrently for different videos. They hold only
// immutable configuration and thread-safe clients; everything that varies per
// call travels in StageInput.
package stages

import (
	"context"
	"strings"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/h2non/filetype"
)

// StageInput is everything an adapter may read for one attempt.
type StageInput struct {
	VideoId  string
	OwnerId  string
	Locator  string // Opaque raw media locator.
	MIMEType string // Optional override; derived from the record format otherwise.
	Stage    model.StageName
	Attempt  int
	// Record is a snapshot taken when the attempt was scheduled. Dependent
	// stages read their predecessors' slots from it.
	Record *model.VideoRecord
}

// Mime returns the media type sent alongside the locator.
func (in StageInput) Mime() string {
	if in.MIMEType != "" {
		return in.MIMEType
	}
	format := ""
	if in.Record != nil {
		format = in.Record.Format
	}
	if format == "" {
		if i := strings.LastIndex(in.Locator, "."); i >= 0 {
			format = in.Locator[i+1:]
		}
	}
	return MimeForFormat(format)
}

// MimeForFormat maps a container extension to its media type, falling back to
// video/mp4.
func MimeForFormat(format string) string {
	t := filetype.GetType(strings.ToLower(strings.TrimPrefix(format, ".")))
	if t == filetype.Unknown || t.MIME.Value == "" {
		return "video/mp4"
	}
	return t.MIME.Value
}

// Adapter is the contract of one analysis capability. Run returns a typed
// result for in.Stage, or an error that Classify turns into a StageError.
type Adapter interface {
	Run(ctx context.Context, in StageInput) (model.StageResult, error)
}

// AdapterFunc lets a plain function satisfy Adapter.
type AdapterFunc func(ctx context.Context, in StageInput) (model.StageResult, error)

func (f AdapterFunc) Run(ctx context.Context, in StageInput) (model.StageResult, error) {
	return f(ctx, in)
}

// Registry maps each enabled stage to its adapter.
type Registry map[model.StageName]Adapter

// Get returns the adapter for stage.
func (r Registry) Get(stage model.StageName) (Adapter, bool) {
	a, ok := r[stage]
	return a, ok && a != nil
}
