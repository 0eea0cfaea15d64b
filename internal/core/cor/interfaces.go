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

// Package cor (Chain of Responsibility) provides the building blocks the
// orchestrator and the ingestion listeners use to express a unit of work as a
// sequence of small commands. Each command reads its input from a shared
// Context, writes its output back, and records failures instead of returning
// them, so a chain can decide whether to stop or continue.
package cor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CtxIn and CtxOut are the keys a BaseChain pipes between commands: whatever
// a command leaves under CtxOut becomes the next command's CtxIn.
const (
	CtxIn  = "__IN__"
	CtxOut = "__OUT__"
)

// Context is the property bag shared by every command of one chain
// execution. Implementations must be safe for concurrent use because stage
// adapters may fan work out to goroutines that report back through it.
type Context interface {
	// SetContext replaces the Go context, typically with a child span context.
	SetContext(context context.Context)
	GetContext() context.Context

	// Add stores a value and returns the Context for chaining.
	Add(key string, value interface{}) Context
	Get(key string) interface{}
	Remove(key string)

	// AddError records a failure, keyed by the command that produced it.
	AddError(key string, err error)
	GetErrors() map[string]error
	HasErrors() bool

	// AddTempFile registers a local file for removal by Close.
	AddTempFile(file string)
	GetTempFiles() []string

	// Close removes every registered temp file. Defer it at the start of a
	// chain execution.
	Close()
}

// Executable is anything with a body that runs against a Context.
type Executable interface {
	Execute(context Context)
}

// Command is an atomic, concurrency-safe unit of work.
type Command interface {
	Executable

	GetName() string
	GetInputParam() string
	GetOutputParam() string

	// IsExecutable is the precondition checked by a chain before Execute.
	IsExecutable(context Context) bool

	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is an ordered sequence of commands and is itself a Command, so chains
// nest.
type Chain interface {
	Command

	// ContinueOnFailure makes the chain run every command even after one
	// of them records an error.
	ContinueOnFailure(bool) Chain
	AddCommand(command Command) Chain
}
