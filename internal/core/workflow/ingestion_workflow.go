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

// Package workflow assembles commands into the application's workflows: the
// ingestion chain fed by the listeners, the per-attempt stage chain, the
// orchestrator driving both, and the periodic maintenance jobs.
package workflow

import (
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/commands"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
)

// IngestionWorkflow turns a raw listener message into Orchestrator.Submit.
// It is the command installed on the Pub/Sub and AMQP listeners.
type IngestionWorkflow struct {
	cor.BaseCommand
	chain cor.Chain
}

// NewIngestionWorkflow builds the chain
// IngestionSignalReader -> SubmitIngestion.
func NewIngestionWorkflow(submitter commands.Submitter) *IngestionWorkflow {
	out := &IngestionWorkflow{BaseCommand: *cor.NewBaseCommand("media-ingestion")}
	out.chain = cor.NewBaseChain(out.GetName()).
		AddCommand(commands.NewIngestionSignalReader("ingestion-signal-reader")).
		AddCommand(commands.NewSubmitIngestion("submit-ingestion", submitter))
	return out
}

func (w *IngestionWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}
