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

package commands

import (
	goctx "context"
	"fmt"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
)

// Submitter accepts "raw media ready" signals. The orchestrator implements it.
type Submitter interface {
	Submit(ctx goctx.Context, signal model.IngestionSignal) error
}

// SubmitIngestion hands the signal under CtxIn to a Submitter.
type SubmitIngestion struct {
	cor.BaseCommand
	submitter Submitter
}

func NewSubmitIngestion(name string, submitter Submitter) *SubmitIngestion {
	return &SubmitIngestion{BaseCommand: *cor.NewBaseCommand(name), submitter: submitter}
}

func (c *SubmitIngestion) Execute(context cor.Context) {
	signal, ok := context.Get(c.GetInputParam()).(*model.IngestionSignal)
	if !ok {
		c.Fail(context, fmt.Errorf("%w: no ingestion signal in context", model.ErrInvalidInput))
		return
	}
	if err := c.submitter.Submit(context.GetContext(), *signal); err != nil {
		c.Fail(context, fmt.Errorf("submitting video %s: %w", signal.VideoId, err))
		return
	}
	c.Succeed(context)
	context.Add(c.GetOutputParam(), signal)
}
