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

// Package main contains the logic for connecting the ingestion transport.
// Whatever the transport, a "raw media ready" signal ends up in the
// ingestion workflow, which submits it to the orchestrator.
//
// Functions:
//   - SetupListeners: Starts the configured listener and returns what uploads
//     use to signal new media.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/cloud"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/services"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/workflow"
)

// SetupListeners connects the configured ingestion transport.
//
// Inputs:
//   - ctx: The application's root context; listeners stop when it is done.
//   - config: The application's configuration.
//   - clients: The initialized service clients.
//   - orchestrator: The started orchestrator.
//
// Outputs:
//   - services.Signaler: What uploads call after storing media. It is nil for
//     pubsub, where the storage notification is the signal.
//   - error: A missing subscription or an AMQP setup failure.
func SetupListeners(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients, orchestrator *workflow.Orchestrator) (services.Signaler, error) {
	ingestion := workflow.NewIngestionWorkflow(orchestrator)

	switch config.Ingestion.Transport {
	case cloud.TransportPubSub:
		listener, ok := clients.PubSubListeners[config.Ingestion.Subscription]
		if !ok {
			return nil, fmt.Errorf("ingestion.subscription %q is not a configured topic subscription", config.Ingestion.Subscription)
		}
		listener.SetCommand(ingestion)
		listener.Listen(ctx)
		return nil, nil

	case cloud.TransportAMQP:
		listener, err := cloud.NewAMQPListener(clients.AMQP, config.Ingestion.Queue, config.Ingestion.ConsumerName, config.Ingestion.Prefetch, ingestion)
		if err != nil {
			return nil, err
		}
		listener.Listen(ctx)
		publisher, err := cloud.NewAMQPPublisher(clients.AMQP, config.Ingestion.Queue)
		if err != nil {
			return nil, err
		}
		state.amqpPublisher = publisher
		return publisher, nil
	}

	slog.Info("using direct ingestion; uploads submit to the in-process orchestrator")
	return orchestrator, nil
}
