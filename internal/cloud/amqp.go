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

package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/cor"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// declareQueue declares the durable ingestion queue on ch.
func declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

// AMQPListener consumes ingestion signals from a durable RabbitMQ queue and
// runs the attached command for each delivery. Deliveries are acked when the
// command succeeds and nacked with requeue otherwise; a body that is not
// valid JSON is dropped without requeue.
type AMQPListener struct {
	channel  *amqp.Channel
	queue    string
	consumer string
	command  cor.Command
}

// NewAMQPListener opens a channel, declares the queue and applies Qos.
func NewAMQPListener(conn *amqp.Connection, queue string, consumer string, prefetch int, command cor.Command) (*AMQPListener, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("setting qos: %w", err)
	}
	return &AMQPListener{channel: ch, queue: queue, consumer: consumer, command: command}, nil
}

func (l *AMQPListener) SetCommand(command cor.Command) {
	if l.command == nil {
		l.command = command
	}
}

// Listen consumes in a background goroutine until ctx is done or the channel
// closes.
func (l *AMQPListener) Listen(ctx context.Context) {
	msgs, err := l.channel.Consume(l.queue, l.consumer, false, false, false, false, nil)
	if err != nil {
		slog.ErrorContext(ctx, "unable to consume", "queue", l.queue, "error", err)
		return
	}
	slog.InfoContext(ctx, "listening", "queue", l.queue)

	go func() {
		tracer := otel.Tracer("amqp-listener")
		for {
			select {
			case <-ctx.Done():
				_ = l.channel.Close()
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("amqp delivery channel closed", "queue", l.queue)
					return
				}
				l.handle(ctx, tracer, msg)
			}
		}
	}()
}

func (l *AMQPListener) handle(ctx context.Context, tracer trace.Tracer, msg amqp.Delivery) {
	spanCtx, span := tracer.Start(ctx, "receive-delivery")
	defer span.End()
	span.SetAttributes(attribute.String("queue", l.queue))

	if !json.Valid(msg.Body) {
		span.SetStatus(codes.Error, "malformed body")
		slog.WarnContext(spanCtx, "dropping malformed delivery", "queue", l.queue)
		_ = msg.Nack(false, false)
		return
	}

	chainCtx := cor.NewContext(spanCtx, string(msg.Body))
	defer chainCtx.Close()
	l.command.Execute(chainCtx)

	if !chainCtx.HasErrors() {
		span.SetStatus(codes.Ok, "success")
		_ = msg.Ack(false)
		return
	}
	span.SetStatus(codes.Error, "failed")
	for name, e := range chainCtx.GetErrors() {
		slog.ErrorContext(spanCtx, "error executing ingestion chain", "command", name, "error", e)
	}
	_ = msg.Nack(false, true)
}

// AMQPPublisher sends persistent ingestion signals to the queue through the
// default exchange.
type AMQPPublisher struct {
	channel *amqp.Channel
	queue   string
}

func NewAMQPPublisher(conn *amqp.Connection, queue string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
	}
	return &AMQPPublisher{channel: ch, queue: queue}, nil
}

// Publish marshals v as JSON and publishes it persistently.
func (p *AMQPPublisher) Publish(ctx context.Context, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Submit publishes signal. It lets uploads hand off to the queue the same way
// the direct transport hands off to the orchestrator.
func (p *AMQPPublisher) Submit(ctx context.Context, signal model.IngestionSignal) error {
	if err := p.Publish(ctx, signal); err != nil {
		return fmt.Errorf("publishing ingestion signal for %s: %w", signal.VideoId, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.channel.Close()
}
