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

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// relayPublishTimeout bounds one Redis PUBLISH issued by the forwarder.
const relayPublishTimeout = 5 * time.Second

// envelope is the relay wire format. StatusEvent hides the owner from
// clients, so it travels beside the event here.
type envelope struct {
	Origin  string            `json:"origin"`
	OwnerId string            `json:"owner_id"`
	Event   model.StatusEvent `json:"event"`
}

// RedisRelay shares events between instances over a Redis channel. Local
// publishes go to the local broadcaster first and are then queued for a
// single forwarder goroutine, which sends them to Redis in publish order.
// Envelopes from other instances are delivered to the local broadcaster only.
type RedisRelay struct {
	local    *Broadcaster
	client   *redis.Client
	channel  string
	instance string
	outbox   chan []byte
	dropped  atomic.Uint64
	metrics  *telemetry.Metrics
}

// NewRedisRelay creates a relay whose outbox holds up to buffer envelopes.
// Nothing reaches Redis until Run or Forward is started.
func NewRedisRelay(local *Broadcaster, client *redis.Client, channel string, buffer int, metrics *telemetry.Metrics) *RedisRelay {
	if buffer < 1 {
		buffer = 1
	}
	return &RedisRelay{
		local:    local,
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		outbox:   make(chan []byte, buffer),
		metrics:  metrics,
	}
}

// Instance returns the id this relay stamps on its envelopes.
func (r *RedisRelay) Instance() string {
	return r.instance
}

// Dropped returns how many envelopes were discarded because the outbox was
// full.
func (r *RedisRelay) Dropped() uint64 {
	return r.dropped.Load()
}

// Publish satisfies Publisher and never waits on Redis. Local delivery
// happens first; when the outbox is full the envelope is dropped and counted.
func (r *RedisRelay) Publish(ctx context.Context, event model.StatusEvent) {
	r.local.Publish(ctx, event)
	payload, err := json.Marshal(envelope{Origin: r.instance, OwnerId: event.OwnerId, Event: event})
	if err != nil {
		slog.ErrorContext(ctx, "unable to encode relayed event", "error", err)
		return
	}
	select {
	case r.outbox <- payload:
	default:
		r.dropped.Add(1)
		r.metrics.RelayDropped()
		slog.WarnContext(ctx, "event relay outbox full, dropping event", "video_id", event.VideoId)
	}
}

// Run forwards local events and listens for remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	go r.Forward(ctx)
	r.Listen(ctx)
}

// Forward drains the outbox into the Redis channel until ctx is done.
func (r *RedisRelay) Forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-r.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
			if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
				slog.WarnContext(ctx, "unable to relay event", "channel", r.channel, "error", err)
			}
			cancel()
		}
	}
}
// Listen delivers envelopes published by other instances until ctx is done.
func (r *RedisRelay) Listen(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	slog.InfoContext(ctx, "event relay listening", "channel", r.channel, "instance", r.instance)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.Deliver(ctx, []byte(msg.Payload))
		}
	}
}

// Deliver hands one relayed payload to the local broadcaster, dropping this
// instance's own echoes.
func (r *RedisRelay) Deliver(ctx context.Context, payload []byte) bool {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.WarnContext(ctx, "discarding malformed relayed event", "error", err)
		return false
	}
	if env.Origin == r.instance {
		return false
	}
	env.Event.OwnerId = env.OwnerId
	r.local.Publish(ctx, env.Event)
	return true
}
