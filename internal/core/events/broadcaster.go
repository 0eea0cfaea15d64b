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

// Package events fans out per-video status transitions to the subscribers of
// the owning user. There is no event log: a subscriber that disconnects, or
// falls behind and is dropped, reconciles by listing its videos again.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/core/model"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
)

// Publisher is what the orchestrator needs from the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, event model.StatusEvent)
}

// Subscription is one client's stream of events. Events is closed when the
// subscription ends, either by Unsubscribe or because its queue overflowed.
type Subscription struct {
	id      uint64
	UserId  string
	events  chan model.StatusEvent
	dropped atomic.Bool
}

// Events returns the receive side of the subscription queue.
func (s *Subscription) Events() <-chan model.StatusEvent {
	return s.events
}

// Dropped reports whether the broadcaster closed the subscription because
// the client could not keep up.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Broadcaster keeps a per-user registry of subscriptions. Publish never
// blocks: each subscription has a bounded queue and is closed when it fills.
type Broadcaster struct {
	buffer  int
	metrics *telemetry.Metrics

	mu     sync.Mutex
	nextId uint64
	users  map[string]map[uint64]*Subscription
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to
// buffer events. metrics may be nil.
func NewBroadcaster(buffer int, metrics *telemetry.Metrics) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		buffer:  buffer,
		metrics: metrics,
		users:   make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscription for userId.
func (b *Broadcaster) Subscribe(userId string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextId++
	sub := &Subscription{
		id:     b.nextId,
		UserId: userId,
		events: make(chan model.StatusEvent, b.buffer),
	}
	subs, ok := b.users[userId]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.users[userId] = subs
	}
	subs[sub.id] = sub
	b.metrics.SubscriberAdded()
	return sub
}

// Unsubscribe removes the subscription and closes its queue. It is safe to
// call more than once and after the broadcaster dropped the subscription.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	subs, ok := b.users[sub.UserId]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.users, sub.UserId)
	}
	close(sub.events)
	b.metrics.SubscriberRemoved()
}

// Publish delivers event to every subscription of event.OwnerId. Delivery
// happens under one lock, so the order of Publish calls is the order every
// subscriber observes.
func (b *Broadcaster) Publish(ctx context.Context, event model.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.users[event.OwnerId] {
		select {
		case sub.events <- event:
		default:
			sub.dropped.Store(true)
			b.removeLocked(sub)
			slog.WarnContext(ctx, "dropping slow event subscriber", "user_id", sub.UserId, "video_id", event.VideoId)
		}
	}
}

// SubscriberCount returns the number of open subscriptions of userId.
func (b *Broadcaster) SubscriberCount(userId string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.users[userId])
}
