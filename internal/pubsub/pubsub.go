// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub provides a generic, backpressure-aware event broker.
//
// It generalizes loom's pkg/communication.MessageBus (topic broadcaster with
// per-subscriber channels, non-blocking publish, drop-on-full semantics) to
// an untyped-topic, typed-payload shape: one Broker[T] per event stream
// (e.g. one per Session's execution events), many Subscriptions.
package pubsub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 1024

// Subscription is a live handle returned by Broker.Subscribe. Callers read
// from C until it is closed (on Unsubscribe, eviction, or broker Close).
type Subscription[T any] struct {
	id     uint64
	C      <-chan T
	broker *Broker[T]
}

// Unsubscribe detaches this subscription and closes its channel.
func (s *Subscription[T]) Unsubscribe() {
	s.broker.unsubscribe(s.id)
}

type subscriber[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
	closed atomic.Bool
}

// Broker fans a single logical event stream out to many subscribers.
// Publish never blocks the publisher: non-critical events are dropped from
// a subscriber whose buffer is full; critical events evict that subscriber
// instead of blocking (a slow consumer must not stall the execution loop).
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber[T]
	nextID     uint64
	bufferSize int
	logger     *zap.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// NewBroker creates a Broker with the given per-subscriber buffer size.
// A zero or negative size falls back to DefaultBufferSize.
func NewBroker[T any](bufferSize int, logger *zap.Logger) *Broker[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker[T]{
		subs:       make(map[uint64]*subscriber[T]),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe attaches a new listener. filter, if non-nil, is evaluated before
// delivery; events for which it returns false are skipped silently (neither
// delivered nor counted as dropped).
func (b *Broker[T]) Subscribe(filter func(T) bool) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber[T]{
		id:     id,
		ch:     make(chan T, b.bufferSize),
		filter: filter,
	}
	b.subs[id] = sub
	return &Subscription[T]{id: id, C: sub.ch, broker: b}
}

// Publish delivers item to every matching subscriber. isCritical reports
// whether item must never be silently dropped; a full buffer for a critical
// event evicts that subscriber rather than blocking the caller.
func (b *Broker[T]) Publish(item T, isCritical func(T) bool) {
	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	critical := isCritical != nil && isCritical(item)

	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		if s.filter != nil && !s.filter(item) {
			continue
		}
		select {
		case s.ch <- item:
			b.delivered.Add(1)
		default:
			if critical {
				b.evicted.Add(1)
				b.evict(s)
				b.logger.Warn("evicting slow subscriber on critical event", zap.Uint64("subscriber_id", s.id))
			} else {
				b.dropped.Add(1)
			}
		}
	}
}

func (b *Broker[T]) evict(s *subscriber[T]) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	close(s.ch)
}

func (b *Broker[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok && s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Close detaches and closes every subscriber.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscriber[T])
	b.mu.Unlock()

	for _, s := range subs {
		if s.closed.CompareAndSwap(false, true) {
			close(s.ch)
		}
	}
}

// Stats reports lifetime counters, useful for tests and diagnostics.
func (b *Broker[T]) Stats() (delivered, dropped, evicted int64) {
	return b.delivered.Load(), b.dropped.Load(), b.evicted.Load()
}
