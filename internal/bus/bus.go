// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus implements the process-local event broker. Publish is
// non-blocking; each subscriber owns a bounded buffer and slow subscribers
// are disconnected rather than back-pressured into the publisher.
package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

// log is the package logger, retrieved lazily so package init does not
// race logger initialization.
var log *zerolog.Logger
var logOnce sync.Once

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetBusLogger()
		log = &l
	})
	return log
}

// DefaultSubscriberBuffer bounds a subscriber's channel when no explicit
// size is given.
const DefaultSubscriberBuffer = 256

// Subscription is one subscriber's handle. Events arrive on Events() in
// per-publisher FIFO order until Close is called or the bus disconnects
// the subscriber for falling behind.
type Subscription struct {
	id     string
	topics map[protocol.EventKind]struct{}
	ch     chan protocol.Event
	bus    *Bus

	closeOnce sync.Once
}

// Events returns the subscriber's receive channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan protocol.Event {
	return s.ch
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// ID returns the subscription's identity, useful in logs.
func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) matches(kind protocol.EventKind) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[kind]
	return ok
}

func (s *Subscription) closeChan() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// Bus is the process-local broker.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int
	closed     bool
}

// New creates a bus. bufferSize <= 0 selects DefaultSubscriberBuffer.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:       make(map[string]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber with a topic filter set. No topics
// means all topics.
func (b *Bus) Subscribe(topics ...protocol.EventKind) *Subscription {
	sub := &Subscription{
		id:  uuid.New().String(),
		ch:  make(chan protocol.Event, b.bufferSize),
		bus: b,
	}
	if len(topics) > 0 {
		sub.topics = make(map[protocol.EventKind]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish fans an event out to matching subscribers. It never blocks: a
// subscriber whose buffer is full is disconnected and must resubscribe.
func (b *Bus) Publish(event protocol.Event) {
	kind := protocol.KindOf(event)

	var slow []*Subscription

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		getLog().Warn().
			Str("subscription_id", sub.id).
			Str("event_kind", string(kind)).
			Msg("disconnecting slow subscriber")
		b.unsubscribe(sub.id)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber and stops accepting new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeChan()
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.closeChan()
	}
}
