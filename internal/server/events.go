// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST API, the git smart-HTTP mount, the
// runner WebSocket mount, the UI WebSocket gateway and the SSE log
// tails. Handlers call the domain services directly; bus events are
// fanned out to connected UI clients as compact topic-keyed frames.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/bus"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

const defaultPoolStatsDebounce = 500 * time.Millisecond

// PoolStatsSource summarizes the runner pool on demand.
type PoolStatsSource interface {
	PoolStats(ctx context.Context) protocol.PoolStatsEvent
}

// EventBroadcaster drains the bus and fans events out to UI WebSocket
// clients. Runner and job churn is folded into a debounced pool_stats
// frame instead of one frame per event.
type EventBroadcaster struct {
	bus      *bus.Bus
	registry *ClientRegistry
	stats    PoolStatsSource
	debounce time.Duration
}

// NewEventBroadcaster creates the broadcaster. A debounce of zero uses
// the default.
func NewEventBroadcaster(b *bus.Bus, registry *ClientRegistry, stats PoolStatsSource, debounce time.Duration) *EventBroadcaster {
	if debounce <= 0 {
		debounce = defaultPoolStatsDebounce
	}
	return &EventBroadcaster{bus: b, registry: registry, stats: stats, debounce: debounce}
}

// Run subscribes to the bus and dispatches until the context is
// cancelled or the subscription is dropped for falling behind.
func (b *EventBroadcaster) Run(ctx context.Context) {
	sub := b.bus.Subscribe()
	defer sub.Close()

	statsTimer := time.NewTimer(time.Hour)
	if !statsTimer.Stop() {
		<-statsTimer.C
	}
	defer statsTimer.Stop()
	statsPending := false

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				getLog().Warn().Msg("Broadcaster bus subscription dropped")
				return
			}
			b.dispatch(ev)
			switch ev.(type) {
			case protocol.RunnerChangedEvent, protocol.JobChangedEvent:
				if !statsPending {
					statsPending = true
					statsTimer.Reset(b.debounce)
				}
			}
		case <-statsTimer.C:
			statsPending = false
			b.broadcastStats(ctx)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped (context cancelled)")
			return
		}
	}
}

// dispatch converts one bus event into a UI frame. Events with no UI
// topic (pushes, orphan errors) are dropped.
func (b *EventBroadcaster) dispatch(event protocol.Event) {
	topic, ok := topicFor(event)
	if !ok {
		return
	}
	frame, err := marshalUIFrame(event, topic)
	if err != nil {
		getLog().Error().Err(err).Str("topic", topic).Msg("Failed to marshal UI frame")
		return
	}
	b.registry.Broadcast(event, topic, frame)
}

func (b *EventBroadcaster) broadcastStats(ctx context.Context) {
	if b.stats == nil {
		return
	}
	stats := b.stats.PoolStats(ctx)
	frame, err := marshalUIFrame(stats, protocol.TopicPoolStats)
	if err != nil {
		getLog().Error().Err(err).Msg("Failed to marshal pool_stats frame")
		return
	}
	b.registry.Broadcast(stats, protocol.TopicPoolStats, frame)
}

// topicFor maps an event to its UI topic. Debug park/resume frames ride
// the run's topic so clients watching a run see them without an extra
// subscription.
func topicFor(event protocol.Event) (string, bool) {
	switch e := event.(type) {
	case protocol.CardChangedEvent:
		return protocol.TopicCard(e.CardID), true
	case protocol.JobChangedEvent:
		return protocol.TopicJob(e.JobID), true
	case protocol.RunnerChangedEvent:
		return protocol.TopicRunner(e.RunnerID), true
	case protocol.StepChangedEvent:
		return protocol.TopicStepRun(e.StepRunID), true
	case protocol.RunChangedEvent:
		return protocol.TopicPipelineRun(e.RunID), true
	case protocol.DebugBreakpointEvent:
		return protocol.TopicPipelineRun(e.RunID), true
	case protocol.DebugResumeEvent:
		return protocol.TopicPipelineRun(e.RunID), true
	case protocol.PoolStatsEvent:
		return protocol.TopicPoolStats, true
	case protocol.ErrorEvent:
		if e.JobID == "" {
			return "", false
		}
		return protocol.TopicJob(e.JobID), true
	default:
		return "", false
	}
}

func marshalUIFrame(event protocol.Event, topic string) ([]byte, error) {
	return json.Marshal(protocol.UIMessage{
		Type:    "event",
		Kind:    string(protocol.KindOf(event)),
		Topic:   topic,
		Payload: event,
	})
}
