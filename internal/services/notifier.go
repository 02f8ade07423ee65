package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benmeehan/adb-agent/internal/constants"
	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/rs/zerolog"
)

// SessionNotifier delivers session lifecycle events to the rental layer.
type SessionNotifier interface {
	Notify(ctx context.Context, event models.SessionEvent) error
}

// MultiNotifier fans one event out to every notifier and joins their errors.
type MultiNotifier []SessionNotifier

// Notify delivers event to each notifier in order; one failure does not stop the others.
func (m MultiNotifier) Notify(ctx context.Context, event models.SessionEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subscriber struct {
	sessionID string
	events    chan models.SessionEvent
}

// EventBroker is an in-process pub/sub of session events. Slow subscribers lose events
// instead of blocking the publisher.
type EventBroker struct {
	buffer int
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewEventBroker creates a broker whose subscriptions buffer up to buffer events.
func NewEventBroker(buffer int, logger zerolog.Logger) *EventBroker {
	if buffer <= 0 {
		buffer = constants.DefaultEventBuffer
	}
	return &EventBroker{
		buffer: buffer,
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe returns a channel of events, limited to sessionID unless it is empty, and a
// function that ends the subscription and closes the channel.
func (b *EventBroker) Subscribe(sessionID string) (<-chan models.SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{sessionID: sessionID, events: make(chan models.SessionEvent, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.events)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of open subscriptions.
func (b *EventBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notify publishes event to every matching subscriber without blocking.
func (b *EventBroker) Notify(_ context.Context, event models.SessionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.Session.ID {
			continue
		}
		select {
		case sub.events <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Warn().Int("dropped", dropped).Str("event", event.Type).Msg("Event subscribers too slow, events dropped")
		return fmt.Errorf("event %s dropped for %d subscriber(s)", event.ID, dropped)
	}
	return nil
}
