// Package events is a typed, in-process domain-event channel with named
// subscribers. Each subscriber runs on its own goroutine with its own
// buffered queue, so a slow or panicking subscriber never blocks the
// publisher or its peers. Tests inject a fake publisher via the
// Publisher interface.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindQueryStarted    Kind = "document-query.started"
	KindQueryScheduled  Kind = "document-query.scheduled"
	KindPhaseCompleted  Kind = "document-query.phase-completed"
	KindPhaseFailed     Kind = "document-query.phase-failed"
	KindPatientReplaced Kind = "patient.links-reset"
)

// Event is one domain occurrence.
type Event struct {
	Kind      Kind
	CxID      string
	PatientID string
	RequestID string
	Source    string
	Phase     string
}

// Publisher is the side the orchestrator depends on.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// Handler processes one event for one subscriber.
type Handler func(ctx context.Context, event Event)

// Bus fan-outs published events to named subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	wg     sync.WaitGroup
	closed bool
	logger zerolog.Logger
}

type subscriber struct {
	name string
	ch   chan Event
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "events").Logger()}
}

// Subscribe registers a named handler. The handler runs on a dedicated
// goroutine; a panic is logged and the subscriber keeps consuming.
func (b *Bus) Subscribe(ctx context.Context, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscriber{name: name, ch: make(chan Event, 64)}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			b.handle(ctx, sub.name, handler, event)
		}
	}()
}

func (b *Bus) handle(ctx context.Context, name string, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", name).
				Str("kind", string(event.Kind)).
				Interface("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	handler(ctx, event)
}

// Publish delivers the event to every subscriber. A subscriber whose
// queue is full drops the event with a warning instead of blocking.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().
				Str("subscriber", sub.name).
				Str("kind", string(event.Kind)).
				Msg("subscriber queue full, dropping event")
		}
	}
}

// Close stops delivery and waits for subscribers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
