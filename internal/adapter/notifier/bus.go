package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/V4T54L/tenancy/internal/domain"
)

// Listener receives published events.
type Listener interface {
	Handle(ctx context.Context, event domain.Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event domain.Event) error

func (f ListenerFunc) Handle(ctx context.Context, event domain.Event) error { return f(ctx, event) }

type subscription struct {
	name     string
	events   map[string]struct{} // empty means every event
	listener Listener
}

func (s subscription) wants(name string) bool {
	if len(s.events) == 0 {
		return true
	}
	_, ok := s.events[name]
	return ok
}

// Bus delivers events synchronously to subscribers in subscription order.
// A failing or panicking listener is logged and does not stop the others.
type Bus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   []subscription
}

var _ domain.EventPublisher = (*Bus)(nil)

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "event_bus")}
}

// Subscribe appends a listener. With no event names it receives everything.
func (b *Bus) Subscribe(name string, l Listener, events ...string) {
	s := subscription{name: name, listener: l}
	if len(events) > 0 {
		s.events = make(map[string]struct{}, len(events))
		for _, e := range events {
			s.events[e] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

// Publish runs every interested listener and joins their failures.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !s.wants(event.EventName()) {
			continue
		}
		if err := b.deliver(ctx, s, event); err != nil {
			b.logger.Error("event listener failed",
				"listener", s.name, "event", event.EventName(), "tenant_id", event.EventTenant(), "error", err)
			errs = append(errs, fmt.Errorf("listener %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, s subscription, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.listener.Handle(ctx, event)
}

// Listeners returns subscriber names in delivery order.
func (b *Bus) Listeners() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subs))
	for i, s := range b.subs {
		names[i] = s.name
	}
	return names
}
