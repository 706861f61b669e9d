package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
)

// EventMessage is the structure streamed to admin clients.
type EventMessage struct {
	Name     string          `json:"name"`
	TenantID string          `json:"tenant_id"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

// EventBroker streams tenancy events to connected admin clients over SSE. It
// is registered on the event bus as a listener.
type EventBroker struct {
	logger    *slog.Logger
	clients   map[chan []byte]struct{}
	mu        sync.RWMutex
	keepalive time.Duration
}

// NewEventBroker creates an EventBroker and starts its keepalive loop.
func NewEventBroker(ctx context.Context, keepalive time.Duration, logger *slog.Logger) *EventBroker {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	broker := &EventBroker{
		logger:    logger.With("component", "event_broker"),
		clients:   make(map[chan []byte]struct{}),
		keepalive: keepalive,
	}
	go broker.run(ctx)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
// GET /admin/events
func (b *EventBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan []byte, 16)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			if msg == nil {
				fmt.Fprint(w, ": keepalive\n\n")
			} else {
				fmt.Fprintf(w, "data: %s\n\n", msg)
			}
			flusher.Flush()
		}
	}
}

// Handle broadcasts one event. It satisfies notifier.Listener and never
// blocks on slow clients.
func (b *EventBroker) Handle(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.EventName(), err)
	}
	msg, err := json.Marshal(EventMessage{
		Name:     event.EventName(),
		TenantID: event.EventTenant(),
		At:       event.OccurredAt().UTC(),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}
	b.broadcast(msg)
	return nil
}

// Clients reports the number of connected streams.
func (b *EventBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *EventBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("SSE client connected")
}

func (b *EventBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		b.logger.Info("SSE client disconnected")
	}
}

func (b *EventBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			b.logger.Warn("SSE client is slow, dropping message")
		}
	}
}

// run sends a comment line periodically so idle proxies keep the stream open.
func (b *EventBroker) run(ctx context.Context) {
	ticker := time.NewTicker(b.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcast(nil)
		}
	}
}
