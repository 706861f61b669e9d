package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenancy/internal/domain"
)

// DefaultEventChannel is the pub/sub channel tenancy events are published to.
const DefaultEventChannel = "tenancy:events"

// envelope is the wire form of a published event.
type envelope struct {
	Name     string          `json:"name"`
	TenantID string          `json:"tenant_id"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

// EventChannel forwards events to a Redis pub/sub channel so listeners
// outside this process (notification workers, other replicas) see them.
type EventChannel struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewEventChannel(client redis.UniversalClient, channel string, logger *slog.Logger) *EventChannel {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &EventChannel{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_event_channel"),
	}
}

// Handle publishes one event. It satisfies notifier.Listener.
func (p *EventChannel) Handle(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.EventName(), err)
	}
	msg, err := json.Marshal(envelope{
		Name:     event.EventName(),
		TenantID: event.EventTenant(),
		At:       event.OccurredAt().UTC(),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.channel, msg).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event.EventName(), p.channel, err)
	}
	p.logger.Debug("published event", "event", event.EventName(), "tenant_id", event.EventTenant(), "receivers", receivers)
	return nil
}

// DecodeEvent parses a message published by EventChannel back into its name,
// tenant and raw payload.
func DecodeEvent(data string) (name, tenantID string, payload json.RawMessage, err error) {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return "", "", nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return env.Name, env.TenantID, env.Payload, nil
}
