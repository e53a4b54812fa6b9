package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventsStream receives provider adapter events for downstream consumers.
const EventsStream = "events"

// StreamEvent is one adapter event mirrored to the stream.
type StreamEvent struct {
	Type          string
	Provider      string
	OrderNo       string
	TransactionID string
	Status        string
	Error         string
	At            time.Time
}

// EventStream appends events to a capped Redis stream.
type EventStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewEventStream(client *redis.Client, prefix string, maxLen int64) *EventStream {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &EventStream{client: client, stream: prefix + EventsStream, maxLen: maxLen}
}

// Name returns the full stream key.
func (s *EventStream) Name() string {
	return s.stream
}

func (s *EventStream) Publish(ctx context.Context, e StreamEvent) error {
	meta, err := json.Marshal(map[string]string{
		"transaction_id": e.TransactionID,
		"status":         e.Status,
		"error":          e.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_type": e.Type,
			"provider":   e.Provider,
			"order_no":   e.OrderNo,
			"payload":    string(meta),
			"timestamp":  e.At.Unix(),
		},
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}
