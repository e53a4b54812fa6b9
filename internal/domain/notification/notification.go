package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lane is one of the dispatcher queues.
type Lane string

const (
	LanePending Lane = "pending"
	LaneRetry   Lane = "retry"
	LaneDelayed Lane = "delayed"
)

// Item is a queued merchant notification. It is serialized as the queue member,
// so every field that changes between attempts changes the member too.
type Item struct {
	OrderID       uuid.UUID `json:"order_id"`
	URL           string    `json:"url"`
	Attempt       int       `json:"attempt"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Lane          Lane      `json:"lane"`
}

// NewItem creates a first-attempt item for the pending lane.
func NewItem(orderID uuid.UUID, url string, now time.Time) *Item {
	return &Item{
		OrderID:       orderID,
		URL:           url,
		Attempt:       0,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Lane:          LanePending,
	}
}

// Encode serializes the item for the queue backend.
func (i *Item) Encode() (string, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("encode notification item: %w", err)
	}
	return string(b), nil
}

// DecodeItem parses a queue member.
func DecodeItem(raw string) (*Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("decode notification item: %w", err)
	}
	return &it, nil
}

// Policy decides when a failed delivery is retried and when it is abandoned.
type Policy struct {
	// Backoff[i] is the delay after the (i+1)-th failed attempt. The last value
	// repeats if MaxAttempts exceeds len(Backoff).
	Backoff     []time.Duration
	MaxAttempts int
	// MaxAge abandons items whose first enqueue is older than this, regardless of attempts.
	MaxAge time.Duration
}

// DefaultPolicy is the merchant notification schedule: fifteen attempts
// stretched across roughly a day.
func DefaultPolicy() Policy {
	return Policy{
		Backoff: []time.Duration{
			15 * time.Second, 15 * time.Second, 30 * time.Second,
			3 * time.Minute, 10 * time.Minute, 20 * time.Minute,
			30 * time.Minute, 30 * time.Minute, 30 * time.Minute,
			60 * time.Minute, 3 * time.Hour, 3 * time.Hour,
			3 * time.Hour, 6 * time.Hour, 6 * time.Hour,
		},
		MaxAttempts: 15,
		MaxAge:      26 * time.Hour,
	}
}

// NextDelay returns the delay after the given number of completed attempts.
func (p Policy) NextDelay(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return time.Minute
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// Exhausted reports whether an item that has made attempts deliveries,
// first enqueued at enqueuedAt, should be abandoned.
func (p Policy) Exhausted(attempts int, enqueuedAt, now time.Time) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxAge > 0 && now.Sub(enqueuedAt) > p.MaxAge
}

// Payload is the body posted to the merchant. It is built from the stored
// order, so every retry posts the same bytes.
type Payload struct {
	MerchantID      int64  `json:"merchant_id"`
	OrderNo         string `json:"order_no"`
	MerchantOrderNo string `json:"merchant_order_no"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	PaidAt          int64  `json:"paid_at"`
}

// Attempt is one delivery attempt, kept for ops tooling.
type Attempt struct {
	ID         uuid.UUID
	OrderID    uuid.UUID
	Attempt    int
	URL        string
	HTTPStatus int
	Success    bool
	Error      string
	Duration   time.Duration
	CreatedAt  time.Time
}

// AttemptLog persists delivery attempts.
type AttemptLog interface {
	Record(ctx context.Context, a *Attempt) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Attempt, error)
}

// Stats are the dispatcher status counters and lane depths.
type Stats struct {
	Enqueued     int64 `json:"enqueued"`
	Processing   int64 `json:"processing"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Abandoned    int64 `json:"abandoned"`
	PendingDepth int64 `json:"pending_depth"`
	RetryDepth   int64 `json:"retry_depth"`
	DelayedDepth int64 `json:"delayed_depth"`
}
