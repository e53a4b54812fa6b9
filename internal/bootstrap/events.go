package bootstrap

import (
	"context"
	"time"

	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/rs/zerolog"
)

const streamPublishTimeout = 500 * time.Millisecond

// StreamObserver mirrors provider events to the Redis event stream. A failed
// append is logged and dropped; the order state never depends on it.
func StreamObserver(stream *infraRedis.EventStream, logger zerolog.Logger) providers.Observer {
	logger = logger.With().Str("component", "event-stream").Logger()
	return providers.ObserverFunc(func(ctx context.Context, e providers.Event) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), streamPublishTimeout)
		defer cancel()

		se := infraRedis.StreamEvent{
			Type:     string(e.Type),
			Provider: e.Provider,
			OrderNo:  e.OrderNo,
			At:       e.At,
		}
		if e.Result != nil {
			se.TransactionID = e.Result.TransactionID()
			se.Status = string(e.Result.Status())
		}
		if e.Err != nil {
			se.Error = e.Err.Error()
		}
		if err := stream.Publish(ctx, se); err != nil {
			logger.Warn().Err(err).Str("event", se.Type).Str("order_no", se.OrderNo).Msg("Failed to mirror provider event")
		}
	})
}
