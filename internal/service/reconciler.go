package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type ReconcilerConfig struct {
	Interval time.Duration
	// ValidityWindow is how long a pending order waits for a callback before
	// the reconciler starts querying it.
	ValidityWindow time.Duration
	// ForceTimeout closes orders the provider still reports unpaid this long
	// after creation.
	ForceTimeout time.Duration
	BatchSize    int
	Concurrency  int
}

// Reconciler polls providers for orders whose callbacks never arrived.
// Candidates are stale pending orders and all processing orders. Each tick
// resolves them concurrently; a tick still running when the next one fires
// causes that one to be skipped.
//
// Each candidate class is scanned in batches through a keyset cursor that
// persists across ticks and wraps to the oldest order after a short page, so
// orders that keep failing cannot hold back newer ones.
type Reconciler struct {
	cfg       ReconcilerConfig
	orders    order.Repository
	channels  ChannelSource
	providers ProviderResolver
	settle    *settler
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	running   atomic.Bool

	// Owned by the running tick.
	staleAfter      order.Cursor
	processingAfter order.Cursor
}

func NewReconciler(cfg ReconcilerConfig, orders order.Repository, orderCache OrderCache, channels ChannelSource,
	resolver ProviderResolver, notifier Notifier, metrics *observability.Metrics, logger zerolog.Logger) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger = observability.Component(logger, "reconciler")
	r := &Reconciler{
		cfg:       cfg,
		orders:    orders,
		channels:  channels,
		providers: resolver,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	r.settle = &settler{orders: orders, cache: orderCache, notifier: notifier, logger: logger, now: r.clock}
	return r
}

func (r *Reconciler) clock() time.Time { return r.now() }

// WithClock replaces the time source. Used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Run ticks until ctx is cancelled. Ticks run inline, so a slow tick delays
// the next one and Run returns only after the last tick has finished.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Dur("validity_window", r.cfg.ValidityWindow).
		Dur("force_timeout", r.cfg.ForceTimeout).Msg("Reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Reconciler stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// TickResult summarizes one reconciliation pass.
type TickResult struct {
	Skipped   bool
	Scanned   int
	Confirmed int
	Closed    int
	Errors    int
}

// Tick runs one reconciliation pass. It returns immediately with Skipped set
// when the previous pass has not finished.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.ReconcileTickSkipped()
		r.logger.Warn().Msg("Previous reconcile tick still running, skipping")
		return TickResult{Skipped: true}
	}
	defer r.running.Store(false)

	start := time.Now()
	defer func() { r.metrics.ObserveReconcileTick(time.Since(start)) }()

	candidates, err := r.candidates(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to load reconcile candidates")
		return TickResult{Errors: 1}
	}

	var confirmed, closed, failures atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, o := range candidates {
		g.Go(func() error {
			switch outcome := r.reconcile(gCtx, o); outcome {
			case "confirmed":
				confirmed.Add(1)
			case "closed", "timeout", "config_error":
				closed.Add(1)
			case "query_error", "store_error", "amount_mismatch":
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := TickResult{
		Scanned:   len(candidates),
		Confirmed: int(confirmed.Load()),
		Closed:    int(closed.Load()),
		Errors:    int(failures.Load()),
	}
	if res.Scanned > 0 {
		r.logger.Info().Int("scanned", res.Scanned).Int("confirmed", res.Confirmed).Int("closed", res.Closed).
			Int("errors", res.Errors).Dur("took", time.Since(start)).Msg("Reconcile tick finished")
	}
	return res
}

func (r *Reconciler) candidates(ctx context.Context) ([]*order.Order, error) {
	stale, err := r.orders.FindStalePending(ctx, r.now().Add(-r.cfg.ValidityWindow), r.staleAfter, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	processing, err := r.orders.FindProcessing(ctx, r.processingAfter, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	r.staleAfter = r.advance(stale)
	r.processingAfter = r.advance(processing)
	return append(stale, processing...), nil
}

// advance returns the cursor for the next tick: after the last order of a
// full page, or back to the start once the scan reached the end.
func (r *Reconciler) advance(page []*order.Order) order.Cursor {
	if len(page) < r.cfg.BatchSize {
		return order.Cursor{}
	}
	return order.CursorAt(page[len(page)-1])
}

// reconcile resolves a single order and returns the outcome label it
// recorded. A query error never changes the order.
func (r *Reconciler) reconcile(ctx context.Context, o *order.Order) string {
	outcome := r.resolve(ctx, o)
	r.metrics.ReconcileOutcome(outcome)
	return outcome
}

func (r *Reconciler) resolve(ctx context.Context, o *order.Order) string {
	log := r.logger.With().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Str("provider", o.ProviderCode).Logger()

	provider, err := r.providerFor(ctx, o)
	if err != nil && !unresolvable(err) {
		log.Error().Err(err).Msg("Failed to load channel")
		return "store_error"
	}
	if err != nil {
		log.Error().Err(err).Msg("Cannot build provider for order, closing")
		if _, err := r.settle.close(ctx, o, "configuration error"); err != nil {
			log.Error().Err(err).Msg("Failed to close order")
			return "store_error"
		}
		return "config_error"
	}

	result, err := provider.QueryPayment(ctx, &providers.QueryRequest{OrderNo: o.OrderNo, ProviderOrderNo: o.ProviderRef()})
	if err != nil {
		log.Warn().Err(err).Msg("Provider query failed, will retry next tick")
		return "query_error"
	}

	switch {
	case result.IsConfirmedPaid():
		applied, err := r.settle.confirmPaid(ctx, o, result, "reconcile")
		if errors.Is(err, domainErrors.ErrAmountMismatch) {
			return "amount_mismatch"
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to confirm order")
			return "store_error"
		}
		if !applied {
			return "already_settled"
		}
		return "confirmed"
	case result.IsFailed():
		applied, err := r.settle.close(ctx, o, "provider reported failure: "+result.Message())
		if err != nil {
			log.Error().Err(err).Msg("Failed to close order")
			return "store_error"
		}
		if !applied {
			return "already_settled"
		}
		return "closed"
	case r.now().Sub(o.CreatedAt) >= r.cfg.ForceTimeout:
		applied, err := r.settle.close(ctx, o, "payment timeout")
		if err != nil {
			log.Error().Err(err).Msg("Failed to close order")
			return "store_error"
		}
		if !applied {
			return "already_settled"
		}
		return "timeout"
	default:
		return "waiting"
	}
}

// unresolvable reports configuration failures: a missing channel, an unknown
// provider code or missing credentials. Store errors are not among them.
func unresolvable(err error) bool {
	return errors.Is(err, domainErrors.ErrChannelNotFound) ||
		errors.Is(err, domainErrors.ErrServiceNotFound) ||
		errors.Is(err, domainErrors.ErrConfig)
}

func (r *Reconciler) providerFor(ctx context.Context, o *order.Order) (providers.Provider, error) {
	ch, err := r.channels.GetByID(ctx, o.ChannelID)
	if err != nil {
		return nil, err
	}
	return r.providers.ForChannel(ch)
}
