package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/merchant"
	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Queue keys, relative to the queue prefix.
const (
	pendingList = "notify:pending"
	retrySet    = "notify:retry"
	delayedSet  = "notify:delayed"
	statsHash   = "notify:stats"
)

// Status counters kept in the stats hash.
const (
	counterEnqueued   = "enqueued"
	counterProcessing = "processing"
	counterCompleted  = "completed"
	counterFailed     = "failed"
	counterAbandoned  = "abandoned"
)

// ErrAlreadyDelivered is returned by Requeue for orders the merchant acknowledged.
var ErrAlreadyDelivered = errors.New("notification already delivered")

// maxRetryAfter caps how far a merchant's Retry-After can push an attempt.
const maxRetryAfter = 6 * time.Hour

// OrderStore is the slice of the order repository the dispatcher needs.
type OrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	GetByOrderNo(ctx context.Context, orderNo string) (*order.Order, error)
	FindUndelivered(ctx context.Context, updatedBefore time.Time, after order.Cursor, limit int) ([]*order.Order, error)
	UpdateNotifyStatus(ctx context.Context, id uuid.UUID, from []order.NotifyStatus, to order.NotifyStatus) (bool, error)
}

// Locker serializes deliveries of one order across workers.
type Locker interface {
	Acquire(ctx context.Context, name string) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

type MerchantSource interface {
	Get(ctx context.Context, id int64) (*merchant.Merchant, error)
}

// Invalidator drops cached copies of an order after its notify status changes.
type Invalidator interface {
	Invalidate(ctx context.Context, orderNo string)
}

type Config struct {
	PendingInterval time.Duration
	RetryInterval   time.Duration
	DelayedInterval time.Duration
	SweepInterval   time.Duration
	BatchSize       int

	PendingRetention time.Duration
	RetryRetention   time.Duration
	DelayedRetention time.Duration

	// LeaseTimeout bounds one delivery; a claimed item whose worker vanished
	// becomes due again after it.
	LeaseTimeout time.Duration
	// RecoverAfter is how long an undelivered paid order may sit outside
	// every lane before Sweep queues it again.
	RecoverAfter time.Duration

	Policy notification.Policy
}

func (c *Config) defaults() {
	if c.PendingInterval <= 0 {
		c.PendingInterval = 500 * time.Millisecond
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 10 * time.Second
	}
	if c.DelayedInterval <= 0 {
		c.DelayedInterval = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PendingRetention <= 0 {
		c.PendingRetention = 24 * time.Hour
	}
	if c.RetryRetention <= 0 {
		c.RetryRetention = 48 * time.Hour
	}
	if c.DelayedRetention <= 0 {
		c.DelayedRetention = 48 * time.Hour
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.RecoverAfter <= 0 {
		c.RecoverAfter = 10 * time.Minute
	}
	if c.Policy.MaxAttempts == 0 && len(c.Policy.Backoff) == 0 {
		c.Policy = notification.DefaultPolicy()
	}
}

// Dispatcher delivers order outcome notifications to merchants through
// three lanes: a pending list drained at high frequency, and retry and
// delayed sorted sets scored by due time. Delivery is at least once;
// notify_status success makes it effectively once.
//
// A drainer never removes an item before its outcome is recorded. Claiming
// from the pending list moves the item into the retry set under a lease,
// and claiming from a set pushes its score to the lease deadline; the item
// is acknowledged only after the attempt was rescheduled, deferred,
// abandoned or delivered.
type Dispatcher struct {
	cfg       Config
	queue     *infraRedis.Queue
	orders    OrderStore
	merchants MerchantSource
	sender    *Sender
	attempts  notification.AttemptLog
	cache     Invalidator
	locker    Locker
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewDispatcher(cfg Config, queue *infraRedis.Queue, orders OrderStore, merchants MerchantSource,
	sender *Sender, attempts notification.AttemptLog, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:       cfg,
		queue:     queue,
		orders:    orders,
		merchants: merchants,
		sender:    sender,
		attempts:  attempts,
		metrics:   metrics,
		logger:    observability.Component(logger, "notify"),
		now:       time.Now,
	}
}

// WithCache makes the dispatcher invalidate cached orders it updates.
func (d *Dispatcher) WithCache(c Invalidator) *Dispatcher {
	d.cache = c
	return d
}

// WithLocker makes deliveries of the same order mutually exclusive.
func (d *Dispatcher) WithLocker(l Locker) *Dispatcher {
	d.locker = l
	return d
}

// WithClock replaces the time source. Used by tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// EnqueueNotification queues the first delivery of a newly successful
// order. Only the caller that moves notify_status from none to pending
// pushes an item, so repeated confirmations queue one notification.
func (d *Dispatcher) EnqueueNotification(ctx context.Context, o *order.Order) error {
	applied, err := d.orders.UpdateNotifyStatus(ctx, o.ID, []order.NotifyStatus{order.NotifyNone}, order.NotifyPending)
	if err != nil {
		return fmt.Errorf("mark notify pending: %w", err)
	}
	if !applied {
		d.logger.Debug().Str("order_no", o.OrderNo).Msg("Notification already queued")
		return nil
	}
	d.invalidate(ctx, o.OrderNo)

	item := notification.NewItem(o.ID, o.NotifyURL, d.now())
	if err := d.push(ctx, item); err != nil {
		return err
	}
	d.count(ctx, counterEnqueued)
	d.logger.Info().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Msg("Notification enqueued")
	return nil
}

// Defer postpones the notification of a paid order: a fresh item is placed
// on the delayed lane, due after delay. It is the ops path for merchants
// asking for a quiet period.
func (d *Dispatcher) Defer(ctx context.Context, orderNo string, delay time.Duration) error {
	if delay <= 0 {
		return domainErrors.NewValidationError("delay", "must be positive")
	}
	o, err := d.notifiable(ctx, orderNo)
	if err != nil {
		return err
	}
	if _, err := d.orders.UpdateNotifyStatus(ctx, o.ID, order.NotifySourcesOf(order.NotifyPending), order.NotifyPending); err != nil {
		return fmt.Errorf("mark notify pending: %w", err)
	}
	d.invalidate(ctx, o.OrderNo)

	now := d.now()
	item := notification.NewItem(o.ID, o.NotifyURL, now)
	item.Lane = notification.LaneDelayed
	item.NextAttemptAt = now.Add(delay)
	if err := d.schedule(ctx, delayedSet, item); err != nil {
		return err
	}
	d.count(ctx, counterEnqueued)
	d.logger.Info().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Dur("delay", delay).
		Msg("Notification deferred")
	return nil
}

// Requeue revives the notification of a paid order whose delivery was
// abandoned or lost. It is the manual ops path.
func (d *Dispatcher) Requeue(ctx context.Context, orderNo string) error {
	o, err := d.notifiable(ctx, orderNo)
	if err != nil {
		return err
	}
	if _, err := d.orders.UpdateNotifyStatus(ctx, o.ID, order.NotifySourcesOf(order.NotifyPending), order.NotifyPending); err != nil {
		return fmt.Errorf("mark notify pending: %w", err)
	}
	d.invalidate(ctx, o.OrderNo)

	if err := d.push(ctx, notification.NewItem(o.ID, o.NotifyURL, d.now())); err != nil {
		return err
	}
	d.count(ctx, counterEnqueued)
	d.logger.Info().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).Msg("Notification requeued")
	return nil
}

// notifiable loads a paid order whose notification is not yet acknowledged.
func (d *Dispatcher) notifiable(ctx context.Context, orderNo string) (*order.Order, error) {
	o, err := d.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusSuccess {
		return nil, domainErrors.NewDomainError("not_notifiable", "order is "+o.Status.String(), domainErrors.ErrInvalidStateTransition)
	}
	if o.NotifyStatus == order.NotifySuccess {
		return nil, ErrAlreadyDelivered
	}
	return o, nil
}

// DrainPending delivers up to one batch from the pending lane.
func (d *Dispatcher) DrainPending(ctx context.Context) (int, error) {
	members, err := d.queue.ClaimPending(ctx, pendingList, retrySet, d.cfg.BatchSize, d.leaseDeadline())
	for _, m := range members {
		d.handle(ctx, notification.LanePending, retrySet, m)
	}
	return len(members), err
}

// DrainRetry delivers due items from the retry lane.
func (d *Dispatcher) DrainRetry(ctx context.Context) (int, error) {
	return d.drainSet(ctx, retrySet, notification.LaneRetry)
}

// DrainDelayed delivers due items from the delayed lane.
func (d *Dispatcher) DrainDelayed(ctx context.Context) (int, error) {
	return d.drainSet(ctx, delayedSet, notification.LaneDelayed)
}

func (d *Dispatcher) drainSet(ctx context.Context, set string, lane notification.Lane) (int, error) {
	now := d.now()
	members, err := d.queue.Due(ctx, set, now, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		ok, err := d.queue.Lease(ctx, set, m, now, d.leaseDeadline())
		if err != nil {
			return n, err
		}
		if !ok {
			continue // another drainer took it
		}
		d.handle(ctx, lane, set, m)
		n++
	}
	return n, nil
}

// handle attempts one leased member and settles its lease in set. The lease
// bookkeeping runs detached from ctx so that a shutdown mid-attempt leaves
// the item queued instead of dropping it.
func (d *Dispatcher) handle(ctx context.Context, lane notification.Lane, set, member string) {
	bg := context.WithoutCancel(ctx)
	item, err := notification.DecodeItem(member)
	if err != nil {
		d.logger.Error().Err(err).Str("lane", string(lane)).Msg("Dropping undecodable notification item")
		d.ack(bg, set, member)
		return
	}

	outcome := "interrupted"
	if ctx.Err() == nil {
		outcome = d.deliver(ctx, item)
	}
	switch outcome {
	case "busy":
		// Another worker holds the order; the lease brings the item back.
	case "interrupted":
		d.hold(bg, set, member, d.now())
	case "store_error":
		d.hold(bg, set, member, d.now().Add(d.cfg.Policy.NextDelay(1)))
	default:
		d.ack(bg, set, member)
	}
	d.metrics.NotificationOutcome(string(lane), outcome)
}

// deliver makes one attempt and returns the outcome label. Only the send
// itself observes ctx; every store and queue write uses a detached context.
func (d *Dispatcher) deliver(ctx context.Context, item *notification.Item) string {
	bg := context.WithoutCancel(ctx)
	log := d.logger.With().Str("order_id", item.OrderID.String()).Int("attempt", item.Attempt+1).Logger()

	o, err := d.orders.GetByID(bg, item.OrderID)
	if errors.Is(err, domainErrors.ErrOrderNotFound) {
		log.Warn().Msg("Dropping notification for unknown order")
		return "dropped"
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load order, holding item")
		return "store_error"
	}

	switch o.NotifyStatus {
	case order.NotifySuccess:
		return "skipped"
	case order.NotifyAbandoned:
		return "skipped"
	}

	if d.locker != nil {
		name := deliveryLock(o.ID)
		token, ok, err := d.locker.Acquire(bg, name)
		if err != nil {
			log.Error().Err(err).Msg("Failed to take delivery lock, holding item")
			return "store_error"
		}
		if !ok {
			return "busy"
		}
		defer func() {
			if err := d.locker.Release(bg, name, token); err != nil && !errors.Is(err, domainErrors.ErrLockNotHeld) {
				log.Warn().Err(err).Msg("Failed to release delivery lock")
			}
		}()
	}

	// processing is a valid source: under the lock, a processing order was
	// left behind by a worker that died mid-attempt.
	applied, err := d.orders.UpdateNotifyStatus(bg, o.ID, order.NotifySourcesOf(order.NotifyProcessing), order.NotifyProcessing)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark notify processing, holding item")
		return "store_error"
	}
	if !applied {
		// Delivered or abandoned since it was loaded.
		return "skipped"
	}
	d.count(bg, counterProcessing)

	m, err := d.merchants.Get(bg, o.MerchantID)
	if err != nil {
		log.Error().Err(err).Int64("merchant_id", o.MerchantID).Msg("Failed to load merchant")
		return d.failed(bg, o, item, err)
	}
	body, err := BuildPayload(o)
	if err != nil {
		return d.failed(bg, o, item, err)
	}

	target := o.NotifyURL
	if target == "" {
		target = m.DefaultNotifyURL
	}
	start := time.Now()
	status, sendErr := d.sender.Send(ctx, target, m.SecretKey, body)
	if sendErr != nil && ctx.Err() != nil {
		// Shutting down: the attempt does not count against the policy.
		d.resetPending(bg, o)
		log.Info().Str("order_no", o.OrderNo).Msg("Notification interrupted, item kept")
		return "interrupted"
	}
	d.record(bg, o, item, target, status, sendErr, time.Since(start))

	if sendErr != nil {
		log.Warn().Err(sendErr).Str("order_no", o.OrderNo).Str("url", target).Msg("Notification delivery failed")
		return d.failed(bg, o, item, sendErr)
	}

	if _, err := d.orders.UpdateNotifyStatus(bg, o.ID, order.NotifySourcesOf(order.NotifySuccess), order.NotifySuccess); err != nil {
		log.Error().Err(err).Msg("Failed to mark notify success")
	}
	d.invalidate(bg, o.OrderNo)
	d.count(bg, counterCompleted)
	log.Info().Str("order_no", o.OrderNo).Int("status", status).Msg("Notification delivered")
	return "delivered"
}

func deliveryLock(id uuid.UUID) string {
	return "notify:" + id.String()
}

// failed moves a failed attempt to the retry lane, or abandons it once the
// policy is exhausted. A merchant answer carrying Retry-After sends the next
// attempt to the delayed lane at the time it asked for.
func (d *Dispatcher) failed(ctx context.Context, o *order.Order, item *notification.Item, cause error) string {
	attempts := item.Attempt + 1
	d.count(ctx, counterFailed)

	if d.cfg.Policy.Exhausted(attempts, item.EnqueuedAt, d.now()) {
		d.abandon(ctx, o.ID, o.OrderNo)
		d.logger.Warn().Err(cause).Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).
			Int("attempts", attempts).Msg("Notification abandoned")
		return "abandoned"
	}

	d.resetPending(ctx, o)
	next := *item
	next.Attempt = attempts

	var de *DeliveryError
	if errors.As(cause, &de) && de.RetryAfter > 0 {
		next.Lane = notification.LaneDelayed
		next.NextAttemptAt = d.now().Add(min(de.RetryAfter, maxRetryAfter))
		if err := d.schedule(ctx, delayedSet, &next); err != nil {
			d.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("Failed to schedule deferred attempt")
			return "store_error"
		}
		return "deferred"
	}

	next.Lane = notification.LaneRetry
	next.NextAttemptAt = d.now().Add(d.cfg.Policy.NextDelay(attempts))
	if err := d.schedule(ctx, retrySet, &next); err != nil {
		d.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("Failed to schedule retry")
		return "store_error"
	}
	return "failed"
}

func (d *Dispatcher) resetPending(ctx context.Context, o *order.Order) {
	if _, err := d.orders.UpdateNotifyStatus(ctx, o.ID, []order.NotifyStatus{order.NotifyProcessing}, order.NotifyPending); err != nil {
		d.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("Failed to reset notify status")
	}
}

func (d *Dispatcher) abandon(ctx context.Context, id uuid.UUID, orderNo string) {
	if _, err := d.orders.UpdateNotifyStatus(ctx, id, order.NotifySourcesOf(order.NotifyAbandoned), order.NotifyAbandoned); err != nil {
		d.logger.Error().Err(err).Str("order_id", id.String()).Msg("Failed to mark notify abandoned")
	}
	d.invalidate(ctx, orderNo)
	d.count(ctx, counterAbandoned)
}

// hold keeps a leased member in set, due again at until.
func (d *Dispatcher) hold(ctx context.Context, set, member string, until time.Time) {
	if err := d.queue.Schedule(ctx, set, member, until); err != nil {
		d.logger.Error().Err(err).Str("set", set).Msg("Failed to hold notification item")
	}
}

func (d *Dispatcher) ack(ctx context.Context, set, member string) {
	if _, err := d.queue.Ack(ctx, set, member); err != nil {
		d.logger.Error().Err(err).Str("set", set).Msg("Failed to acknowledge notification item")
	}
}

func (d *Dispatcher) leaseDeadline() time.Time {
	return d.now().Add(d.cfg.LeaseTimeout)
}

func (d *Dispatcher) record(ctx context.Context, o *order.Order, item *notification.Item, target string, status int, sendErr error, took time.Duration) {
	a := &notification.Attempt{
		ID:         uuid.New(),
		OrderID:    o.ID,
		Attempt:    item.Attempt + 1,
		URL:        target,
		HTTPStatus: status,
		Success:    sendErr == nil,
		Duration:   took,
		CreatedAt:  d.now(),
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
	}
	if err := d.attempts.Record(ctx, a); err != nil {
		d.logger.Warn().Err(err).Str("order_id", o.ID.String()).Msg("Failed to record notification attempt")
	}
}

// Sweep removes items enqueued longer ago than their lane's retention and
// abandons their orders, then queues again every undelivered paid order that
// sits in no lane. It returns the number of items removed.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	now := d.now()
	total := 0

	members, err := d.queue.ListMembers(ctx, pendingList)
	if err != nil {
		return 0, err
	}
	for _, m := range members {
		item, err := notification.DecodeItem(m)
		if err == nil && now.Sub(item.EnqueuedAt) <= d.cfg.PendingRetention {
			continue
		}
		n, rerr := d.queue.RemoveFromList(ctx, pendingList, m)
		if rerr != nil {
			return total, rerr
		}
		if n > 0 && err == nil {
			d.abandonSwept(ctx, item)
		}
		total += int(n)
	}

	for _, lane := range []struct {
		set       string
		retention time.Duration
	}{
		{retrySet, d.cfg.RetryRetention},
		{delayedSet, d.cfg.DelayedRetention},
	} {
		n, err := d.sweepSet(ctx, lane.set, now, lane.retention)
		total += n
		if err != nil {
			return total, err
		}
	}

	recovered, err := d.recoverLost(ctx)
	if err != nil {
		return total, err
	}

	if total > 0 || recovered > 0 {
		d.logger.Info().Int("removed", total).Int("recovered", recovered).Msg("Notification sweep finished")
	}
	return total, nil
}

// sweepSet ages items by their first enqueue, not by their score: a retried
// item is rescored on every attempt.
func (d *Dispatcher) sweepSet(ctx context.Context, set string, now time.Time, retention time.Duration) (int, error) {
	members, err := d.queue.Members(ctx, set)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range members {
		item, err := notification.DecodeItem(m)
		if err == nil && now.Sub(item.EnqueuedAt) <= retention {
			continue
		}
		ok, rerr := d.queue.Ack(ctx, set, m)
		if rerr != nil {
			return total, rerr
		}
		if !ok {
			continue
		}
		total++
		if err == nil {
			d.abandonSwept(ctx, item)
		}
	}
	return total, nil
}

// recoverLost queues a fresh item for every paid order whose notification
// is neither delivered nor abandoned, has not changed for RecoverAfter, and
// has no item in any lane. Such orders are left behind when a process dies
// between a status write and the matching queue write.
func (d *Dispatcher) recoverLost(ctx context.Context) (int, error) {
	queued, err := d.queuedOrders(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-d.cfg.RecoverAfter)
	recovered := 0
	var after order.Cursor
	for {
		page, err := d.orders.FindUndelivered(ctx, cutoff, after, d.cfg.BatchSize)
		if err != nil {
			return recovered, err
		}
		for _, o := range page {
			if _, ok := queued[o.ID]; ok {
				continue
			}
			ok, err := d.revive(ctx, o)
			if err != nil {
				return recovered, err
			}
			if ok {
				recovered++
			}
		}
		if len(page) < d.cfg.BatchSize {
			return recovered, nil
		}
		after = order.CursorAt(page[len(page)-1])
	}
}

// queuedOrders returns the orders with an item in any lane. Lanes are read
// in the direction items move, so an item moving during the scan is seen.
func (d *Dispatcher) queuedOrders(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	out := make(map[uuid.UUID]struct{})
	pending, err := d.queue.ListMembers(ctx, pendingList)
	if err != nil {
		return nil, err
	}
	members := pending
	for _, set := range []string{retrySet, delayedSet} {
		m, err := d.queue.Members(ctx, set)
		if err != nil {
			return nil, err
		}
		members = append(members, m...)
	}
	for _, m := range members {
		if item, err := notification.DecodeItem(m); err == nil {
			out[item.OrderID] = struct{}{}
		}
	}
	return out, nil
}

func (d *Dispatcher) revive(ctx context.Context, o *order.Order) (bool, error) {
	if o.NotifyStatus != order.NotifyPending {
		applied, err := d.orders.UpdateNotifyStatus(ctx, o.ID, []order.NotifyStatus{o.NotifyStatus}, order.NotifyPending)
		if err != nil {
			return false, fmt.Errorf("mark notify pending: %w", err)
		}
		if !applied {
			return false, nil
		}
		d.invalidate(ctx, o.OrderNo)
	}
	if err := d.push(ctx, notification.NewItem(o.ID, o.NotifyURL, d.now())); err != nil {
		return false, err
	}
	d.count(ctx, counterEnqueued)
	d.logger.Warn().Str("order_id", o.ID.String()).Str("order_no", o.OrderNo).
		Str("notify_status", o.NotifyStatus.String()).Msg("Recovered lost notification")
	return true, nil
}

func (d *Dispatcher) abandonSwept(ctx context.Context, item *notification.Item) {
	o, err := d.orders.GetByID(ctx, item.OrderID)
	if err != nil {
		return
	}
	if o.NotifyStatus == order.NotifyPending {
		d.abandon(ctx, o.ID, o.OrderNo)
	}
}

// Stats returns the status counters and current lane depths.
func (d *Dispatcher) Stats(ctx context.Context) (notification.Stats, error) {
	counters, err := d.queue.Counters(ctx, statsHash)
	if err != nil {
		return notification.Stats{}, err
	}
	s := notification.Stats{
		Enqueued:   counters[counterEnqueued],
		Processing: counters[counterProcessing],
		Completed:  counters[counterCompleted],
		Failed:     counters[counterFailed],
		Abandoned:  counters[counterAbandoned],
	}
	if s.PendingDepth, err = d.queue.ListLen(ctx, pendingList); err != nil {
		return s, err
	}
	if s.RetryDepth, err = d.queue.SetLen(ctx, retrySet); err != nil {
		return s, err
	}
	if s.DelayedDepth, err = d.queue.SetLen(ctx, delayedSet); err != nil {
		return s, err
	}
	d.metrics.SetLaneDepth(string(notification.LanePending), s.PendingDepth)
	d.metrics.SetLaneDepth(string(notification.LaneRetry), s.RetryDepth)
	d.metrics.SetLaneDepth(string(notification.LaneDelayed), s.DelayedDepth)
	return s, nil
}

// Run drains every lane on its own interval and sweeps periodically until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.loop(gCtx, "pending", d.cfg.PendingInterval, func(ctx context.Context) error {
			// Keep draining while batches come back full.
			for {
				n, err := d.DrainPending(ctx)
				if err != nil || n < d.cfg.BatchSize {
					return err
				}
			}
		})
	})
	g.Go(func() error {
		return d.loop(gCtx, "retry", d.cfg.RetryInterval, func(ctx context.Context) error {
			_, err := d.DrainRetry(ctx)
			return err
		})
	})
	g.Go(func() error {
		return d.loop(gCtx, "delayed", d.cfg.DelayedInterval, func(ctx context.Context) error {
			_, err := d.DrainDelayed(ctx)
			return err
		})
	})
	g.Go(func() error {
		return d.loop(gCtx, "sweep", d.cfg.SweepInterval, func(ctx context.Context) error {
			if _, err := d.Sweep(ctx); err != nil {
				return err
			}
			_, err := d.Stats(ctx)
			return err
		})
	})
	d.logger.Info().Dur("pending_interval", d.cfg.PendingInterval).Dur("retry_interval", d.cfg.RetryInterval).
		Msg("Notification dispatcher started")
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Str("lane", name).Msg("Notification lane cycle failed")
			}
		}
	}
}

func (d *Dispatcher) push(ctx context.Context, item *notification.Item) error {
	member, err := item.Encode()
	if err != nil {
		return err
	}
	return d.queue.Push(ctx, pendingList, member)
}

func (d *Dispatcher) schedule(ctx context.Context, set string, item *notification.Item) error {
	member, err := item.Encode()
	if err != nil {
		return err
	}
	return d.queue.Schedule(ctx, set, member, item.NextAttemptAt)
}

func (d *Dispatcher) count(ctx context.Context, counter string) {
	if err := d.queue.Incr(ctx, statsHash, counter, 1); err != nil {
		d.logger.Warn().Err(err).Str("counter", counter).Msg("Failed to bump notification counter")
	}
}

func (d *Dispatcher) invalidate(ctx context.Context, orderNo string) {
	if d.cache != nil {
		d.cache.Invalidate(ctx, orderNo)
	}
}
