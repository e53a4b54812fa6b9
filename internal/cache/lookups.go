package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	domainerrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/merchant"
	"github.com/cassiomorais/paygate/internal/domain/order"
)

const (
	orderKeyPrefix    = "order:no:"
	merchantKeyPrefix = "merchant:"
	channelKeyPrefix  = "channel:id:"
	productKeyPrefix  = "channel:product:"
)

// OrderLookup reads orders by platform order number through the cache.
// Every status write must call Invalidate.
type OrderLookup struct {
	cache *MultiLevel
	repo  order.Repository
	ttl   time.Duration
}

func NewOrderLookup(c *MultiLevel, repo order.Repository, ttl time.Duration) *OrderLookup {
	return &OrderLookup{cache: c, repo: repo, ttl: ttl}
}

func (l *OrderLookup) ByOrderNo(ctx context.Context, orderNo string) (*order.Order, error) {
	return Remember(ctx, l.cache, orderKeyPrefix+orderNo, l.ttl, func(ctx context.Context) (*order.Order, error) {
		return l.repo.GetByOrderNo(ctx, orderNo)
	})
}

func (l *OrderLookup) Invalidate(ctx context.Context, orderNo string) {
	l.cache.Delete(ctx, orderKeyPrefix+orderNo)
}

// MerchantLookup reads merchants through the cache.
type MerchantLookup struct {
	cache *MultiLevel
	repo  merchant.Repository
}

func NewMerchantLookup(c *MultiLevel, repo merchant.Repository) *MerchantLookup {
	return &MerchantLookup{cache: c, repo: repo}
}

func (l *MerchantLookup) Get(ctx context.Context, id int64) (*merchant.Merchant, error) {
	return Remember(ctx, l.cache, merchantKeyPrefix+strconv.FormatInt(id, 10), 0, func(ctx context.Context) (*merchant.Merchant, error) {
		return l.repo.GetByID(ctx, id)
	})
}

func (l *MerchantLookup) Invalidate(ctx context.Context, id int64) {
	l.cache.Delete(ctx, merchantKeyPrefix+strconv.FormatInt(id, 10))
}

// ChannelLookup reads channels and per-product listings through the cache.
type ChannelLookup struct {
	cache *MultiLevel
	repo  channel.Repository
}

func NewChannelLookup(c *MultiLevel, repo channel.Repository) *ChannelLookup {
	return &ChannelLookup{cache: c, repo: repo}
}

func (l *ChannelLookup) GetByID(ctx context.Context, id int64) (*channel.Channel, error) {
	return Remember(ctx, l.cache, channelKeyPrefix+strconv.FormatInt(id, 10), 0, func(ctx context.Context) (*channel.Channel, error) {
		return l.repo.GetByID(ctx, id)
	})
}

func (l *ChannelLookup) ListByProduct(ctx context.Context, productCode string) ([]*channel.Channel, error) {
	return Remember(ctx, l.cache, productKeyPrefix+productCode, 0, func(ctx context.Context) ([]*channel.Channel, error) {
		return l.repo.ListByProduct(ctx, productCode)
	})
}

// Invalidate drops the channel and every product listing, since a change of
// product code or status moves it between listings.
func (l *ChannelLookup) Invalidate(ctx context.Context, id int64) {
	l.cache.Delete(ctx, channelKeyPrefix+strconv.FormatInt(id, 10))
	l.cache.DeletePrefix(ctx, productKeyPrefix)
}

// FirstActiveSelector routes to the first enabled channel of the product
// whose limits accept the amount.
type FirstActiveSelector struct {
	channels *ChannelLookup
}

func NewFirstActiveSelector(channels *ChannelLookup) *FirstActiveSelector {
	return &FirstActiveSelector{channels: channels}
}

var _ channel.Selector = (*FirstActiveSelector)(nil)

func (s *FirstActiveSelector) Select(ctx context.Context, productCode string, amount int64) (*channel.Channel, error) {
	list, err := s.channels.ListByProduct(ctx, productCode)
	if err != nil {
		return nil, err
	}
	sawEnabled := false
	for _, ch := range list {
		if !ch.IsEnabled() {
			continue
		}
		sawEnabled = true
		if ch.Accepts(amount) {
			return ch, nil
		}
	}
	if sawEnabled {
		return nil, domainerrors.ErrAmountOutOfRange
	}
	return nil, domainerrors.ErrChannelNotFound
}
