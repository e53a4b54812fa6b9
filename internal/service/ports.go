package service

import (
	"context"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	"github.com/cassiomorais/paygate/internal/domain/merchant"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/providers"
)

// TransactionManager wraps multiple repository operations in one database
// transaction. If fn returns an error the transaction is rolled back.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier queues a merchant notification for an order that reached success.
type Notifier interface {
	EnqueueNotification(ctx context.Context, o *order.Order) error
}

// Locker hands out short-lived exclusive placeholder keys.
type Locker interface {
	Acquire(ctx context.Context, name string) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// ProviderResolver builds provider adapters for channels.
type ProviderResolver interface {
	ForChannel(ch *channel.Channel) (providers.Provider, error)
	CallbackOrderNo(code string, cb *providers.CallbackRequest) (string, error)
}

// OrderCache is the read-through order lookup; writers invalidate it.
type OrderCache interface {
	ByOrderNo(ctx context.Context, orderNo string) (*order.Order, error)
	Invalidate(ctx context.Context, orderNo string)
}

type MerchantSource interface {
	Get(ctx context.Context, id int64) (*merchant.Merchant, error)
}

type ChannelSource interface {
	GetByID(ctx context.Context, id int64) (*channel.Channel, error)
}
