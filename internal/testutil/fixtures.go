package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cassiomorais/paygate/internal/domain/channel"
	"github.com/cassiomorais/paygate/internal/domain/merchant"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	TestMerchantID = int64(1001)
	TestChannelID  = int64(7)
	TestProduct    = "qr"
)

func NewTestMerchant() *merchant.Merchant {
	now := time.Now()
	return &merchant.Merchant{
		ID:               TestMerchantID,
		Name:             "Test Merchant",
		SecretKey:        "merchant-secret",
		DefaultNotifyURL: "https://merchant.example.com/notify",
		Status:           merchant.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewTestChannel returns an enabled channel routed to providerCode.
func NewTestChannel(providerCode string) *channel.Channel {
	return &channel.Channel{
		ID:            TestChannelID,
		Name:          "test " + providerCode,
		ProviderCode:  providerCode,
		ProductCode:   TestProduct,
		Status:        channel.StatusEnabled,
		Config:        map[string]string{"key": "mock-key"},
		FeeExpression: "amount * 0.006",
		MinAmount:     1,
		Weight:        1,
		UpdatedAt:     time.Now(),
	}
}

// NewTestOrder returns an order in the given status created at createdAt.
func NewTestOrder(orderNo string, status order.Status, createdAt time.Time) *order.Order {
	return &order.Order{
		ID:              uuid.New(),
		OrderNo:         orderNo,
		MerchantID:      TestMerchantID,
		MerchantOrderNo: "M-" + orderNo,
		ChannelID:       TestChannelID,
		ProviderCode:    "mock",
		ProductCode:     TestProduct,
		Amount:          1050,
		Currency:        "CNY",
		Status:          status,
		NotifyStatus:    order.NotifyNone,
		NotifyURL:       "https://merchant.example.com/notify",
		Subject:         "test order",
		Extra:           map[string]any{},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

// NewRedis starts a miniredis server bound to t's lifetime.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// Ctx returns a context cancelled when t ends.
func Ctx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func StringPtr(s string) *string {
	return &s
}
