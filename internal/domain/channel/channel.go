package channel

import (
	"context"
	"time"
)

// Status of a channel.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Channel is a provider+product configuration an order is routed through.
type Channel struct {
	ID           int64
	Name         string
	ProviderCode string
	ProductCode  string
	Status       Status
	// Config carries provider credentials and endpoints (merchant id, keys, gateway URL).
	Config map[string]string
	// FeeExpression is an arithmetic expression over "amount", e.g. "amount * 0.006".
	FeeExpression string
	MinAmount     int64
	MaxAmount     int64 // 0 means unbounded
	Weight        int
	UpdatedAt     time.Time
}

// IsEnabled reports whether the channel accepts new orders.
func (c *Channel) IsEnabled() bool {
	return c.Status == StatusEnabled
}

// Accepts reports whether amount fits the channel limits.
func (c *Channel) Accepts(amount int64) bool {
	if amount < c.MinAmount {
		return false
	}
	return c.MaxAmount == 0 || amount <= c.MaxAmount
}

// Repository reads channels from the authoritative store.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Channel, error)
	ListByProduct(ctx context.Context, productCode string) ([]*Channel, error)
}

// Selector picks the channel an order should be routed through. Ranking
// lives outside this service; callers only rely on this contract.
type Selector interface {
	Select(ctx context.Context, productCode string, amount int64) (*Channel, error)
}
