package merchant

import (
	"context"
	"time"
)

// Status of a merchant account.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Merchant is a business collecting payments through the gateway. CRUD lives
// outside this service; only reads are needed here.
type Merchant struct {
	ID               int64
	Name             string
	SecretKey        string // signs outbound notifications
	DefaultNotifyURL string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsActive reports whether the merchant may create orders.
func (m *Merchant) IsActive() bool {
	return m.Status == StatusActive
}

// Repository reads merchants from the authoritative store.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Merchant, error)
}
