package postgres

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/merchant"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MerchantRepository reads merchants from PostgreSQL.
type MerchantRepository struct {
	pool *pgxpool.Pool
}

func NewMerchantRepository(pool *pgxpool.Pool) *MerchantRepository {
	return &MerchantRepository{pool: pool}
}

func (r *MerchantRepository) GetByID(ctx context.Context, id int64) (*merchant.Merchant, error) {
	m := &merchant.Merchant{}
	var status string
	err := ConnFromCtx(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, secret_key, default_notify_url, status, created_at, updated_at
		 FROM merchants WHERE id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.SecretKey, &m.DefaultNotifyURL, &status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}
	m.Status = merchant.Status(status)
	return m, nil
}
