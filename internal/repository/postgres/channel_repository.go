package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cassiomorais/paygate/internal/domain/channel"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const channelColumns = `id, name, provider_code, product_code, status, config, fee_expression,
		        min_amount, max_amount, weight, updated_at`

// ChannelRepository reads channels from PostgreSQL.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

func (r *ChannelRepository) GetByID(ctx context.Context, id int64) (*channel.Channel, error) {
	return scanChannel(ConnFromCtx(ctx, r.pool).QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
}

// ListByProduct returns every channel of the product, highest weight first.
// Disabled channels are included; callers filter.
func (r *ChannelRepository) ListByProduct(ctx context.Context, productCode string) ([]*channel.Channel, error) {
	rows, err := ConnFromCtx(ctx, r.pool).Query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE product_code = $1 ORDER BY weight DESC, id ASC`,
		productCode)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*channel.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChannel(s scanner) (*channel.Channel, error) {
	ch := &channel.Channel{}
	var (
		status         string
		config         []byte
		minAmt, maxAmt string
	)
	err := s.Scan(&ch.ID, &ch.Name, &ch.ProviderCode, &ch.ProductCode, &status, &config,
		&ch.FeeExpression, &minAmt, &maxAmt, &ch.Weight, &ch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrChannelNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Status = channel.Status(status)
	if ch.MinAmount, err = numericStringToMinor(minAmt); err != nil {
		return nil, fmt.Errorf("parse min_amount: %w", err)
	}
	if ch.MaxAmount, err = numericStringToMinor(maxAmt); err != nil {
		return nil, fmt.Errorf("parse max_amount: %w", err)
	}
	ch.Config = make(map[string]string)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &ch.Config); err != nil {
			return nil, fmt.Errorf("unmarshal channel config: %w", err)
		}
	}
	return ch, nil
}
