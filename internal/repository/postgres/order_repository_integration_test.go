//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/cassiomorais/paygate/internal/repository/postgres"
	"github.com/cassiomorais/paygate/internal/testutil"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("paygate"),
		tcpostgres.WithUsername("paygate"),
		tcpostgres.WithPassword("paygate"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../infrastructure/postgres/migrations", dsn)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx,
		`INSERT INTO merchants (id, name, secret_key) VALUES ($1, 'test', 'secret')`, testutil.TestMerchantID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`INSERT INTO channels (id, name, provider_code, product_code, config, min_amount, max_amount)
		 VALUES ($1, 'mock', 'mock', $2, '{"key":"mock-key"}', 0.01, 5000.00)`,
		testutil.TestChannelID, testutil.TestProduct)
	require.NoError(t, err)
	return pool
}

func TestOrderRepository_GuardedTransitions(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)

	o := testutil.NewTestOrder("P100", order.StatusPending, time.Now().Add(-time.Hour))
	o.FeeAmount = 6
	require.NoError(t, repo.Create(ctx, o))

	dup := testutil.NewTestOrder("P101", order.StatusPending, time.Now())
	dup.MerchantOrderNo = o.MerchantOrderNo
	assert.ErrorIs(t, repo.Create(ctx, dup), domainErrors.ErrDuplicateOrder)

	got, err := repo.GetByOrderNo(ctx, "P100")
	require.NoError(t, err)
	assert.Equal(t, int64(1050), got.Amount)
	assert.Equal(t, int64(6), got.FeeAmount)

	stale, err := repo.FindStalePending(ctx, time.Now().Add(-10*time.Minute), order.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	stale, err = repo.FindStalePending(ctx, time.Now().Add(-10*time.Minute), order.CursorAt(stale[0]), 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "the cursor row is excluded")

	closedAt := time.Now()
	ok, err := repo.MarkClosed(ctx, o.ID, order.SourcesOf(order.StatusClosed), closedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second close finds nothing to change.
	ok, err = repo.MarkClosed(ctx, o.ID, order.SourcesOf(order.StatusClosed), closedAt)
	require.NoError(t, err)
	assert.False(t, ok)

	// The late confirmation revives the closed order.
	ok, err = repo.MarkSuccess(ctx, o.ID, order.SourcesOf(order.StatusSuccess), testutil.StringPtr("T-1"), time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusSuccess, got.Status)
	assert.Equal(t, "T-1", got.ProviderRef())
	assert.NotNil(t, got.PaidAt)
	assert.Nil(t, got.ClosedAt)

	ok, err = repo.UpdateNotifyStatus(ctx, o.ID, order.NotifySourcesOf(order.NotifyPending), order.NotifyPending)
	require.NoError(t, err)
	assert.True(t, ok)
	undelivered, err := repo.FindUndelivered(ctx, time.Now().Add(time.Minute), order.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, o.ID, undelivered[0].ID)
	ok, err = repo.UpdateNotifyStatus(ctx, o.ID, order.NotifySourcesOf(order.NotifySuccess), order.NotifySuccess)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.UpdateNotifyStatus(ctx, o.ID, order.NotifySourcesOf(order.NotifyPending), order.NotifyPending)
	require.NoError(t, err)
	assert.False(t, ok, "success is final")

	keys, err := repo.RecentMerchantKeys(ctx, time.Now().Add(-2*time.Hour), 10)
	require.NoError(t, err)
	assert.Contains(t, keys, o.MerchantKey())
}

func TestChannelRepository_ListByProduct(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	repo := postgres.NewChannelRepository(pool)

	list, err := repo.ListByProduct(ctx, testutil.TestProduct)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].MinAmount)
	assert.Equal(t, int64(500000), list[0].MaxAmount)
	assert.Equal(t, "mock-key", list[0].Config["key"])

	_, err = repo.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, domainErrors.ErrChannelNotFound)
}

func TestTxManager_RollsBackAndJoinsNestedCalls(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	repo := postgres.NewOrderRepository(pool)
	txm := postgres.NewTxManager(pool)

	boom := domainErrors.ErrDuplicateOrder
	o := testutil.NewTestOrder("P200", order.StatusPending, time.Now())
	err := txm.WithTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, repo.Create(txCtx, o))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = repo.GetByOrderNo(ctx, "P200")
	assert.Error(t, err, "rolled back insert is not visible")

	// The inner call joins the outer transaction, so its insert is undone too.
	o2 := testutil.NewTestOrder("P201", order.StatusPending, time.Now())
	err = txm.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := txm.WithTransaction(txCtx, func(inner context.Context) error {
			return repo.Create(inner, o2)
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = repo.GetByOrderNo(ctx, "P201")
	assert.Error(t, err)

	o3 := testutil.NewTestOrder("P202", order.StatusPending, time.Now())
	require.NoError(t, txm.WithTransaction(ctx, func(txCtx context.Context) error {
		return repo.Create(txCtx, o3)
	}))
	got, err := repo.GetByOrderNo(ctx, "P202")
	require.NoError(t, err)
	assert.Equal(t, o3.ID, got.ID)
}
