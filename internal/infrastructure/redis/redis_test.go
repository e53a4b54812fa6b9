package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewClient_ConnectsToServer(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.RedisConfig{Host: mr.Host(), Port: mustPort(t, mr), ConnectRetries: 2, ConnectRetryDelay: time.Millisecond}

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClient_FailsWhenUnreachable(t *testing.T) {
	cfg := &config.RedisConfig{Host: "127.0.0.1", Port: 1, ConnectRetries: 2, ConnectRetryDelay: time.Millisecond}

	_, err := NewClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestPlaceholderLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := newTestClient(t)
	lock := NewPlaceholderLock(client, "t:", time.Minute)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "7:M-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "7:M-1")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	assert.ErrorIs(t, lock.Release(ctx, "7:M-1", "not-the-owner"), domainErrors.ErrLockNotHeld)
	require.NoError(t, lock.Release(ctx, "7:M-1", token))

	_, ok, err = lock.Acquire(ctx, "7:M-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlaceholderLock_ExpiresWithTTL(t *testing.T) {
	mr, client := newTestClient(t)
	lock := NewPlaceholderLock(client, "t:", 2*time.Second)
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(3 * time.Second)

	_, ok, err = lock.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, lock.Release(ctx, "k", token), domainErrors.ErrLockNotHeld, "expired token must not release the new holder")
}

func TestQueue_ClaimPendingLeasesOldestFirst(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "t:")
	ctx := context.Background()
	now := time.Now()

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, "pending", m))
	}

	got, err := q.ClaimPending(ctx, "pending", "retry", 2, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	n, err := q.ListLen(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Claimed members wait in the lease set until their lease is due.
	due, err := q.Due(ctx, "retry", now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = q.Due(ctx, "retry", now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, due)

	got, err = q.ClaimPending(ctx, "pending", "retry", 10, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got)

	got, err = q.ClaimPending(ctx, "pending", "retry", 10, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueue_LeaseAndAck(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "t:")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Schedule(ctx, "retry", "late", now.Add(time.Hour)))
	require.NoError(t, q.Schedule(ctx, "retry", "second", now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, "retry", "first", now.Add(-time.Minute)))

	due, err := q.Due(ctx, "retry", now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, due)

	leased, err := q.Lease(ctx, "retry", "first", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, leased)

	leased, err = q.Lease(ctx, "retry", "first", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, leased, "a leased member is not due")

	leased, err = q.Lease(ctx, "retry", "late", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, leased)

	// An expired lease can be taken over.
	leased, err = q.Lease(ctx, "retry", "first", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, leased)

	acked, err := q.Ack(ctx, "retry", "first")
	require.NoError(t, err)
	assert.True(t, acked)
	acked, err = q.Ack(ctx, "retry", "first")
	require.NoError(t, err)
	assert.False(t, acked)

	members, err := q.Members(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "late"}, members)
}

func TestQueue_Counters(t *testing.T) {
	_, client := newTestClient(t)
	q := NewQueue(client, "t:")
	ctx := context.Background()

	require.NoError(t, q.Incr(ctx, "stats", "enqueued", 2))
	require.NoError(t, q.Incr(ctx, "stats", "completed", 1))
	require.NoError(t, q.Incr(ctx, "stats", "enqueued", 1))

	got, err := q.Counters(ctx, "stats")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"enqueued": 3, "completed": 1}, got)
}

func TestEventStream_Publish(t *testing.T) {
	_, client := newTestClient(t)
	s := NewEventStream(client, "t:", 0)
	ctx := context.Background()

	err := s.Publish(ctx, StreamEvent{
		Type:     "payment_success",
		Provider: "epay",
		OrderNo:  "P1001",
		Status:   "success",
		At:       time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, s.Name(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "payment_success", msgs[0].Values["event_type"])
	assert.Equal(t, "P1001", msgs[0].Values["order_no"])
}

func mustPort(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return port
}
