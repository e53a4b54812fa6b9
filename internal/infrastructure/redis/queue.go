package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	claimPendingScript = redis.NewScript(`
		local out = {}
		for i = 1, tonumber(ARGV[1]) do
			local member = redis.call("rpop", KEYS[1])
			if not member then
				break
			end
			redis.call("zadd", KEYS[2], ARGV[2], member)
			out[#out + 1] = member
		end
		return out
	`)

	leaseScript = redis.NewScript(`
		local score = redis.call("zscore", KEYS[1], ARGV[1])
		if score and tonumber(score) <= tonumber(ARGV[2]) then
			redis.call("zadd", KEYS[1], ARGV[3], ARGV[1])
			return 1
		end
		return 0
	`)
)

// Queue exposes the list, sorted-set and counter primitives the
// notification dispatcher is built from. Names are relative to the prefix.
type Queue struct {
	client *redis.Client
	prefix string
}

func NewQueue(client *redis.Client, prefix string) *Queue {
	return &Queue{client: client, prefix: prefix}
}

func (q *Queue) key(name string) string {
	return q.prefix + name
}

// Push appends member to the head of a FIFO list.
func (q *Queue) Push(ctx context.Context, list, member string) error {
	if err := q.client.LPush(ctx, q.key(list), member).Err(); err != nil {
		return fmt.Errorf("push %s: %w", list, err)
	}
	return nil
}

// ClaimPending moves up to n members from the tail of list into leaseSet,
// scored at until, and returns them oldest first. A claimed member stays in
// leaseSet until acknowledged, so a worker that dies mid-delivery leaves it
// to be picked up again once the lease is due.
func (q *Queue) ClaimPending(ctx context.Context, list, leaseSet string, n int, until time.Time) ([]string, error) {
	members, err := claimPendingScript.Run(ctx, q.client, []string{q.key(list), q.key(leaseSet)}, n, until.UnixMilli()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim %s: %w", list, err)
	}
	return members, nil
}

// ListMembers returns every member of a list without removing them.
func (q *Queue) ListMembers(ctx context.Context, list string) ([]string, error) {
	members, err := q.client.LRange(ctx, q.key(list), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", list, err)
	}
	return members, nil
}

// RemoveFromList deletes every occurrence of member.
func (q *Queue) RemoveFromList(ctx context.Context, list, member string) (int64, error) {
	n, err := q.client.LRem(ctx, q.key(list), 0, member).Result()
	if err != nil {
		return 0, fmt.Errorf("lrem %s: %w", list, err)
	}
	return n, nil
}

// Schedule adds member to a sorted set scored by its due time.
func (q *Queue) Schedule(ctx context.Context, set, member string, due time.Time) error {
	err := q.client.ZAdd(ctx, q.key(set), redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", set, err)
	}
	return nil
}

// Due returns up to n members whose due time is at or before now, earliest first.
func (q *Queue) Due(ctx context.Context, set string, now time.Time, n int) ([]string, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key(set), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(n),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due %s: %w", set, err)
	}
	return members, nil
}

// Lease re-scores a due member to until. Only the caller that gets true
// owns the member; it stays in the set until acknowledged and becomes due
// again if the owner never comes back.
func (q *Queue) Lease(ctx context.Context, set, member string, now, until time.Time) (bool, error) {
	n, err := leaseScript.Run(ctx, q.client, []string{q.key(set)}, member, now.UnixMilli(), until.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", set, err)
	}
	return n == 1, nil
}

// Ack removes member from a sorted set and reports whether it was there.
func (q *Queue) Ack(ctx context.Context, set, member string) (bool, error) {
	n, err := q.client.ZRem(ctx, q.key(set), member).Result()
	if err != nil {
		return false, fmt.Errorf("ack %s: %w", set, err)
	}
	return n == 1, nil
}

// Members returns every member of a sorted set, earliest due first.
func (q *Queue) Members(ctx context.Context, set string) ([]string, error) {
	members, err := q.client.ZRange(ctx, q.key(set), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", set, err)
	}
	return members, nil
}

// ListLen and SetLen report lane depths.
func (q *Queue) ListLen(ctx context.Context, list string) (int64, error) {
	return q.client.LLen(ctx, q.key(list)).Result()
}

func (q *Queue) SetLen(ctx context.Context, set string) (int64, error) {
	return q.client.ZCard(ctx, q.key(set)).Result()
}

// Incr bumps a named counter in a hash.
func (q *Queue) Incr(ctx context.Context, hash, field string, delta int64) error {
	if err := q.client.HIncrBy(ctx, q.key(hash), field, delta).Err(); err != nil {
		return fmt.Errorf("incr %s.%s: %w", hash, field, err)
	}
	return nil
}

// Counters reads every counter in a hash.
func (q *Queue) Counters(ctx context.Context, hash string) (map[string]int64, error) {
	raw, err := q.client.HGetAll(ctx, q.key(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("counters %s: %w", hash, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}
