package service

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cassiomorais/paygate/internal/domain/order"
	"github.com/rs/zerolog"
)

// DuplicateFilter answers "has this merchant order number possibly been seen"
// from a Bloom filter. A negative answer is definite; a positive answer must
// be confirmed against the store.
type DuplicateFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	logger zerolog.Logger
}

func NewDuplicateFilter(capacity uint, fpRate float64, logger zerolog.Logger) *DuplicateFilter {
	if capacity == 0 {
		capacity = 1_000_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &DuplicateFilter{
		filter: bloom.NewWithEstimates(capacity, fpRate),
		logger: logger.With().Str("component", "dupfilter").Logger(),
	}
}

func (f *DuplicateFilter) Add(key string) {
	f.mu.Lock()
	f.filter.AddString(key)
	f.mu.Unlock()
}

func (f *DuplicateFilter) MayContain(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(key)
}

// Warm loads merchant keys of orders created within the window. Keys the
// filter misses are still rejected by the store's unique constraint.
func (f *DuplicateFilter) Warm(ctx context.Context, repo order.Repository, window time.Duration, limit int) (int, error) {
	keys, err := repo.RecentMerchantKeys(ctx, time.Now().Add(-window), limit)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	for _, k := range keys {
		f.filter.AddString(k)
	}
	f.mu.Unlock()
	f.logger.Info().Int("keys", len(keys)).Dur("window", window).Msg("Duplicate filter warmed")
	return len(keys), nil
}
