package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pensionops/rebalancer/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for model portfolios and limits. Those tables change at most daily
// and are re-read for every command, so entries simply expire after ttl.
// Every other method, and everything inside WithinTx, goes to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestAllocations(ctx context.Context, fund model.Fund) ([]model.ModelPortfolioAllocation, error) {
	var rows []model.ModelPortfolioAllocation
	if s.cached(ctx, allocationsKey(fund), &rows) {
		return rows, nil
	}

	rows, err := s.Store.LatestAllocations(ctx, fund)
	if err != nil {
		return nil, err
	}
	s.put(ctx, allocationsKey(fund), rows)
	return rows, nil
}

func (s *CachedStore) LatestFundLimit(ctx context.Context, fund model.Fund) (*model.FundLimit, error) {
	var limit *model.FundLimit
	if s.cached(ctx, fundLimitKey(fund), &limit) {
		return limit, nil
	}

	limit, err := s.Store.LatestFundLimit(ctx, fund)
	if err != nil {
		return nil, err
	}
	s.put(ctx, fundLimitKey(fund), limit)
	return limit, nil
}

func (s *CachedStore) LatestPositionLimits(ctx context.Context, fund model.Fund) ([]model.PositionLimit, error) {
	var rows []model.PositionLimit
	if s.cached(ctx, positionLimitsKey(fund), &rows) {
		return rows, nil
	}

	rows, err := s.Store.LatestPositionLimits(ctx, fund)
	if err != nil {
		return nil, err
	}
	s.put(ctx, positionLimitsKey(fund), rows)
	return rows, nil
}

// Invalidate drops every cached entry for fund.
func (s *CachedStore) Invalidate(ctx context.Context, fund model.Fund) error {
	return s.rdb.Del(ctx, allocationsKey(fund), fundLimitKey(fund), positionLimitsKey(fund)).Err()
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func allocationsKey(f model.Fund) string    { return fmt.Sprintf("rebalancer:allocations:%s", f) }
func fundLimitKey(f model.Fund) string      { return fmt.Sprintf("rebalancer:fund-limit:%s", f) }
func positionLimitsKey(f model.Fund) string { return fmt.Sprintf("rebalancer:position-limits:%s", f) }
