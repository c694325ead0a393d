package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: pool lookups and per-pool active positions.
// Writes go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// WithinTx delegates to the primary store's transaction boundary. The store
// fn receives is cache-wrapped, so writes inside the transaction still
// invalidate; at worst a rolled-back attempt drops entries that re-populate
// from committed data on the next read.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return s.primary.WithinTx(ctx, func(tx Store) error {
		return fn(NewCachedStore(tx, s.rdb, s.ttl))
	})
}

// --- Pool registry (cached) ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.Pool) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cachePool(ctx, p)
	return nil
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) GetPoolByTenor(ctx context.Context, tenorDays int) (*model.Pool, error) {
	// Try cache via tenor→poolID mapping.
	poolID, err := s.rdb.Get(ctx, tenorKey(tenorDays)).Result()
	if err == nil {
		return s.GetPool(ctx, poolID)
	}

	p, err := s.primary.GetPoolByTenor(ctx, tenorDays)
	if err != nil {
		return nil, err
	}
	s.cachePool(ctx, p)
	s.rdb.Set(ctx, tenorKey(tenorDays), p.ID, s.ttl)
	return p, nil
}

func (s *CachedStore) CreditPool(ctx context.Context, poolID string, amount decimal.Decimal) error {
	if err := s.primary.CreditPool(ctx, poolID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(poolID))
	return nil
}

func (s *CachedStore) ApplyAllocation(ctx context.Context, poolID string, principal decimal.Decimal) error {
	if err := s.primary.ApplyAllocation(ctx, poolID, principal); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(poolID))
	return nil
}

func (s *CachedStore) ApplyRedemption(ctx context.Context, poolID string, principal decimal.Decimal) error {
	if err := s.primary.ApplyRedemption(ctx, poolID, principal); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(poolID))
	return nil
}

func (s *CachedStore) ClaimAccrual(ctx context.Context, poolID string, runAt time.Time, minGap time.Duration) (bool, error) {
	claimed, err := s.primary.ClaimAccrual(ctx, poolID, runAt, minGap)
	if claimed {
		s.rdb.Del(ctx, poolKey(poolID))
	}
	return claimed, err
}

// --- Positions (active-set cached per pool) ---

func (s *CachedStore) CreatePosition(ctx context.Context, pos *model.Position) (*model.Position, bool, error) {
	created, fresh, err := s.primary.CreatePosition(ctx, pos)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		s.rdb.Del(ctx, activePositionsKey(created.PoolID))
	}
	return created, fresh, nil
}

func (s *CachedStore) ListActivePositions(ctx context.Context, poolID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, activePositionsKey(poolID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListActivePositions(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, activePositionsKey(poolID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) UpdateAccrued(ctx context.Context, positionID string, accrued decimal.Decimal) error {
	if err := s.primary.UpdateAccrued(ctx, positionID, accrued); err != nil {
		return err
	}
	s.invalidatePosition(ctx, positionID)
	return nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, positionID string, accrued decimal.Decimal, closedAt time.Time) (bool, error) {
	closed, err := s.primary.ClosePosition(ctx, positionID, accrued, closedAt)
	if closed {
		s.invalidatePosition(ctx, positionID)
	}
	return closed, err
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListPositionsByFunder(ctx context.Context, funderID string) ([]model.Position, error) {
	return s.primary.ListPositionsByFunder(ctx, funderID)
}

func (s *CachedStore) GetFunderExposures(ctx context.Context, funderID string) (map[string]decimal.Decimal, error) {
	return s.primary.GetFunderExposures(ctx, funderID)
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, entry)
}

func (s *CachedStore) ListLedgerByPool(ctx context.Context, poolID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerByPool(ctx, poolID)
}

func (s *CachedStore) ListLedgerByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerByPosition(ctx, positionID)
}

func (s *CachedStore) InsertPoolSnapshot(ctx context.Context, snap *model.PoolSnapshot) error {
	return s.primary.InsertPoolSnapshot(ctx, snap)
}

func (s *CachedStore) ListPoolSnapshots(ctx context.Context, poolID string, limit int) ([]model.PoolSnapshot, error) {
	return s.primary.ListPoolSnapshots(ctx, poolID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cachePool(ctx context.Context, p *model.Pool) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.ID), data, s.ttl)
	}
}

// invalidatePosition drops the active-set cache for the pool owning the
// position. The pool is looked up from the primary; on failure the entry
// simply expires at TTL.
func (s *CachedStore) invalidatePosition(ctx context.Context, positionID string) {
	p, err := s.primary.GetPosition(ctx, positionID)
	if err != nil {
		return
	}
	s.rdb.Del(ctx, activePositionsKey(p.PoolID))
}

func poolKey(id string) string                { return fmt.Sprintf("pool:%s", id) }
func tenorKey(days int) string                { return fmt.Sprintf("tenor:%d", days) }
func activePositionsKey(poolID string) string { return fmt.Sprintf("active:%s", poolID) }
