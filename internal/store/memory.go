package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*model.Pool
	positions map[string]*model.Position
	idemKeys  map[string]string // idempotency key → position ID
	ledger    []model.LedgerEntry
	snapshots []model.PoolSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]*model.Pool),
		positions: make(map[string]*model.Position),
		idemKeys:  make(map[string]string),
	}
}

// memorySnapshot captures the store state for rollback.
type memorySnapshot struct {
	pools     map[string]*model.Pool
	positions map[string]*model.Position
	idemKeys  map[string]string
	ledger    []model.LedgerEntry
	snapshots []model.PoolSnapshot
}

// WithinTx runs fn with all-or-nothing semantics: on error the store is
// restored to its state at entry. Callers already serialize multi-step
// operations per pool, so no isolation beyond rollback is provided.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(Store) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memorySnapshot{
		pools:     make(map[string]*model.Pool, len(s.pools)),
		positions: make(map[string]*model.Position, len(s.positions)),
		idemKeys:  make(map[string]string, len(s.idemKeys)),
		ledger:    append([]model.LedgerEntry(nil), s.ledger...),
		snapshots: append([]model.PoolSnapshot(nil), s.snapshots...),
	}
	for id, p := range s.pools {
		copy := *p
		snap.pools[id] = &copy
	}
	for id, p := range s.positions {
		copy := *p
		snap.positions[id] = &copy
	}
	for k, v := range s.idemKeys {
		snap.idemKeys[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools = snap.pools
	s.positions = snap.positions
	s.idemKeys = snap.idemKeys
	s.ledger = snap.ledger
	s.snapshots = snap.snapshots
}

// --- Pool registry ---

func (s *MemoryStore) CreatePool(_ context.Context, p *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pools {
		if existing.TenorDays == p.TenorDays {
			return fmt.Errorf("%w: %d days", ErrDuplicateTenor, p.TenorDays)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.pools[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetPoolByTenor(_ context.Context, tenorDays int) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pools {
		if p.TenorDays == tenorDays {
			copy := *p
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: tenor %d days", ErrPoolNotFound, tenorDays)
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	return pools, nil
}

func (s *MemoryStore) CreditPool(_ context.Context, poolID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	p.Available = p.Available.Add(amount)
	return nil
}

func (s *MemoryStore) ApplyAllocation(_ context.Context, poolID string, principal decimal.Decimal) error {
	if principal.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, principal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	p.TVL = p.TVL.Add(principal)
	p.Available = p.Available.Add(principal)
	return nil
}

func (s *MemoryStore) ApplyRedemption(_ context.Context, poolID string, principal decimal.Decimal) error {
	if principal.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, principal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	if p.TVL.LessThan(principal) || p.Available.LessThan(principal) {
		return fmt.Errorf("%w: pool %s", ErrInsufficientLiquidity, poolID)
	}
	p.TVL = p.TVL.Sub(principal)
	p.Available = p.Available.Sub(principal)
	return nil
}

func (s *MemoryStore) ClaimAccrual(_ context.Context, poolID string, runAt time.Time, minGap time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[poolID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	if p.LastAccrued != nil && runAt.Sub(*p.LastAccrued) < minGap {
		return false, nil
	}
	t := runAt
	p.LastAccrued = &t
	return true, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, pos *model.Position) (*model.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.idemKeys[pos.IdempotencyKey]; ok {
		existing := *s.positions[existingID]
		return &existing, false, nil
	}

	copy := *pos
	s.positions[pos.ID] = &copy
	s.idemKeys[pos.IdempotencyKey] = pos.ID

	created := copy
	return &created, true, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context, poolID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.PoolID == poolID && p.Status == model.PositionActive {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositionsByFunder(_ context.Context, funderID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.FunderID == funderID {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateAccrued(_ context.Context, positionID string, accrued decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok || p.Status != model.PositionActive {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	p.AccruedYield = accrued
	return nil
}

func (s *MemoryStore) ClosePosition(_ context.Context, positionID string, accrued decimal.Decimal, closedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if p.Status == model.PositionClosed {
		return false, nil
	}
	p.Status = model.PositionClosed
	p.AccruedYield = accrued
	t := closedAt
	p.ClosedAt = &t
	return true, nil
}

func (s *MemoryStore) GetFunderExposures(_ context.Context, funderID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposures := make(map[string]decimal.Decimal)
	for _, p := range s.positions {
		if p.FunderID == funderID && p.Status == model.PositionActive {
			exposures[p.PoolID] = exposures[p.PoolID].Add(p.Principal)
		}
	}
	return exposures, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListLedgerByPool(_ context.Context, poolID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.PoolID == poolID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListLedgerByPosition(_ context.Context, positionID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.RefType == model.RefPosition && e.RefID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Snapshots ---

func (s *MemoryStore) InsertPoolSnapshot(_ context.Context, snap *model.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) ListPoolSnapshots(_ context.Context, poolID string, limit int) ([]model.PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PoolSnapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].PoolID == poolID {
			result = append(result, s.snapshots[i])
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
