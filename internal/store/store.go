// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/model"
)

var (
	// ErrPoolNotFound is returned when no pool exists for a given id or tenor.
	ErrPoolNotFound = errors.New("store: pool not found")

	// ErrPositionNotFound is returned when a position id is unknown.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrDuplicateTenor is returned when creating a pool for a tenor that
	// already has one. Pools are created once per tenor at setup.
	ErrDuplicateTenor = errors.New("store: pool already exists for tenor")

	// ErrInsufficientLiquidity is returned when a debit would push a pool's
	// TVL or available liquidity negative.
	ErrInsufficientLiquidity = errors.New("store: insufficient pool liquidity")

	// ErrInvalidAmount is returned when a pool counter mutation carries a
	// non-positive amount. Handlers validate input first; this guard keeps
	// the registry itself from ever applying a negative movement.
	ErrInvalidAmount = errors.New("store: amount must be positive")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Pool counter mutations are
// atomic increment/decrement operations, never read-modify-write.
type Store interface {
	// WithinTx runs fn against a store view with all-or-nothing semantics:
	// if fn returns an error, none of its writes survive. Multi-step
	// operations (allocation, distribution, redemption) run inside this
	// boundary so a mid-sequence failure cannot leave partial bookkeeping.
	WithinTx(ctx context.Context, fn func(Store) error) error

	// --- Pool registry ---

	// CreatePool persists a new pool. Fails with ErrDuplicateTenor if a
	// pool already exists for the tenor.
	CreatePool(ctx context.Context, pool *model.Pool) error

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// GetPoolByTenor retrieves the pool for a tenor bucket.
	GetPoolByTenor(ctx context.Context, tenorDays int) (*model.Pool, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// CreditPool atomically increases available liquidity. TVL untouched.
	// Non-positive amounts fail with ErrInvalidAmount.
	CreditPool(ctx context.Context, poolID string, amount decimal.Decimal) error

	// ApplyAllocation atomically increases both TVL and available
	// liquidity by the allocated principal. Non-positive principals fail
	// with ErrInvalidAmount.
	ApplyAllocation(ctx context.Context, poolID string, principal decimal.Decimal) error

	// ApplyRedemption atomically decreases both TVL and available
	// liquidity by the redeemed principal. Fails with
	// ErrInsufficientLiquidity rather than letting either go negative, and
	// with ErrInvalidAmount for non-positive principals.
	ApplyRedemption(ctx context.Context, poolID string, principal decimal.Decimal) error

	// ClaimAccrual advances the pool's accrual watermark if at least
	// minGap has passed since the previous claim. Returns false when
	// another run already claimed this period — the caller must skip the
	// pool to avoid double-accrual.
	ClaimAccrual(ctx context.Context, poolID string, runAt time.Time, minGap time.Duration) (bool, error)

	// --- Positions ---

	// CreatePosition persists a new position, deduplicating on the
	// idempotency key: if a position with the same key already exists it
	// is returned with created=false and nothing is written.
	CreatePosition(ctx context.Context, position *model.Position) (*model.Position, bool, error)

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListActivePositions returns all active positions in one pool.
	ListActivePositions(ctx context.Context, poolID string) ([]model.Position, error)

	// ListPositionsByFunder returns all positions owned by a funder.
	ListPositionsByFunder(ctx context.Context, funderID string) ([]model.Position, error)

	// UpdateAccrued sets a position's accrued yield. Only active positions
	// are updated; returns ErrPositionNotFound if the position is missing
	// or closed.
	UpdateAccrued(ctx context.Context, positionID string, accrued decimal.Decimal) error

	// ClosePosition transitions a position to closed with its final
	// accrued yield. Returns closed=false without error when the position
	// was already closed — concurrent distribution and redemption can race
	// on the same position, and the loser must be a no-op.
	ClosePosition(ctx context.Context, positionID string, accrued decimal.Decimal, closedAt time.Time) (bool, error)

	// GetFunderExposures returns the funder's active principal per pool.
	GetFunderExposures(ctx context.Context, funderID string) (map[string]decimal.Decimal, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable money-movement record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// ListLedgerByPool returns all entries for a pool, oldest first.
	ListLedgerByPool(ctx context.Context, poolID string) ([]model.LedgerEntry, error)

	// ListLedgerByPosition returns all entries referencing a position.
	ListLedgerByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error)

	// --- Snapshots ---

	// InsertPoolSnapshot appends a point-in-time pool state record.
	InsertPoolSnapshot(ctx context.Context, snapshot *model.PoolSnapshot) error

	// ListPoolSnapshots returns the most recent snapshots for a pool,
	// newest first, up to limit.
	ListPoolSnapshots(ctx context.Context, poolID string, limit int) ([]model.PoolSnapshot, error)
}
