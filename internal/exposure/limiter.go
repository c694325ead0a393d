// Package exposure enforces funder concentration limits at allocation time.
//
// A funder committing principal across many pools carries correlated credit
// risk against the platform's invoice book. This package caps the active
// principal a single funder may hold in any one pool and in aggregate across
// all pools.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerPoolLimitExceeded is returned when an allocation would push a
	// funder's active principal in one pool beyond the per-pool maximum.
	ErrPerPoolLimitExceeded = errors.New("exposure: per-pool funding limit exceeded")

	// ErrAggregateLimitExceeded is returned when an allocation would push a
	// funder's total active principal across all pools beyond the
	// aggregate maximum.
	ErrAggregateLimitExceeded = errors.New("exposure: aggregate funding limit exceeded")
)

// Limiter enforces per-pool and aggregate funding limits. A non-positive
// cap disables that limit.
type Limiter struct {
	// MaxPerPool is the maximum active principal a funder may hold in any
	// single pool.
	MaxPerPool decimal.Decimal

	// MaxAggregate is the maximum total active principal a funder may hold
	// across all pools.
	MaxAggregate decimal.Decimal
}

// NewLimiter creates a limiter with the given per-pool and aggregate caps.
func NewLimiter(maxPerPool, maxAggregate decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerPool:   maxPerPool,
		MaxAggregate: maxAggregate,
	}
}

// Check validates whether an allocation respects the funding limits.
//
// Parameters:
//   - targetPool: pool ID receiving the new principal
//   - principal: the allocation amount being requested
//   - existing: map of pool ID → the funder's current active principal
//
// Returns nil if the allocation is within limits, or an error describing the
// violation.
func (l *Limiter) Check(
	targetPool string,
	principal decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	// 1. Per-pool limit.
	newInPool := existing[targetPool].Add(principal)
	if l.MaxPerPool.IsPositive() && newInPool.GreaterThan(l.MaxPerPool) {
		return ErrPerPoolLimitExceeded
	}

	// 2. Aggregate across all pools.
	total := newInPool
	for poolID, amount := range existing {
		if poolID == targetPool {
			continue // already counted via newInPool above
		}
		total = total.Add(amount)
	}
	if l.MaxAggregate.IsPositive() && total.GreaterThan(l.MaxAggregate) {
		return ErrAggregateLimitExceeded
	}

	return nil
}
