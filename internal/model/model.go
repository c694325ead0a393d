// Package model defines the core domain types shared across the pool engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position status values. Transitions are one-directional: active → closed.
const (
	PositionActive = "active"
	PositionClosed = "closed"
)

// Ledger reference types.
const (
	RefPosition  = "position"
	RefRepayment = "repayment"
	RefPayout    = "payout"
	RefInsurance = "insurance"
)

// Pool is the aggregate liquidity bucket for one tenor (loan duration in
// days). TVL tracks committed capital; Available tracks cash on hand for
// redemptions. Available may exceed TVL transiently after a repayment credit;
// both must stay non-negative.
type Pool struct {
	ID          string          `json:"id" db:"id"`
	TenorDays   int             `json:"tenor_days" db:"tenor_days"`
	APR         decimal.Decimal `json:"apr" db:"apr"`
	TVL         decimal.Decimal `json:"tvl" db:"tvl"`
	Available   decimal.Decimal `json:"available" db:"available"`
	LastAccrued *time.Time      `json:"last_accrued,omitempty" db:"last_accrued"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a funder's stake in one pool. Principal is immutable after
// creation; AccruedYield is monotonically non-decreasing and capped at
// ExpectedYield. Once closed a position is never reopened.
type Position struct {
	ID             string          `json:"id" db:"id"`
	FunderID       string          `json:"funder_id" db:"funder_id"`
	PoolID         string          `json:"pool_id" db:"pool_id"`
	InvoiceRef     string          `json:"invoice_ref,omitempty" db:"invoice_ref"`
	Principal      decimal.Decimal `json:"principal" db:"principal"`
	ExpectedYield  decimal.Decimal `json:"expected_yield" db:"expected_yield"`
	AccruedYield   decimal.Decimal `json:"accrued_yield" db:"accrued_yield"`
	Status         string          `json:"status" db:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	OpenedAt       time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Active reports whether the position can still accrue or receive cash.
func (p *Position) Active() bool {
	return p.Status == PositionActive
}

// LedgerEntry is an immutable record of one money movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	FunderID      string          `json:"funder_id,omitempty" db:"funder_id"`
	PoolID        string          `json:"pool_id,omitempty" db:"pool_id"`
	RefType       string          `json:"ref_type" db:"ref_type"`
	RefID         string          `json:"ref_id" db:"ref_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: + inflow
	SettlementRef string          `json:"settlement_ref,omitempty" db:"settlement_ref"`
	Note          string          `json:"note,omitempty" db:"note"`
	Metadata      EntryMetadata   `json:"metadata" db:"metadata"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// EntryMetadata is the typed metadata union on a ledger entry. Exactly one
// variant is set, matching the movement that produced the entry, so
// distribution and redemption logic stays statically checkable rather than
// digging through an open bag of fields.
type EntryMetadata struct {
	Allocation   *AllocationMeta   `json:"allocation,omitempty"`
	Distribution *DistributionMeta `json:"distribution,omitempty"`
	Repayment    *RepaymentMeta    `json:"repayment,omitempty"`
	Redemption   *RedemptionMeta   `json:"redemption,omitempty"`
}

// AllocationMeta describes a capital inflow opening a position.
type AllocationMeta struct {
	TenorDays     int             `json:"tenor_days"`
	ExpectedYield decimal.Decimal `json:"expected_yield"`
	InvoiceRef    string          `json:"invoice_ref,omitempty"`
}

// DistributionMeta describes one position's slice of a repayment.
type DistributionMeta struct {
	YieldPortion    decimal.Decimal `json:"yield_portion"`
	PrincipalReturn decimal.Decimal `json:"principal_return"`
	Closed          bool            `json:"closed"`
}

// RepaymentMeta summarizes a pool-level repayment credit.
type RepaymentMeta struct {
	TenorDays int `json:"tenor_days"`
	Positions int `json:"positions"`
	Closed    int `json:"closed"`
}

// RedemptionMeta describes a funder-initiated payout.
type RedemptionMeta struct {
	Principal decimal.Decimal `json:"principal"`
	Yield     decimal.Decimal `json:"yield"`
}

// PoolSnapshot is a point-in-time record of pool aggregates, taken once per
// pool per accrual cycle for operator dashboards. Never mutated.
type PoolSnapshot struct {
	ID        string          `json:"id" db:"id"`
	PoolID    string          `json:"pool_id" db:"pool_id"`
	TenorDays int             `json:"tenor_days" db:"tenor_days"`
	TVL       decimal.Decimal `json:"tvl" db:"tvl"`
	Available decimal.Decimal `json:"available" db:"available"`
	TakenAt   time.Time       `json:"taken_at" db:"taken_at"`
}
