// Package yield implements the pool engine's money math: expected yield at
// position open, hourly accrual increments with the expected-yield cap, and
// the pro-rata yield-first waterfall used to distribute repayments.
//
// All monetary values use shopspring/decimal — never float64 for money.
// It is stateless — position and pool state are passed as arguments, not
// stored — so every caller shares one rounding discipline.
package yield

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned when a yield or distribution computation
	// is asked to operate on a non-positive amount.
	ErrInvalidAmount = errors.New("yield: amount must be positive")

	// ErrNoPositions is returned when a distribution has no active
	// positions to allocate over.
	ErrNoPositions = errors.New("yield: no active positions to distribute over")
)

var (
	daysPerYear  = decimal.NewFromInt(365)
	hoursPerYear = decimal.NewFromInt(365 * 24)
)

// YieldScale is the number of decimal places kept for accrual arithmetic.
// Finer than cash so 720 hourly increments converge on the expected yield
// instead of drifting a cent per month.
const YieldScale int32 = 8

// CashScale is the number of decimal places for amounts that actually move:
// distribution slices and payouts round to whole cents.
const CashScale int32 = 2

// Expected computes the yield a position earns over its full tenor:
//
//	expected = principal * apr * tenorDays / 365
//
// Rounded at YieldScale.
func Expected(principal, apr decimal.Decimal, tenorDays int) decimal.Decimal {
	return principal.
		Mul(apr).
		Mul(decimal.NewFromInt(int64(tenorDays))).
		Div(daysPerYear).
		Round(YieldScale)
}

// HourlyIncrement computes one accrual step:
//
//	increment = principal * apr / 365 / 24
//
// Rounded at YieldScale.
func HourlyIncrement(principal, apr decimal.Decimal) decimal.Decimal {
	return principal.Mul(apr).Div(hoursPerYear).Round(YieldScale)
}

// Accrue adds increment to accrued, capped so the result never exceeds
// expected. Negative increments are ignored — accrued yield is monotone.
func Accrue(accrued, increment, expected decimal.Decimal) decimal.Decimal {
	if increment.IsNegative() {
		return accrued
	}
	next := accrued.Add(increment)
	if next.GreaterThan(expected) {
		return expected
	}
	return next
}

// Share is one position's slice of a repayment distribution.
type Share struct {
	Position        model.Position
	Amount          decimal.Decimal // total cash allocated to this position
	YieldPortion    decimal.Decimal // applied to remaining yield first
	PrincipalReturn decimal.Decimal // remainder after yield is satisfied
	NewAccrued      decimal.Decimal
	Close           bool // fully satisfied: accrued reached expected
}

// TotalPrincipal sums the principal of the given positions.
func TotalPrincipal(positions []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Principal)
	}
	return total
}

// Distribute splits total pro-rata across positions by principal share,
// applying each slice to remaining yield first, then principal return.
//
// Slices round down to CashScale so the running allocation never exceeds
// total; the last position absorbs the rounding remainder so the allocated
// sum equals total exactly and every slice stays non-negative. Positions
// must be a consistent snapshot taken under the pool lock — shares are
// computed once against the snapshot's total principal.
func Distribute(total decimal.Decimal, positions []model.Position) ([]Share, error) {
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if len(positions) == 0 {
		return nil, ErrNoPositions
	}

	totalPrincipal := TotalPrincipal(positions)
	if totalPrincipal.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNoPositions
	}

	shares := make([]Share, 0, len(positions))
	allocated := decimal.Zero

	for i, pos := range positions {
		var amount decimal.Decimal
		if i == len(positions)-1 {
			// Remainder correction: the last slice takes whatever rounding
			// left over so Σ amounts == total. The floor below keeps
			// allocated <= total, so this is never negative.
			amount = total.Sub(allocated)
		} else {
			amount = total.Mul(pos.Principal).Div(totalPrincipal).RoundDown(CashScale)
			allocated = allocated.Add(amount)
		}

		remainingYield := pos.ExpectedYield.Sub(pos.AccruedYield)
		if remainingYield.IsNegative() {
			remainingYield = decimal.Zero
		}

		yieldPortion := amount
		if yieldPortion.GreaterThan(remainingYield) {
			yieldPortion = remainingYield
		}
		principalReturn := amount.Sub(yieldPortion)
		newAccrued := pos.AccruedYield.Add(yieldPortion)

		shares = append(shares, Share{
			Position:        pos,
			Amount:          amount,
			YieldPortion:    yieldPortion,
			PrincipalReturn: principalReturn,
			NewAccrued:      newAccrued,
			// Exact decimal arithmetic: no float epsilon needed, the cap
			// above makes "fully satisfied" a plain equality.
			Close: newAccrued.Equal(pos.ExpectedYield) && !principalReturn.IsNegative(),
		})
	}

	return shares, nil
}
