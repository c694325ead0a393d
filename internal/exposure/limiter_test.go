package exposure_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/exposure"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinLimits(t *testing.T) {
	l := exposure.NewLimiter(d(1000), d(5000))

	err := l.Check("pool-30", d(500), map[string]decimal.Decimal{
		"pool-30": d(400),
		"pool-90": d(2000),
	})
	if err != nil {
		t.Errorf("allocation within limits should pass, got %v", err)
	}
}

func TestCheck_AtLimitAllowed(t *testing.T) {
	l := exposure.NewLimiter(d(1000), d(5000))

	if err := l.Check("pool-30", d(1000), nil); err != nil {
		t.Errorf("allocation exactly at the per-pool limit should pass, got %v", err)
	}
}

func TestCheck_PerPoolExceeded(t *testing.T) {
	l := exposure.NewLimiter(d(1000), d(5000))

	err := l.Check("pool-30", d(700), map[string]decimal.Decimal{
		"pool-30": d(400),
	})
	if err != exposure.ErrPerPoolLimitExceeded {
		t.Errorf("expected ErrPerPoolLimitExceeded, got %v", err)
	}
}

func TestCheck_ZeroCapsDisableLimits(t *testing.T) {
	l := exposure.NewLimiter(decimal.Zero, decimal.Zero)

	err := l.Check("pool-30", d(1_000_000), map[string]decimal.Decimal{
		"pool-90": d(9_000_000),
	})
	if err != nil {
		t.Errorf("zero caps should disable limits, got %v", err)
	}
}

func TestCheck_AggregateExceeded(t *testing.T) {
	l := exposure.NewLimiter(d(1000), d(2000))

	err := l.Check("pool-30", d(500), map[string]decimal.Decimal{
		"pool-90":  d(1000),
		"pool-120": d(800),
	})
	if err != exposure.ErrAggregateLimitExceeded {
		t.Errorf("expected ErrAggregateLimitExceeded, got %v", err)
	}
}
