package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/model"
	"github.com/faktora/pool-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPool(t *testing.T, s *store.MemoryStore, id string, tenorDays int) *model.Pool {
	t.Helper()
	pool := &model.Pool{
		ID:        id,
		TenorDays: tenorDays,
		APR:       d(0.05),
		TVL:       decimal.Zero,
		Available: decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreatePool(context.Background(), pool); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return pool
}

func seedPosition(t *testing.T, s *store.MemoryStore, poolID, id, key string, principal decimal.Decimal) *model.Position {
	t.Helper()
	pos := &model.Position{
		ID:             id,
		FunderID:       "funder-1",
		PoolID:         poolID,
		Principal:      principal,
		ExpectedYield:  d(4.11),
		AccruedYield:   decimal.Zero,
		Status:         model.PositionActive,
		IdempotencyKey: key,
		OpenedAt:       time.Now().UTC(),
	}
	created, _, err := s.CreatePosition(context.Background(), pos)
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return created
}

func TestCreatePool_DuplicateTenor(t *testing.T) {
	s := store.NewMemoryStore()
	seedPool(t, s, "pool-1", 30)

	err := s.CreatePool(context.Background(), &model.Pool{ID: "pool-2", TenorDays: 30})
	if !errors.Is(err, store.ErrDuplicateTenor) {
		t.Errorf("expected ErrDuplicateTenor, got %v", err)
	}
}

func TestCreatePosition_IdempotencyDedup(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)

	first := seedPosition(t, s, pool.ID, "pos-1", "key-1", d(1000))

	replay := &model.Position{
		ID:             "pos-2", // different ID, same key
		FunderID:       "funder-1",
		PoolID:         pool.ID,
		Principal:      d(1000),
		Status:         model.PositionActive,
		IdempotencyKey: "key-1",
	}
	got, created, err := s.CreatePosition(context.Background(), replay)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if created {
		t.Error("replay must not create a new position")
	}
	if got.ID != first.ID {
		t.Errorf("replay should return original position %s, got %s", first.ID, got.ID)
	}

	if _, err := s.GetPosition(context.Background(), "pos-2"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Error("replayed position must not be persisted")
	}
}

func TestApplyRedemption_InsufficientLiquidity(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)

	if err := s.ApplyAllocation(context.Background(), pool.ID, d(500)); err != nil {
		t.Fatalf("apply allocation: %v", err)
	}

	err := s.ApplyRedemption(context.Background(), pool.ID, d(600))
	if !errors.Is(err, store.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}

	// Balances untouched after the rejected debit.
	got, _ := s.GetPool(context.Background(), pool.ID)
	if !got.TVL.Equal(d(500)) || !got.Available.Equal(d(500)) {
		t.Errorf("balances should be 500/500, got %s/%s", got.TVL, got.Available)
	}

	if err := s.ApplyRedemption(context.Background(), pool.ID, d(500)); err != nil {
		t.Errorf("full redemption should pass, got %v", err)
	}
}

func TestPoolMutations_RejectNonPositiveAmounts(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)

	if err := s.ApplyAllocation(context.Background(), pool.ID, d(500)); err != nil {
		t.Fatalf("apply allocation: %v", err)
	}

	for _, amount := range []decimal.Decimal{decimal.Zero, d(-25)} {
		if err := s.CreditPool(context.Background(), pool.ID, amount); !errors.Is(err, store.ErrInvalidAmount) {
			t.Errorf("CreditPool(%s): expected ErrInvalidAmount, got %v", amount, err)
		}
		if err := s.ApplyAllocation(context.Background(), pool.ID, amount); !errors.Is(err, store.ErrInvalidAmount) {
			t.Errorf("ApplyAllocation(%s): expected ErrInvalidAmount, got %v", amount, err)
		}
		if err := s.ApplyRedemption(context.Background(), pool.ID, amount); !errors.Is(err, store.ErrInvalidAmount) {
			t.Errorf("ApplyRedemption(%s): expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	// Balances untouched after the rejected mutations.
	got, _ := s.GetPool(context.Background(), pool.ID)
	if !got.TVL.Equal(d(500)) || !got.Available.Equal(d(500)) {
		t.Errorf("balances should be 500/500, got %s/%s", got.TVL, got.Available)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)
	pos := seedPosition(t, s, pool.ID, "pos-1", "key-1", d(1000))

	if err := s.ApplyAllocation(context.Background(), pool.ID, d(1000)); err != nil {
		t.Fatalf("apply allocation: %v", err)
	}

	boom := errors.New("mid-sequence failure")
	err := s.WithinTx(context.Background(), func(tx store.Store) error {
		if err := tx.UpdateAccrued(context.Background(), pos.ID, d(3.5)); err != nil {
			return err
		}
		if err := tx.CreditPool(context.Background(), pool.ID, d(250)); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(context.Background(), &model.LedgerEntry{
			ID:     "entry-1",
			PoolID: pool.ID,
			Amount: d(250),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the fn error back, got %v", err)
	}

	got, _ := s.GetPosition(context.Background(), pos.ID)
	if !got.AccruedYield.IsZero() {
		t.Errorf("accrued update must roll back, got %s", got.AccruedYield)
	}
	p, _ := s.GetPool(context.Background(), pool.ID)
	if !p.Available.Equal(d(1000)) {
		t.Errorf("pool credit must roll back, got available %s", p.Available)
	}
	entries, _ := s.ListLedgerByPool(context.Background(), pool.ID)
	if len(entries) != 0 {
		t.Errorf("ledger entry must roll back, got %d entries", len(entries))
	}
}

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)

	err := s.WithinTx(context.Background(), func(tx store.Store) error {
		return tx.ApplyAllocation(context.Background(), pool.ID, d(750))
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	got, _ := s.GetPool(context.Background(), pool.ID)
	if !got.TVL.Equal(d(750)) || !got.Available.Equal(d(750)) {
		t.Errorf("balances should be 750/750, got %s/%s", got.TVL, got.Available)
	}
}

func TestClosePosition_IdempotentNoOp(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)
	pos := seedPosition(t, s, pool.ID, "pos-1", "key-1", d(1000))

	now := time.Now().UTC()
	closed, err := s.ClosePosition(context.Background(), pos.ID, d(4.11), now)
	if err != nil || !closed {
		t.Fatalf("first close failed: closed=%v err=%v", closed, err)
	}

	closed, err = s.ClosePosition(context.Background(), pos.ID, d(4.11), now)
	if err != nil {
		t.Fatalf("second close errored: %v", err)
	}
	if closed {
		t.Error("second close must be a no-op")
	}
}

func TestUpdateAccrued_RejectsClosedPosition(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)
	pos := seedPosition(t, s, pool.ID, "pos-1", "key-1", d(1000))

	if _, err := s.ClosePosition(context.Background(), pos.ID, d(1), time.Now().UTC()); err != nil {
		t.Fatalf("close: %v", err)
	}

	err := s.UpdateAccrued(context.Background(), pos.ID, d(2))
	if !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("closed position must reject accrual updates, got %v", err)
	}
}

func TestClaimAccrual_Watermark(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)

	runAt := time.Now().UTC()
	minGap := 55 * time.Minute

	claimed, err := s.ClaimAccrual(context.Background(), pool.ID, runAt, minGap)
	if err != nil || !claimed {
		t.Fatalf("first claim should succeed: claimed=%v err=%v", claimed, err)
	}

	// Within the gap: blocked.
	claimed, _ = s.ClaimAccrual(context.Background(), pool.ID, runAt.Add(10*time.Minute), minGap)
	if claimed {
		t.Error("claim within min gap must be rejected")
	}

	// After the gap: allowed again.
	claimed, _ = s.ClaimAccrual(context.Background(), pool.ID, runAt.Add(time.Hour), minGap)
	if !claimed {
		t.Error("claim after min gap should succeed")
	}
}

func TestGetFunderExposures_ActiveOnly(t *testing.T) {
	s := store.NewMemoryStore()
	pool30 := seedPool(t, s, "pool-30", 30)
	pool60 := seedPool(t, s, "pool-60", 60)

	seedPosition(t, s, pool30.ID, "pos-1", "key-1", d(600))
	seedPosition(t, s, pool30.ID, "pos-2", "key-2", d(400))
	closedPos := seedPosition(t, s, pool60.ID, "pos-3", "key-3", d(900))
	if _, err := s.ClosePosition(context.Background(), closedPos.ID, decimal.Zero, time.Now().UTC()); err != nil {
		t.Fatalf("close: %v", err)
	}

	exposures, err := s.GetFunderExposures(context.Background(), "funder-1")
	if err != nil {
		t.Fatalf("exposures: %v", err)
	}

	if !exposures[pool30.ID].Equal(d(1000)) {
		t.Errorf("pool-30 exposure should be 1000, got %s", exposures[pool30.ID])
	}
	if _, ok := exposures[pool60.ID]; ok {
		t.Error("closed positions must not count toward exposure")
	}
}

func TestListPoolSnapshots_NewestFirstWithLimit(t *testing.T) {
	s := store.NewMemoryStore()
	pool := seedPool(t, s, "pool-1", 30)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		snap := &model.PoolSnapshot{
			ID:        "snap-" + string(rune('a'+i)),
			PoolID:    pool.ID,
			TenorDays: 30,
			TVL:       d(float64(i * 100)),
			Available: d(float64(i * 100)),
			TakenAt:   base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.InsertPoolSnapshot(context.Background(), snap); err != nil {
			t.Fatalf("insert snapshot: %v", err)
		}
	}

	snaps, err := s.ListPoolSnapshots(context.Background(), pool.ID, 3)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	if !snaps[0].TVL.Equal(d(400)) {
		t.Errorf("newest snapshot should come first, got TVL %s", snaps[0].TVL)
	}
}
