package accrual_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/accrual"
	"github.com/faktora/pool-engine/internal/audit"
	"github.com/faktora/pool-engine/internal/funding"
	"github.com/faktora/pool-engine/internal/model"
	"github.com/faktora/pool-engine/internal/store"
	"github.com/faktora/pool-engine/internal/yield"
)

func newScheduler(st store.Store) *accrual.Scheduler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return accrual.NewScheduler(st, time.Hour, 55*time.Minute, audit.NopSink{}, nil, logger)
}

// recordingHub captures broadcast messages for assertions.
type recordingHub struct {
	messages []funding.WSMessage
}

func (h *recordingHub) Broadcast(msg funding.WSMessage) {
	h.messages = append(h.messages, msg)
}

func seedPool(t *testing.T, st store.Store, tenorDays int, apr string) *model.Pool {
	t.Helper()
	pool := &model.Pool{
		ID:        "pool-" + apr,
		TenorDays: tenorDays,
		APR:       decimal.RequireFromString(apr),
		TVL:       decimal.Zero,
		Available: decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreatePool(context.Background(), pool); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return pool
}

func seedPosition(t *testing.T, st store.Store, pool *model.Pool, id, principal string) *model.Position {
	t.Helper()
	p := decimal.RequireFromString(principal)
	pos := &model.Position{
		ID:             id,
		FunderID:       "funder-1",
		PoolID:         pool.ID,
		Principal:      p,
		ExpectedYield:  yield.Expected(p, pool.APR, pool.TenorDays),
		AccruedYield:   decimal.Zero,
		Status:         model.PositionActive,
		IdempotencyKey: "idem-" + id,
		OpenedAt:       time.Now().UTC(),
	}
	created, _, err := st.CreatePosition(context.Background(), pos)
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := st.ApplyAllocation(context.Background(), pool.ID, p); err != nil {
		t.Fatalf("apply allocation: %v", err)
	}
	return created
}

func TestRunOnce_AccruesHourlyIncrement(t *testing.T) {
	st := store.NewMemoryStore()
	pool := seedPool(t, st, 30, "0.05")
	pos := seedPosition(t, st, pool, "pos-1", "1000")

	summary, err := newScheduler(st).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Pools != 1 || summary.Positions != 1 {
		t.Fatalf("expected 1 pool / 1 position, got %d / %d", summary.Pools, summary.Positions)
	}

	got, err := st.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}

	// 1000 * 0.05 / 8760 = 0.00570776 at scale 8
	want := decimal.RequireFromString("0.00570776")
	if !got.AccruedYield.Equal(want) {
		t.Errorf("expected accrued %s, got %s", want, got.AccruedYield)
	}
	if !summary.TotalAccrued.Equal(want) {
		t.Errorf("expected total accrued %s, got %s", want, summary.TotalAccrued)
	}
}

func TestRunOnce_WatermarkBlocksDoubleRun(t *testing.T) {
	st := store.NewMemoryStore()
	pool := seedPool(t, st, 30, "0.05")
	pos := seedPosition(t, st, pool, "pos-1", "1000")

	sched := newScheduler(st)
	if _, err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Second run immediately after: within minGap, pool must be skipped.
	summary, err := sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if summary.Pools != 0 || summary.PoolsSkipped != 1 {
		t.Fatalf("expected pool skipped on replay, got pools=%d skipped=%d", summary.Pools, summary.PoolsSkipped)
	}

	got, _ := st.GetPosition(context.Background(), pos.ID)
	want := decimal.RequireFromString("0.00570776")
	if !got.AccruedYield.Equal(want) {
		t.Errorf("replay must not double-accrue: expected %s, got %s", want, got.AccruedYield)
	}
}

func TestRunOnce_CapsAtExpectedYield(t *testing.T) {
	st := store.NewMemoryStore()
	pool := seedPool(t, st, 30, "0.05")
	pos := seedPosition(t, st, pool, "pos-1", "1000")

	// Push accrued to just under the cap, then run once.
	expected := yield.Expected(decimal.NewFromInt(1000), pool.APR, pool.TenorDays)
	nearCap := expected.Sub(decimal.RequireFromString("0.00000001"))
	if err := st.UpdateAccrued(context.Background(), pos.ID, nearCap); err != nil {
		t.Fatalf("update accrued: %v", err)
	}

	if _, err := newScheduler(st).RunOnce(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := st.GetPosition(context.Background(), pos.ID)
	if !got.AccruedYield.Equal(expected) {
		t.Errorf("expected accrued capped at %s, got %s", expected, got.AccruedYield)
	}
	if !got.Active() {
		t.Error("fully accrued position must stay active until cash closes it")
	}
}

func TestRunOnce_SkipsClosedPositions(t *testing.T) {
	st := store.NewMemoryStore()
	pool := seedPool(t, st, 30, "0.05")
	pos := seedPosition(t, st, pool, "pos-1", "1000")

	if _, err := st.ClosePosition(context.Background(), pos.ID, decimal.Zero, time.Now().UTC()); err != nil {
		t.Fatalf("close position: %v", err)
	}

	summary, err := newScheduler(st).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Positions != 0 {
		t.Errorf("closed position must not accrue, processed %d", summary.Positions)
	}

	got, _ := st.GetPosition(context.Background(), pos.ID)
	if !got.AccruedYield.IsZero() {
		t.Errorf("closed position accrued %s", got.AccruedYield)
	}
}

func TestRunOnce_WritesPoolSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	pool := seedPool(t, st, 60, "0.07")
	seedPosition(t, st, pool, "pos-1", "2500")

	if _, err := newScheduler(st).RunOnce(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	snaps, err := st.ListPoolSnapshots(context.Background(), pool.ID, 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if !snaps[0].TVL.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("snapshot TVL: expected 2500, got %s", snaps[0].TVL)
	}
}

func TestRunOnce_BroadcastsAccrualEvents(t *testing.T) {
	st := store.NewMemoryStore()
	pool := seedPool(t, st, 30, "0.05")
	seedPosition(t, st, pool, "pos-1", "1000")

	hub := &recordingHub{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sched := accrual.NewScheduler(st, time.Hour, 55*time.Minute, audit.NopSink{}, hub, logger)

	if _, err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(hub.messages) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(hub.messages))
	}
	msg := hub.messages[0]
	if msg.Type != "accrual_completed" {
		t.Errorf("expected accrual_completed, got %q", msg.Type)
	}
	if msg.PoolID != pool.ID || msg.TenorDays != pool.TenorDays {
		t.Errorf("broadcast pool mismatch: %+v", msg)
	}
	if msg.Amount != "0.00570776" {
		t.Errorf("expected accrued amount in broadcast, got %q", msg.Amount)
	}

	// A skipped run (watermark still fresh) must not broadcast.
	if _, err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(hub.messages) != 1 {
		t.Errorf("skipped pool must not broadcast, got %d messages", len(hub.messages))
	}
}

func TestRunOnce_MultiplePools(t *testing.T) {
	st := store.NewMemoryStore()
	pool30 := seedPool(t, st, 30, "0.05")
	pool60 := seedPool(t, st, 60, "0.07")
	seedPosition(t, st, pool30, "pos-a", "1000")
	seedPosition(t, st, pool60, "pos-b", "1000")

	summary, err := newScheduler(st).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Pools != 2 || summary.Positions != 2 {
		t.Fatalf("expected 2 pools / 2 positions, got %d / %d", summary.Pools, summary.Positions)
	}
}
