// Package accrual runs the periodic yield accrual cycle: once per interval
// every active position in every pool gains one hourly increment of yield,
// capped at its expected yield. Fully accrued positions stay active until a
// repayment or redemption closes them.
package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/audit"
	"github.com/faktora/pool-engine/internal/funding"
	"github.com/faktora/pool-engine/internal/metrics"
	"github.com/faktora/pool-engine/internal/model"
	"github.com/faktora/pool-engine/internal/store"
	"github.com/faktora/pool-engine/internal/yield"
)

// Broadcaster pushes pool events to live subscribers. Satisfied by
// *funding.WSHub.
type Broadcaster interface {
	Broadcast(msg funding.WSMessage)
}

// Scheduler drives accrual runs. Each pool carries an accrual watermark;
// RunOnce only processes pools whose watermark is at least minGap old, so a
// restart or an overlapping ticker cannot double-accrue the same hour.
type Scheduler struct {
	store    store.Store
	interval time.Duration
	minGap   time.Duration
	sink     audit.Sink
	hub      Broadcaster
	logger   *slog.Logger
}

// Summary reports what one accrual run did.
type Summary struct {
	Pools        int
	PoolsSkipped int
	Positions    int
	Skipped      int
	TotalAccrued decimal.Decimal
}

// NewScheduler creates an accrual scheduler. hub may be nil when no live
// subscribers are served (tests, one-shot runs).
// minGap should be slightly under interval (e.g. 55m for an hourly cycle) so
// ticker jitter does not cause a legitimate run to be skipped.
func NewScheduler(st store.Store, interval, minGap time.Duration, sink audit.Sink, hub Broadcaster, logger *slog.Logger) *Scheduler {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		interval: interval,
		minGap:   minGap,
		sink:     sink,
		hub:      hub,
		logger:   logger,
	}
}

// Run executes accrual cycles on the configured interval until ctx is
// cancelled. Must be called in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("accrual scheduler started",
		"interval", s.interval.String(),
		"min_gap", s.minGap.String(),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("accrual scheduler stopped")
			return
		case <-ticker.C:
			summary, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.Error("accrual run failed", "err", err)
				continue
			}
			s.logger.Info("accrual run completed",
				"pools", summary.Pools,
				"pools_skipped", summary.PoolsSkipped,
				"positions", summary.Positions,
				"positions_skipped", summary.Skipped,
				"total_accrued", summary.TotalAccrued.String(),
			)
		}
	}
}

// RunOnce performs a single accrual cycle across all pools. Per-position
// failures are logged and skipped so one bad row never blocks the rest of
// the run.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	summary := Summary{TotalAccrued: decimal.Zero}

	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return summary, fmt.Errorf("list pools: %w", err)
	}

	runAt := time.Now().UTC()

	for i := range pools {
		pool := &pools[i]

		claimed, err := s.store.ClaimAccrual(ctx, pool.ID, runAt, s.minGap)
		if err != nil {
			s.logger.Error("accrual claim failed", "pool_id", pool.ID, "err", err)
			summary.PoolsSkipped++
			continue
		}
		if !claimed {
			// Another run (or an earlier tick) already covered this period.
			summary.PoolsSkipped++
			continue
		}

		accrued, processed, skipped := s.accruePool(ctx, pool)
		summary.Pools++
		summary.Positions += processed
		summary.Skipped += skipped
		summary.TotalAccrued = summary.TotalAccrued.Add(accrued)

		s.snapshotPool(ctx, pool, runAt)

		if s.hub != nil {
			s.hub.Broadcast(funding.WSMessage{
				Type:      "accrual_completed",
				PoolID:    pool.ID,
				TenorDays: pool.TenorDays,
				Amount:    accrued.String(),
			})
		}
	}

	metrics.AccrualRunsTotal.Inc()

	s.sink.Record(audit.Event{
		Actor:  "accrual-scheduler",
		Action: "accrue",
		Entity: "run",
		Metadata: map[string]any{
			"pools":         summary.Pools,
			"pools_skipped": summary.PoolsSkipped,
			"positions":     summary.Positions,
			"total_accrued": summary.TotalAccrued.String(),
		},
	})

	return summary, nil
}

// accruePool applies one hourly increment to every active position in the
// pool. Returns total yield accrued, positions processed, positions skipped.
func (s *Scheduler) accruePool(ctx context.Context, pool *model.Pool) (decimal.Decimal, int, int) {
	total := decimal.Zero
	processed := 0
	skipped := 0

	positions, err := s.store.ListActivePositions(ctx, pool.ID)
	if err != nil {
		s.logger.Error("accrual position load failed", "pool_id", pool.ID, "err", err)
		return total, processed, skipped
	}

	for _, pos := range positions {
		increment := yield.HourlyIncrement(pos.Principal, pool.APR)
		next := yield.Accrue(pos.AccruedYield, increment, pos.ExpectedYield)
		if next.Equal(pos.AccruedYield) {
			// Already at cap. Position stays active until cash closes it.
			processed++
			continue
		}

		if err := s.store.UpdateAccrued(ctx, pos.ID, next); err != nil {
			s.logger.Error("accrual update failed",
				"position_id", pos.ID,
				"pool_id", pool.ID,
				"err", err,
			)
			metrics.AccrualPositionsSkipped.Inc()
			skipped++
			continue
		}

		total = total.Add(next.Sub(pos.AccruedYield))
		processed++
	}

	if total.IsPositive() {
		metrics.YieldAccruedTotal.Add(total.InexactFloat64())
	}
	metrics.PoolTVL.WithLabelValues(strconv.Itoa(pool.TenorDays)).Set(pool.TVL.InexactFloat64())
	metrics.PoolAvailable.WithLabelValues(strconv.Itoa(pool.TenorDays)).Set(pool.Available.InexactFloat64())

	return total, processed, skipped
}

// snapshotPool records the pool's aggregates for operator dashboards.
func (s *Scheduler) snapshotPool(ctx context.Context, pool *model.Pool, takenAt time.Time) {
	current, err := s.store.GetPool(ctx, pool.ID)
	if err != nil {
		s.logger.Error("snapshot pool load failed", "pool_id", pool.ID, "err", err)
		return
	}

	snap := &model.PoolSnapshot{
		ID:        uuid.New().String(),
		PoolID:    current.ID,
		TenorDays: current.TenorDays,
		TVL:       current.TVL,
		Available: current.Available,
		TakenAt:   takenAt,
	}
	if err := s.store.InsertPoolSnapshot(ctx, snap); err != nil {
		s.logger.Error("snapshot insert failed", "pool_id", pool.ID, "err", err)
	}
}
