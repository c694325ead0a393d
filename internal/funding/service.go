// Package funding provides the HTTP handlers and business logic for the pool
// accounting core: opening positions, distributing repayments pro-rata, and
// redeeming positions.
//
// All monetary values use shopspring/decimal — never float64 for money.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/audit"
	"github.com/faktora/pool-engine/internal/exposure"
	"github.com/faktora/pool-engine/internal/invoice"
	"github.com/faktora/pool-engine/internal/metrics"
	"github.com/faktora/pool-engine/internal/model"
	"github.com/faktora/pool-engine/internal/settlement"
	"github.com/faktora/pool-engine/internal/store"
	"github.com/faktora/pool-engine/internal/yield"
)

var (
	// ErrInvalidPrincipal is returned when an allocation carries a
	// non-positive principal.
	ErrInvalidPrincipal = errors.New("funding: principal must be positive")

	// ErrInvalidAmount is returned when a repayment carries a non-positive
	// amount.
	ErrInvalidAmount = errors.New("funding: amount must be positive")

	// ErrNoActivePositions is returned when a repayment targets a pool
	// with nothing to distribute over. The caller must route the cash to a
	// suspense account — it cannot be allocated here.
	ErrNoActivePositions = errors.New("funding: no active positions in pool")

	// ErrPositionNotActive is returned when an operation requires an
	// active position but found it closed.
	ErrPositionNotActive = errors.New("funding: position is not active")

	// ErrUnauthorized is returned when a funder operates on a position
	// they do not own.
	ErrUnauthorized = errors.New("funding: position owned by another funder")
)

// Service handles pool, position, repayment, and redemption operations.
// Multi-step operations against one pool are serialized by a per-pool mutex
// (single-instance); the store layer's conditional updates keep counters
// consistent if a second instance is ever added.
type Service struct {
	store   store.Store
	limiter *exposure.Limiter
	settler settlement.Settler
	sink    audit.Sink
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a new funding service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *exposure.Limiter, settler settlement.Settler, sink audit.Sink, hub *WSHub) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		store:   st,
		limiter: limiter,
		settler: settler,
		sink:    sink,
		wsHub:   hub,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockKey serializes multi-step operations on one entity. Returns the
// unlock func.
func (s *Service) lockKey(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Service) lockPool(poolID string) func() {
	return s.lockKey("pool:" + poolID)
}

// lockFunder serializes a funder's allocations across pools: the aggregate
// exposure limit spans pools, so the check and the insert must not
// interleave with another allocation by the same funder. Always acquired
// after the pool lock.
func (s *Service) lockFunder(funderID string) func() {
	return s.lockKey("funder:" + funderID)
}

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for pool creation.
type CreatePoolRequest struct {
	TenorDays int             `json:"tenor_days"`
	APR       decimal.Decimal `json:"apr"` // annual rate as a fraction, e.g. 0.06
}

// AllocateRequest is the JSON body for POST /allocations.
type AllocateRequest struct {
	FunderID       string          `json:"funder_id"`
	TenorDays      int             `json:"tenor_days"`
	Principal      decimal.Decimal `json:"principal"`
	InvoiceRef     string          `json:"invoice_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// RepayRequest is the JSON body for POST /repayments.
type RepayRequest struct {
	TenorDays int             `json:"tenor_days"`
	Amount    decimal.Decimal `json:"amount"`
	Note      string          `json:"note,omitempty"`
}

// Distribution is one position's slice in a repayment response.
type Distribution struct {
	PositionID      string          `json:"position_id"`
	Amount          decimal.Decimal `json:"amount"`
	YieldPortion    decimal.Decimal `json:"yield_portion"`
	PrincipalReturn decimal.Decimal `json:"principal_return"`
	Closed          bool            `json:"closed"`
}

// RepayResponse is the JSON body returned from POST /repayments.
type RepayResponse struct {
	PoolID        string          `json:"pool_id"`
	TenorDays     int             `json:"tenor_days"`
	Total         decimal.Decimal `json:"total"`
	Distributions []Distribution  `json:"distributions"`
	ClosedCount   int             `json:"closed_count"`
}

// RedeemRequest is the JSON body for POST /redemptions.
type RedeemRequest struct {
	PositionID string `json:"position_id"`
	FunderID   string `json:"funder_id"`
}

// RedeemResponse is the JSON body returned from POST /redemptions.
type RedeemResponse struct {
	PositionID    string          `json:"position_id"`
	Principal     decimal.Decimal `json:"principal"`
	Yield         decimal.Decimal `json:"yield"`
	Total         decimal.Decimal `json:"total"`
	SettlementRef string          `json:"settlement_ref"`
}

// --- Pool handlers ---

// CreatePool handles POST /api/v1/pools
// Pools are created once per tenor bucket at system setup.
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}

	if req.TenorDays <= 0 {
		writeError(w, "invalid_amount", "tenor_days must be positive", http.StatusBadRequest)
		return
	}
	if req.APR.LessThanOrEqual(decimal.Zero) {
		writeError(w, "invalid_amount", "apr must be positive", http.StatusBadRequest)
		return
	}

	pool := &model.Pool{
		ID:        uuid.New().String(),
		TenorDays: req.TenorDays,
		APR:       req.APR,
		TVL:       decimal.Zero,
		Available: decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreatePool(r.Context(), pool); err != nil {
		if errors.Is(err, store.ErrDuplicateTenor) {
			writeError(w, "duplicate_tenor", err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "internal", err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("pool created",
		"id", pool.ID,
		"tenor_days", pool.TenorDays,
		"apr", pool.APR.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pool)
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools(r.Context())
	if err != nil {
		writeError(w, "internal", "failed to list pools", http.StatusInternalServerError)
		return
	}
	if pools == nil {
		pools = []model.Pool{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pools)
}

// GetPool handles GET /api/v1/pools/{tenorDays}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	tenor, err := strconv.Atoi(chi.URLParam(r, "tenorDays"))
	if err != nil {
		writeError(w, "bad_request", "tenorDays must be an integer", http.StatusBadRequest)
		return
	}

	pool, err := s.store.GetPoolByTenor(r.Context(), tenor)
	if err != nil {
		writeError(w, "pool_not_found", err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pool)
}

// GetPoolSnapshots handles GET /api/v1/pools/{tenorDays}/snapshots
// Returns the most recent accrual-cycle snapshots, newest first.
func (s *Service) GetPoolSnapshots(w http.ResponseWriter, r *http.Request) {
	tenor, err := strconv.Atoi(chi.URLParam(r, "tenorDays"))
	if err != nil {
		writeError(w, "bad_request", "tenorDays must be an integer", http.StatusBadRequest)
		return
	}

	pool, err := s.store.GetPoolByTenor(r.Context(), tenor)
	if err != nil {
		writeError(w, "pool_not_found", err.Error(), http.StatusNotFound)
		return
	}

	limit := 24
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	snaps, err := s.store.ListPoolSnapshots(r.Context(), pool.ID, limit)
	if err != nil {
		writeError(w, "internal", "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.PoolSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

// GetPoolLedger handles GET /api/v1/pools/{tenorDays}/ledger
// Returns all money movements against the pool, oldest first.
func (s *Service) GetPoolLedger(w http.ResponseWriter, r *http.Request) {
	tenor, err := strconv.Atoi(chi.URLParam(r, "tenorDays"))
	if err != nil {
		writeError(w, "bad_request", "tenorDays must be an integer", http.StatusBadRequest)
		return
	}

	pool, err := s.store.GetPoolByTenor(r.Context(), tenor)
	if err != nil {
		writeError(w, "pool_not_found", err.Error(), http.StatusNotFound)
		return
	}

	entries, err := s.store.ListLedgerByPool(r.Context(), pool.ID)
	if err != nil {
		writeError(w, "internal", "failed to list ledger entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// --- Allocation ---

// Allocate handles POST /api/v1/allocations
// Opens a position: computes expected yield, writes the capital-inflow
// ledger entry, and credits the pool's TVL and available liquidity.
// Deduplicates on the caller-supplied idempotency key: a replay returns the
// original position with 200 instead of creating a duplicate.
func (s *Service) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.FunderID == "" {
		writeError(w, "bad_request", "funder_id is required", http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, "bad_request", "idempotency_key is required", http.StatusBadRequest)
		return
	}
	if req.Principal.LessThanOrEqual(decimal.Zero) {
		writeError(w, "invalid_principal", ErrInvalidPrincipal.Error(), http.StatusBadRequest)
		return
	}
	if req.InvoiceRef != "" {
		if _, err := invoice.ParseRef(req.InvoiceRef); err != nil {
			writeError(w, "invalid_invoice_ref", err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()

	pool, err := s.store.GetPoolByTenor(ctx, req.TenorDays)
	if err != nil {
		writeError(w, "pool_not_found", err.Error(), http.StatusNotFound)
		return
	}

	unlock := s.lockPool(pool.ID)
	defer unlock()
	unlockFunder := s.lockFunder(req.FunderID)
	defer unlockFunder()

	// --- Exposure limit check ---
	exposures, err := s.store.GetFunderExposures(ctx, req.FunderID)
	if err != nil {
		writeError(w, "internal", "failed to check funding limits", http.StatusInternalServerError)
		return
	}
	if err := s.limiter.Check(pool.ID, req.Principal, exposures); err != nil {
		metrics.ExposureRejections.Inc()
		writeError(w, "exposure_limit", err.Error(), http.StatusConflict)
		return
	}

	expected := yield.Expected(req.Principal, pool.APR, pool.TenorDays)

	position := &model.Position{
		ID:             uuid.New().String(),
		FunderID:       req.FunderID,
		PoolID:         pool.ID,
		InvoiceRef:     req.InvoiceRef,
		Principal:      req.Principal,
		ExpectedYield:  expected,
		AccruedYield:   decimal.Zero,
		Status:         model.PositionActive,
		IdempotencyKey: req.IdempotencyKey,
		OpenedAt:       time.Now().UTC(),
	}

	// Position, ledger entry, and pool credit land together or not at all.
	var (
		created *model.Position
		fresh   bool
	)
	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		var txErr error
		created, fresh, txErr = tx.CreatePosition(ctx, position)
		if txErr != nil {
			return fmt.Errorf("create position: %w", txErr)
		}
		if !fresh {
			return nil
		}

		entry := &model.LedgerEntry{
			ID:       uuid.New().String(),
			FunderID: req.FunderID,
			PoolID:   pool.ID,
			RefType:  model.RefPosition,
			RefID:    created.ID,
			Amount:   req.Principal, // positive: capital inflow
			Metadata: model.EntryMetadata{
				Allocation: &model.AllocationMeta{
					TenorDays:     pool.TenorDays,
					ExpectedYield: expected,
					InvoiceRef:    req.InvoiceRef,
				},
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return fmt.Errorf("record allocation: %w", err)
		}
		return tx.ApplyAllocation(ctx, pool.ID, req.Principal)
	})
	if err != nil {
		slog.Error("allocation failed", "funder", req.FunderID, "err", err)
		writeError(w, "internal", "failed to create position", http.StatusInternalServerError)
		return
	}

	if !fresh {
		// Idempotency replay: at most one position per key.
		slog.Info("allocation replayed",
			"idempotency_key", req.IdempotencyKey,
			"position_id", created.ID,
		)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(created)
		return
	}

	metrics.AllocationsTotal.WithLabelValues(strconv.Itoa(pool.TenorDays)).Inc()
	s.refreshPoolGauges(ctx, pool.ID)

	slog.Info("position opened",
		"position_id", created.ID,
		"funder", req.FunderID,
		"tenor_days", pool.TenorDays,
		"principal", req.Principal.String(),
		"expected_yield", expected.String(),
	)

	s.sink.Record(audit.Event{
		Actor:    req.FunderID,
		Action:   "allocate",
		Entity:   "position",
		EntityID: created.ID,
		Metadata: map[string]any{
			"tenor_days": pool.TenorDays,
			"principal":  req.Principal.String(),
		},
	})

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_opened",
			PoolID:     pool.ID,
			TenorDays:  pool.TenorDays,
			PositionID: created.ID,
			Amount:     req.Principal.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

// --- Repayment distribution ---

// CreditRepayment handles POST /api/v1/repayments
// Splits a lump-sum repayment pro-rata across the pool's active positions,
// yield-first, closing positions whose yield is fully satisfied. The whole
// run operates on one snapshot of active positions taken under the pool
// lock.
func (s *Service) CreditRepayment(w http.ResponseWriter, r *http.Request) {
	var req RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "invalid_amount", ErrInvalidAmount.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	pool, err := s.store.GetPoolByTenor(ctx, req.TenorDays)
	if err != nil {
		writeError(w, "pool_not_found", err.Error(), http.StatusNotFound)
		return
	}

	unlock := s.lockPool(pool.ID)
	defer unlock()

	positions, err := s.store.ListActivePositions(ctx, pool.ID)
	if err != nil {
		writeError(w, "internal", "failed to load positions", http.StatusInternalServerError)
		return
	}
	if len(positions) == 0 {
		writeError(w, "no_active_positions", ErrNoActivePositions.Error(), http.StatusConflict)
		return
	}

	shares, err := yield.Distribute(req.Amount, positions)
	if err != nil {
		writeError(w, "internal", err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	distributions := make([]Distribution, 0, len(shares))
	closedCount := 0

	// The whole distribution runs to completion or not at all: a failure on
	// any position rolls back every update, entry, and the pool credit.
	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		for _, share := range shares {
			if share.Close {
				closed, err := tx.ClosePosition(ctx, share.Position.ID, share.NewAccrued, now)
				if err != nil {
					return fmt.Errorf("close position %s: %w", share.Position.ID, err)
				}
				if closed {
					closedCount++
				}
			} else {
				if err := tx.UpdateAccrued(ctx, share.Position.ID, share.NewAccrued); err != nil {
					return fmt.Errorf("update position %s: %w", share.Position.ID, err)
				}
			}

			entry := &model.LedgerEntry{
				ID:       uuid.New().String(),
				FunderID: share.Position.FunderID,
				PoolID:   pool.ID,
				RefType:  model.RefPosition,
				RefID:    share.Position.ID,
				Amount:   share.Amount,
				Note:     req.Note,
				Metadata: model.EntryMetadata{
					Distribution: &model.DistributionMeta{
						YieldPortion:    share.YieldPortion,
						PrincipalReturn: share.PrincipalReturn,
						Closed:          share.Close,
					},
				},
				CreatedAt: now,
			}
			if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
				return fmt.Errorf("record distribution for %s: %w", share.Position.ID, err)
			}

			distributions = append(distributions, Distribution{
				PositionID:      share.Position.ID,
				Amount:          share.Amount,
				YieldPortion:    share.YieldPortion,
				PrincipalReturn: share.PrincipalReturn,
				Closed:          share.Close,
			})
		}

		// Pool-level summary entry for the whole repayment.
		summary := &model.LedgerEntry{
			ID:      uuid.New().String(),
			PoolID:  pool.ID,
			RefType: model.RefRepayment,
			RefID:   pool.ID,
			Amount:  req.Amount,
			Note:    req.Note,
			Metadata: model.EntryMetadata{
				Repayment: &model.RepaymentMeta{
					TenorDays: pool.TenorDays,
					Positions: len(shares),
					Closed:    closedCount,
				},
			},
			CreatedAt: now,
		}
		if err := tx.InsertLedgerEntry(ctx, summary); err != nil {
			return fmt.Errorf("record repayment: %w", err)
		}

		// Repayment credits available liquidity only. TVL stays untouched:
		// committed capital leaves the pool at redemption, not here.
		return tx.CreditPool(ctx, pool.ID, req.Amount)
	})
	if err != nil {
		slog.Error("repayment distribution failed", "pool_id", pool.ID, "err", err)
		writeError(w, "internal", "failed to distribute repayment", http.StatusInternalServerError)
		return
	}

	metrics.RepaymentsTotal.WithLabelValues(strconv.Itoa(pool.TenorDays)).Inc()
	s.refreshPoolGauges(ctx, pool.ID)

	slog.Info("repayment distributed",
		"pool_id", pool.ID,
		"tenor_days", pool.TenorDays,
		"amount", req.Amount.String(),
		"positions", len(shares),
		"closed", closedCount,
	)

	s.sink.Record(audit.Event{
		Actor:    "platform",
		Action:   "credit_repayment",
		Entity:   "pool",
		EntityID: pool.ID,
		Metadata: map[string]any{
			"tenor_days": pool.TenorDays,
			"amount":     req.Amount.String(),
			"positions":  len(shares),
			"closed":     closedCount,
		},
	})

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "repayment_distributed",
			PoolID:    pool.ID,
			TenorDays: pool.TenorDays,
			Amount:    req.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RepayResponse{
		PoolID:        pool.ID,
		TenorDays:     pool.TenorDays,
		Total:         req.Amount,
		Distributions: distributions,
		ClosedCount:   closedCount,
	})
}

// --- Redemption ---

// Redeem handles POST /api/v1/redemptions
// Closes one active position on funder request, paying out principal +
// accrued yield. Bookkeeping is finalized only after the settlement
// collaborator confirms the transfer. Unlike repayment credits, redemption
// debits both TVL and available liquidity — the capital leaves the pool's
// committed base.
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad_request", "invalid request body", http.StatusBadRequest)
		return
	}

	if req.PositionID == "" || req.FunderID == "" {
		writeError(w, "bad_request", "position_id and funder_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	position, err := s.store.GetPosition(ctx, req.PositionID)
	if err != nil {
		writeError(w, "position_not_found", err.Error(), http.StatusNotFound)
		return
	}
	if position.FunderID != req.FunderID {
		writeError(w, "unauthorized", ErrUnauthorized.Error(), http.StatusForbidden)
		return
	}

	unlock := s.lockPool(position.PoolID)
	defer unlock()

	// Re-read under the pool lock: a concurrent distribution may have
	// closed the position while we waited.
	position, err = s.store.GetPosition(ctx, req.PositionID)
	if err != nil {
		writeError(w, "position_not_found", err.Error(), http.StatusNotFound)
		return
	}
	if !position.Active() {
		writeError(w, "position_not_active", ErrPositionNotActive.Error(), http.StatusConflict)
		return
	}

	pool, err := s.store.GetPool(ctx, position.PoolID)
	if err != nil {
		writeError(w, "internal", "failed to load pool", http.StatusInternalServerError)
		return
	}

	total := position.Principal.Add(position.AccruedYield)

	// Settle first: position state and ledger are only finalized once the
	// transfer is confirmed.
	ref, err := s.settler.Settle(ctx, settlement.TransferRequest{
		Kind:       settlement.KindRedemption,
		FunderID:   req.FunderID,
		PositionID: position.ID,
		Amount:     total,
	})
	if err != nil {
		metrics.SettlementFailures.Inc()
		if errors.Is(err, settlement.ErrUnavailable) {
			writeError(w, "settlement_unavailable", err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeError(w, "internal", "settlement failed", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()

	// Close, ledger entry, and pool debit commit together: a failure after
	// the close must not leave a closed position with no redemption record.
	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		closed, err := tx.ClosePosition(ctx, position.ID, position.AccruedYield, now)
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		if !closed {
			return ErrPositionNotActive
		}

		entry := &model.LedgerEntry{
			ID:            uuid.New().String(),
			FunderID:      req.FunderID,
			PoolID:        pool.ID,
			RefType:       model.RefPosition,
			RefID:         position.ID,
			Amount:        total,
			SettlementRef: ref,
			Metadata: model.EntryMetadata{
				Redemption: &model.RedemptionMeta{
					Principal: position.Principal,
					Yield:     position.AccruedYield,
				},
			},
			CreatedAt: now,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return fmt.Errorf("record redemption: %w", err)
		}

		return tx.ApplyRedemption(ctx, pool.ID, position.Principal)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrPositionNotActive):
			writeError(w, "position_not_active", ErrPositionNotActive.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrInsufficientLiquidity):
			writeError(w, "insufficient_liquidity", err.Error(), http.StatusConflict)
		default:
			slog.Error("redemption failed", "position_id", position.ID, "err", err)
			writeError(w, "internal", "failed to redeem position", http.StatusInternalServerError)
		}
		return
	}

	metrics.RedemptionsTotal.WithLabelValues(strconv.Itoa(pool.TenorDays)).Inc()
	s.refreshPoolGauges(ctx, pool.ID)

	slog.Info("position redeemed",
		"position_id", position.ID,
		"funder", req.FunderID,
		"principal", position.Principal.String(),
		"yield", position.AccruedYield.String(),
		"settlement_ref", ref,
	)

	s.sink.Record(audit.Event{
		Actor:    req.FunderID,
		Action:   "redeem",
		Entity:   "position",
		EntityID: position.ID,
		Metadata: map[string]any{
			"principal":      position.Principal.String(),
			"yield":          position.AccruedYield.String(),
			"settlement_ref": ref,
		},
	})

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_redeemed",
			PoolID:     pool.ID,
			TenorDays:  pool.TenorDays,
			PositionID: position.ID,
			Amount:     total.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RedeemResponse{
		PositionID:    position.ID,
		Principal:     position.Principal,
		Yield:         position.AccruedYield,
		Total:         total,
		SettlementRef: ref,
	})
}

// --- Position reads ---

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	position, err := s.store.GetPosition(r.Context(), positionID)
	if err != nil {
		writeError(w, "position_not_found", err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(position)
}

// GetPositionLedger handles GET /api/v1/positions/{positionID}/ledger
// Returns the position's full accrual/distribution/redemption history.
func (s *Service) GetPositionLedger(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	if _, err := s.store.GetPosition(r.Context(), positionID); err != nil {
		writeError(w, "position_not_found", err.Error(), http.StatusNotFound)
		return
	}

	entries, err := s.store.ListLedgerByPosition(r.Context(), positionID)
	if err != nil {
		writeError(w, "internal", "failed to list ledger entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetFunderPositions handles GET /api/v1/funders/{funderID}/positions
func (s *Service) GetFunderPositions(w http.ResponseWriter, r *http.Request) {
	funderID := chi.URLParam(r, "funderID")

	positions, err := s.store.ListPositionsByFunder(r.Context(), funderID)
	if err != nil {
		writeError(w, "internal", "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// refreshPoolGauges updates the TVL/available gauges from current state.
func (s *Service) refreshPoolGauges(ctx context.Context, poolID string) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return
	}
	tenor := strconv.Itoa(pool.TenorDays)
	metrics.PoolTVL.WithLabelValues(tenor).Set(pool.TVL.InexactFloat64())
	metrics.PoolAvailable.WithLabelValues(tenor).Set(pool.Available.InexactFloat64())
}

// writeError writes a JSON error response with a machine-readable kind so
// callers can tell "fix your input" from "cannot proceed as stated".
func writeError(w http.ResponseWriter, kind, detail string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "detail": detail})
}
