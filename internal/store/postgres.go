package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/model"
)

// dbtx is the query surface shared by pgxpool.Pool and pgx.Tx, so every
// store method runs unchanged inside or outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Pool counters and position status are mutated with conditional UPDATE
// expressions so concurrent operations cannot lose updates.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// WithinTx runs fn against a store bound to a single transaction. An error
// from fn rolls the transaction back; nothing fn wrote survives.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction: run fn on the same binding.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&PostgresStore{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// --- Pool registry ---

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pools (id, tenor_days, apr, tvl, available, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		p.ID, p.TenorDays, p.APR.String(), p.TVL.String(), p.Available.String(), p.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %d days", ErrDuplicateTenor, p.TenorDays)
	}
	return err
}

const poolColumns = `id, tenor_days, apr::TEXT, tvl::TEXT, available::TEXT, last_accrued, created_at`

func scanPool(row pgx.Row) (*model.Pool, error) {
	var p model.Pool
	var apr, tvl, available string

	if err := row.Scan(&p.ID, &p.TenorDays, &apr, &tvl, &available, &p.LastAccrued, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.APR, _ = decimal.NewFromString(apr)
	p.TVL, _ = decimal.NewFromString(tvl)
	p.Available, _ = decimal.NewFromString(available)
	return &p, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	p, err := scanPool(s.db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPoolByTenor(ctx context.Context, tenorDays int) (*model.Pool, error) {
	p, err := scanPool(s.db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE tenor_days = $1`, tenorDays))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: tenor %d days", ErrPoolNotFound, tenorDays)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool for tenor %d: %w", tenorDays, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+poolColumns+` FROM pools ORDER BY tenor_days`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) CreditPool(ctx context.Context, poolID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE pools SET available = available + $2::NUMERIC WHERE id = $1`,
		poolID, amount.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return nil
}

func (s *PostgresStore) ApplyAllocation(ctx context.Context, poolID string, principal decimal.Decimal) error {
	if principal.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, principal)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE pools
		 SET tvl = tvl + $2::NUMERIC, available = available + $2::NUMERIC
		 WHERE id = $1`,
		poolID, principal.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return nil
}

func (s *PostgresStore) ApplyRedemption(ctx context.Context, poolID string, principal decimal.Decimal) error {
	if principal.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, principal)
	}

	// Conditional debit: the WHERE clause keeps both counters non-negative
	// under concurrent redemptions.
	tag, err := s.db.Exec(ctx,
		`UPDATE pools
		 SET tvl = tvl - $2::NUMERIC, available = available - $2::NUMERIC
		 WHERE id = $1 AND tvl >= $2::NUMERIC AND available >= $2::NUMERIC`,
		poolID, principal.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPool(ctx, poolID); err != nil {
			return err
		}
		return fmt.Errorf("%w: pool %s", ErrInsufficientLiquidity, poolID)
	}
	return nil
}

func (s *PostgresStore) ClaimAccrual(ctx context.Context, poolID string, runAt time.Time, minGap time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE pools SET last_accrued = $2
		 WHERE id = $1 AND (last_accrued IS NULL OR last_accrued <= $3)`,
		poolID, runAt, runAt.Add(-minGap),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Positions ---

const positionColumns = `id, funder_id, pool_id, invoice_ref,
	principal::TEXT, expected_yield::TEXT, accrued_yield::TEXT,
	status, idempotency_key, opened_at, closed_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var principal, expected, accrued string

	if err := row.Scan(&p.ID, &p.FunderID, &p.PoolID, &p.InvoiceRef,
		&principal, &expected, &accrued,
		&p.Status, &p.IdempotencyKey, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Principal, _ = decimal.NewFromString(principal)
	p.ExpectedYield, _ = decimal.NewFromString(expected)
	p.AccruedYield, _ = decimal.NewFromString(accrued)
	return &p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, pos *model.Position) (*model.Position, bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO positions
		   (id, funder_id, pool_id, invoice_ref, principal, expected_yield,
		    accrued_yield, status, idempotency_key, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		pos.ID, pos.FunderID, pos.PoolID, pos.InvoiceRef,
		pos.Principal.String(), pos.ExpectedYield.String(), pos.AccruedYield.String(),
		pos.Status, pos.IdempotencyKey, pos.OpenedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() > 0 {
		created := *pos
		return &created, true, nil
	}

	// Idempotency replay: return the position the original request created.
	existing, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE idempotency_key = $1`,
		pos.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup %s: %w", pos.IdempotencyKey, err)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, arg any) ([]model.Position, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListActivePositions(ctx context.Context, poolID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE pool_id = $1 AND status = 'active' ORDER BY opened_at`, poolID)
}

func (s *PostgresStore) ListPositionsByFunder(ctx context.Context, funderID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE funder_id = $1 ORDER BY opened_at`, funderID)
}

func (s *PostgresStore) UpdateAccrued(ctx context.Context, positionID string, accrued decimal.Decimal) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE positions SET accrued_yield = $2::NUMERIC
		 WHERE id = $1 AND status = 'active'`,
		positionID, accrued.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	return nil
}

func (s *PostgresStore) ClosePosition(ctx context.Context, positionID string, accrued decimal.Decimal, closedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE positions
		 SET status = 'closed', accrued_yield = $2::NUMERIC, closed_at = $3
		 WHERE id = $1 AND status = 'active'`,
		positionID, accrued.String(), closedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Already closed is a no-op; missing is an error.
	if _, err := s.GetPosition(ctx, positionID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) GetFunderExposures(ctx context.Context, funderID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT pool_id, COALESCE(SUM(principal), 0)::TEXT
		 FROM positions
		 WHERE funder_id = $1 AND status = 'active'
		 GROUP BY pool_id`, funderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var poolID, principalS string
		if err := rows.Scan(&poolID, &principalS); err != nil {
			return nil, err
		}
		principal, _ := decimal.NewFromString(principalS)
		exposures[poolID] = principal
	}
	return exposures, rows.Err()
}

// --- Immutable ledger ---

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal ledger metadata: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO ledger_entries
		   (id, funder_id, pool_id, ref_type, ref_id, amount, settlement_ref, note, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9::JSONB, $10)`,
		e.ID, e.FunderID, e.PoolID, e.RefType, e.RefID,
		e.Amount.String(), e.SettlementRef, e.Note, meta, e.CreatedAt,
	)
	return err
}

const ledgerColumns = `id, funder_id, pool_id, ref_type, ref_id,
	amount::TEXT, settlement_ref, note, metadata, created_at`

func (s *PostgresStore) listLedger(ctx context.Context, query string, arg any) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS string
		var meta []byte

		if err := rows.Scan(&e.ID, &e.FunderID, &e.PoolID, &e.RefType, &e.RefID,
			&amountS, &e.SettlementRef, &e.Note, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		if len(meta) > 0 {
			json.Unmarshal(meta, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListLedgerByPool(ctx context.Context, poolID string) ([]model.LedgerEntry, error) {
	return s.listLedger(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE pool_id = $1 ORDER BY created_at`, poolID)
}

func (s *PostgresStore) ListLedgerByPosition(ctx context.Context, positionID string) ([]model.LedgerEntry, error) {
	return s.listLedger(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE ref_type = 'position' AND ref_id = $1 ORDER BY created_at`, positionID)
}

// --- Snapshots ---

func (s *PostgresStore) InsertPoolSnapshot(ctx context.Context, snap *model.PoolSnapshot) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO pool_snapshots (id, pool_id, tenor_days, tvl, available, taken_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		snap.ID, snap.PoolID, snap.TenorDays,
		snap.TVL.String(), snap.Available.String(), snap.TakenAt,
	)
	return err
}

func (s *PostgresStore) ListPoolSnapshots(ctx context.Context, poolID string, limit int) ([]model.PoolSnapshot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, pool_id, tenor_days, tvl::TEXT, available::TEXT, taken_at
		 FROM pool_snapshots WHERE pool_id = $1
		 ORDER BY taken_at DESC LIMIT $2`, poolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PoolSnapshot
	for rows.Next() {
		var sn model.PoolSnapshot
		var tvl, available string
		if err := rows.Scan(&sn.ID, &sn.PoolID, &sn.TenorDays, &tvl, &available, &sn.TakenAt); err != nil {
			return nil, err
		}
		sn.TVL, _ = decimal.NewFromString(tvl)
		sn.Available, _ = decimal.NewFromString(available)
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}
