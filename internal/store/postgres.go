package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/vault"
)

// Schema creates the tables PostgresStore uses. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	id                TEXT PRIMARY KEY,
	asset             TEXT NOT NULL,
	backstop_reserve  NUMERIC,
	backstop_coverage NUMERIC
);
CREATE INDEX IF NOT EXISTS pools_asset_idx ON pools (asset);

CREATE TABLE IF NOT EXISTS accounts (
	user_id     TEXT PRIMARY KEY,
	position_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_balances (
	user_id TEXT NOT NULL,
	asset   TEXT NOT NULL,
	amount  NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, asset)
);

CREATE TABLE IF NOT EXISTS collateral (
	user_id TEXT NOT NULL,
	pool_id TEXT NOT NULL REFERENCES pools (id),
	amount  NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, pool_id)
);

CREATE TABLE IF NOT EXISTS debts (
	user_id TEXT NOT NULL,
	pool_id TEXT NOT NULL REFERENCES pools (id),
	amount  NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, pool_id)
);

CREATE TABLE IF NOT EXISTS pool_custody (
	pool_id TEXT PRIMARY KEY,
	amount  NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS action_records (
	id        TEXT PRIMARY KEY,
	batch_id  BIGINT NOT NULL,
	seq       INT NOT NULL,
	user_id   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	pool_id   TEXT NOT NULL DEFAULT '',
	asset     TEXT NOT NULL DEFAULT '',
	amount    NUMERIC NOT NULL,
	payout    NUMERIC NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS action_records_user_idx ON action_records (user_id, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct := emptyAccount(userID)

	err := s.pool.QueryRow(ctx,
		`SELECT position_id FROM accounts WHERE user_id = $1`, userID).
		Scan(&acct.PositionID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	for _, q := range []struct {
		sql string
		dst map[string]decimal.Decimal
	}{
		{`SELECT asset, amount::TEXT FROM wallet_balances WHERE user_id = $1`, acct.Balances},
		{`SELECT pool_id, amount::TEXT FROM collateral WHERE user_id = $1`, acct.Collateral},
		{`SELECT pool_id, amount::TEXT FROM debts WHERE user_id = $1`, acct.Debt},
	} {
		if err := s.scanAmounts(ctx, q.dst, q.sql, userID); err != nil {
			return nil, fmt.Errorf("get account %s: %w", userID, err)
		}
	}
	return acct, nil
}

func (s *PostgresStore) scanAmounts(ctx context.Context, dst map[string]decimal.Decimal, sql string, args ...any) error {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, amountS string
		if err := rows.Scan(&key, &amountS); err != nil {
			return err
		}
		amount, err := parseNumeric(amountS)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst[key] = amount
	}
	return rows.Err()
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	var p model.Pool
	var reserve, coverage *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, asset, backstop_reserve::TEXT, backstop_coverage::TEXT
		 FROM pools WHERE id = $1`, id).
		Scan(&p.ID, &p.Asset, &reserve, &coverage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", vault.ErrPoolNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	if p.Backstop, err = parseBackstop(reserve, coverage); err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset, backstop_reserve::TEXT, backstop_coverage::TEXT
		 FROM pools ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		var p model.Pool
		var reserve, coverage *string
		if err := rows.Scan(&p.ID, &p.Asset, &reserve, &coverage); err != nil {
			return nil, err
		}
		backstop, err := parseBackstop(reserve, coverage)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.ID, err)
		}
		p.Backstop = backstop
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetActionRecords(ctx context.Context, userID string) ([]model.ActionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, seq, user_id, kind, pool_id, asset,
		        amount::TEXT, payout::TEXT, timestamp
		 FROM action_records WHERE user_id = $1
		 ORDER BY timestamp, batch_id, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ActionRecord
	for rows.Next() {
		var r model.ActionRecord
		var kind, amountS, payoutS string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Seq, &r.UserID, &kind, &r.PoolID, &r.Asset,
			&amountS, &payoutS, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Kind = model.ActionKind(kind)
		var err error
		if r.Amount, err = parseNumeric(amountS); err != nil {
			return nil, fmt.Errorf("action record %s amount: %w", r.ID, err)
		}
		if r.Payout, err = parseNumeric(payoutS); err != nil {
			return nil, fmt.Errorf("action record %s payout: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) ApplySeed(ctx context.Context, seed model.Seed) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, sp := range seed.Pools {
			p, err := sp.ToPool()
			if err != nil {
				return fmt.Errorf("seed pool %s: %w", sp.ID, err)
			}
			var reserve, coverage *string
			if p.Backstop != nil {
				r, c := p.Backstop.Reserve.String(), p.Backstop.Coverage.String()
				reserve, coverage = &r, &c
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO pools (id, asset, backstop_reserve, backstop_coverage)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
				 ON CONFLICT (id) DO UPDATE
				 SET asset = EXCLUDED.asset,
				     backstop_reserve = EXCLUDED.backstop_reserve,
				     backstop_coverage = EXCLUDED.backstop_coverage`,
				p.ID, p.Asset, reserve, coverage); err != nil {
				return fmt.Errorf("seed pool %s: %w", p.ID, err)
			}
		}

		for _, sa := range seed.Accounts {
			a, err := sa.ToAccount()
			if err != nil {
				return fmt.Errorf("seed account %s: %w", sa.UserID, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO accounts (user_id, position_id) VALUES ($1, $2)
				 ON CONFLICT (user_id) DO UPDATE SET position_id = EXCLUDED.position_id`,
				a.UserID, a.PositionID); err != nil {
				return fmt.Errorf("seed account %s: %w", a.UserID, err)
			}
			for table, amounts := range map[string]map[string]decimal.Decimal{
				"wallet_balances": a.Balances,
				"collateral":      a.Collateral,
				"debts":           a.Debt,
			} {
				for key, amount := range amounts {
					if err := upsertAmount(ctx, tx, table, a.UserID, key, amount); err != nil {
						return fmt.Errorf("seed account %s: %w", a.UserID, err)
					}
				}
			}
		}
		return nil
	})
}

// upsertAmount sets an amount row in one of the per-user amount tables.
func upsertAmount(ctx context.Context, tx pgx.Tx, table, userID, key string, amount decimal.Decimal) error {
	keyCol := "pool_id"
	if table == "wallet_balances" {
		keyCol = "asset"
	}
	sql := fmt.Sprintf(
		`INSERT INTO %[1]s (user_id, %[2]s, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, %[2]s) DO UPDATE SET amount = EXCLUDED.amount`,
		table, keyCol)
	_, err := tx.Exec(ctx, sql, userID, key, amount.String())
	return err
}

// Begin opens a database transaction for user. A transaction-scoped
// advisory lock on the user serializes batches for the same user across
// service instances.
func (s *PostgresStore) Begin(ctx context.Context, user string) (vault.Work, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, user); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("lock user %s: %w", user, err)
	}
	return &postgresTx{tx: tx, user: user}, nil
}

// postgresTx is an open unit of work backed by a pgx transaction.
type postgresTx struct {
	tx   pgx.Tx
	user string
}

func (t *postgresTx) Pool() vault.LendingPool { return t }
func (t *postgresTx) Ledger() vault.TokenLedger { return t }
func (t *postgresTx) Backstop() vault.Backstop { return t }

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *postgresTx) Abort(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *postgresTx) Record(ctx context.Context, r model.ActionRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO action_records (id, batch_id, seq, user_id, kind, pool_id, asset, amount, payout, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
		r.ID, r.BatchID, r.Seq, r.UserID, string(r.Kind), r.PoolID, r.Asset,
		r.Amount.String(), r.Payout.String(), r.Timestamp,
	)
	return err
}

// --- LendingPool ---

func (t *postgresTx) PoolExists(ctx context.Context, pool string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pools WHERE id = $1)`, pool).Scan(&exists)
	return exists, err
}

func (t *postgresTx) PoolAsset(ctx context.Context, pool string) (string, error) {
	var asset string
	err := t.tx.QueryRow(ctx, `SELECT asset FROM pools WHERE id = $1`, pool).Scan(&asset)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", vault.ErrPoolNotFound, pool)
	}
	return asset, err
}

// PoolForAsset prefers a pool where the user actually owes asset, then the
// lowest pool ID.
func (t *postgresTx) PoolForAsset(ctx context.Context, asset string) (string, bool, error) {
	var id string
	err := t.tx.QueryRow(ctx,
		`SELECT p.id
		 FROM pools p
		 LEFT JOIN debts d ON d.pool_id = p.id AND d.user_id = $2
		 WHERE p.asset = $1
		 ORDER BY (COALESCE(d.amount, 0) > 0) DESC, p.id
		 LIMIT 1`, asset, t.user).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (t *postgresTx) Supply(ctx context.Context, user, pool string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO collateral (user_id, pool_id, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, pool_id) DO UPDATE SET amount = collateral.amount + EXCLUDED.amount`,
		user, pool, amount.String())
	return err
}

func (t *postgresTx) Repay(ctx context.Context, user, pool, _ string, amount decimal.Decimal) error {
	debt, err := t.lockedAmount(ctx,
		`SELECT amount::TEXT FROM debts WHERE user_id = $1 AND pool_id = $2 FOR UPDATE`, user, pool)
	if err != nil {
		return err
	}
	if amount.GreaterThan(debt) {
		return fmt.Errorf("%w: owe %s in %s, repaying %s", ErrRepayExceedsDebt, debt, pool, amount)
	}
	_, err = t.tx.Exec(ctx,
		`UPDATE debts SET amount = amount - $3::NUMERIC WHERE user_id = $1 AND pool_id = $2`,
		user, pool, amount.String())
	return err
}

// --- TokenLedger ---

func (t *postgresTx) Balance(ctx context.Context, user, asset string) (decimal.Decimal, error) {
	return t.lockedAmount(ctx,
		`SELECT amount::TEXT FROM wallet_balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`, user, asset)
}

func (t *postgresTx) Transfer(ctx context.Context, user, target, asset string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallet_balances SET amount = amount - $3::NUMERIC
		 WHERE user_id = $1 AND asset = $2 AND amount >= $3::NUMERIC`,
		user, asset, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: need %s %s", vault.ErrInsufficientBalance, amount, asset)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO pool_custody (pool_id, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (pool_id) DO UPDATE SET amount = pool_custody.amount + EXCLUDED.amount`,
		target, amount.String())
	return err
}

// --- Backstop ---

func (t *postgresTx) Claim(ctx context.Context, user, pool string) (decimal.Decimal, error) {
	var asset string
	var reserveS, coverageS *string
	err := t.tx.QueryRow(ctx,
		`SELECT asset, backstop_reserve::TEXT, backstop_coverage::TEXT
		 FROM pools WHERE id = $1 FOR UPDATE`, pool).
		Scan(&asset, &reserveS, &coverageS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", vault.ErrPoolNotFound, pool)
	}
	if err != nil {
		return decimal.Zero, err
	}
	backstop, err := parseBackstop(reserveS, coverageS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool %s: %w", pool, err)
	}
	if backstop == nil {
		return decimal.Zero, fmt.Errorf("%w: pool %s has no backstop", vault.ErrPoolNotFound, pool)
	}

	debt, err := t.lockedAmount(ctx,
		`SELECT amount::TEXT FROM debts WHERE user_id = $1 AND pool_id = $2 FOR UPDATE`, user, pool)
	if err != nil {
		return decimal.Zero, err
	}
	if !debt.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no debt in %s to cover", vault.ErrInsuranceClaimFailed, pool)
	}
	if !backstop.Reserve.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: backstop reserve for %s is exhausted", vault.ErrInsuranceClaimFailed, pool)
	}

	payout := claimPayout(backstop, debt)
	if _, err := t.tx.Exec(ctx,
		`UPDATE pools SET backstop_reserve = backstop_reserve - $2::NUMERIC WHERE id = $1`,
		pool, payout.String()); err != nil {
		return decimal.Zero, err
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO wallet_balances (user_id, asset, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, asset) DO UPDATE SET amount = wallet_balances.amount + EXCLUDED.amount`,
		user, asset, payout.String()); err != nil {
		return decimal.Zero, err
	}
	return payout, nil
}

// lockedAmount reads a single NUMERIC column; a missing row reads as zero.
func (t *postgresTx) lockedAmount(ctx context.Context, sql string, args ...any) (decimal.Decimal, error) {
	var s string
	err := t.tx.QueryRow(ctx, sql, args...).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseNumeric(s)
}

// parseNumeric decodes a NUMERIC column read as text.
func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrCorruptAmount, s)
	}
	return d, nil
}

// parseBackstop returns nil for a pool without a backstop reserve.
func parseBackstop(reserve, coverage *string) (*model.Backstop, error) {
	if reserve == nil {
		return nil, nil
	}
	var (
		b   model.Backstop
		err error
	)
	if b.Reserve, err = parseNumeric(*reserve); err != nil {
		return nil, fmt.Errorf("backstop reserve: %w", err)
	}
	if coverage != nil {
		if b.Coverage, err = parseNumeric(*coverage); err != nil {
			return nil, fmt.Errorf("backstop coverage: %w", err)
		}
	}
	return &b, nil
}
