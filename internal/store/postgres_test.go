package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/store"
	"github.com/blendguard/safety-vault/internal/vault"
)

// newPostgres connects to DATABASE_URL and resets the schema. Tests using it
// are skipped when no database is configured.
func newPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS action_records, pool_custody, debts, collateral, wallet_balances, accounts, pools`)
	require.NoError(t, err)

	ps := store.NewPostgresStore(pool)
	require.NoError(t, ps.Migrate(ctx))
	require.NoError(t, ps.ApplySeed(ctx, testSeed))
	return ps
}

func TestPostgresStore_SeedAndRead(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()

	a, err := ps.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "XLM-123", a.PositionID)
	require.True(t, a.Balances["USDC"].Equal(d(2000)))
	require.True(t, a.Collateral["pool-usdc"].Equal(d(10000)))
	require.True(t, a.Debt["pool-usdc-b"].Equal(d(8000)))

	pools, err := ps.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 3)
	require.NotNil(t, pools[0].Backstop)

	_, err = ps.GetPool(ctx, "missing")
	require.ErrorIs(t, err, vault.ErrPoolNotFound)
}

func TestPostgresStore_CommitAndAbort(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()

	w, err := ps.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, w.Ledger().Transfer(ctx, "alice", "pool-usdc", "USDC", d(500)))
	require.NoError(t, w.Pool().Supply(ctx, "alice", "pool-usdc", d(500)))
	require.NoError(t, w.Abort(ctx))

	a, _ := ps.GetAccount(ctx, "alice")
	require.True(t, a.Balances["USDC"].Equal(d(2000)), "aborted transfer rolled back")

	w, err = ps.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, w.Ledger().Transfer(ctx, "alice", "pool-usdc", "USDC", d(500)))
	require.NoError(t, w.Pool().Supply(ctx, "alice", "pool-usdc", d(500)))
	require.NoError(t, w.Pool().Repay(ctx, "alice", "pool-usdc-b", "USDC", d(100)))
	require.NoError(t, w.Record(ctx, model.ActionRecord{ID: "r1", BatchID: 1, UserID: "alice", Kind: model.KindTopUpCollateral, Amount: d(500)}))
	require.NoError(t, w.Commit(ctx))
	require.ErrorIs(t, w.Commit(ctx), store.ErrTxDone)

	a, _ = ps.GetAccount(ctx, "alice")
	require.True(t, a.Balances["USDC"].Equal(d(1500)))
	require.True(t, a.Collateral["pool-usdc"].Equal(d(10500)))
	require.True(t, a.Debt["pool-usdc-b"].Equal(d(7900)))

	recs, err := ps.GetActionRecords(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Amount.Equal(d(500)))
}

func TestPostgresStore_CollaboratorErrors(t *testing.T) {
	ps := newPostgres(t)
	ctx := context.Background()

	w, err := ps.Begin(ctx, "alice")
	require.NoError(t, err)
	defer w.Abort(ctx)

	require.ErrorIs(t, w.Ledger().Transfer(ctx, "alice", "pool-usdc", "USDC", d(2001)), vault.ErrInsufficientBalance)
	require.ErrorIs(t, w.Pool().Repay(ctx, "alice", "pool-usdc-b", "USDC", d(8001)), store.ErrRepayExceedsDebt)

	_, err = w.Backstop().Claim(ctx, "alice", "pool-usdc")
	require.ErrorIs(t, err, vault.ErrInsuranceClaimFailed)

	_, err = w.Backstop().Claim(ctx, "alice", "pool-xlm")
	require.ErrorIs(t, err, vault.ErrPoolNotFound)

	id, ok, err := w.Pool().PoolForAsset(ctx, "USDC")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pool-usdc-b", id)
}
