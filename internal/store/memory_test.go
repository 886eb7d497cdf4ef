package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/store"
	"github.com/blendguard/safety-vault/internal/vault"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

var testSeed = model.Seed{
	Pools: []model.SeedPool{
		{ID: "pool-usdc", Asset: "USDC", BackstopReserve: "5000", BackstopCoverage: "1000"},
		{ID: "pool-usdc-b", Asset: "USDC"},
		{ID: "pool-xlm", Asset: "XLM"},
	},
	Accounts: []model.SeedAccount{{
		UserID:     "alice",
		PositionID: "XLM-123",
		Balances:   map[string]string{"USDC": "2000"},
		Collateral: map[string]string{"pool-usdc": "10000"},
		Debt:       map[string]string{"pool-usdc-b": "8000"},
	}},
}

func newSeeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.ApplySeed(context.Background(), testSeed))
	return ms
}

func TestMemoryStore_ApplySeed(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	pools, err := ms.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 3)
	require.Equal(t, "pool-usdc", pools[0].ID)
	require.NotNil(t, pools[0].Backstop)
	require.Nil(t, pools[2].Backstop)

	a, err := ms.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "XLM-123", a.PositionID)
	require.True(t, a.Balances["USDC"].Equal(d(2000)))
}

func TestMemoryStore_ApplySeedRejectsBadAmount(t *testing.T) {
	ms := store.NewMemoryStore()
	err := ms.ApplySeed(context.Background(), model.Seed{
		Pools: []model.SeedPool{{ID: "p", Asset: "USDC", BackstopReserve: "lots"}},
	})
	require.Error(t, err)

	pools, err := ms.ListPools(context.Background())
	require.NoError(t, err)
	require.Empty(t, pools, "nothing applied")
}

func TestMemoryStore_UnknownUserGetsEmptyAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	a, err := ms.GetAccount(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, "nobody", a.PositionID)
	require.True(t, a.TotalDebt().IsZero())
}

func TestMemoryStore_GetPoolNotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := ms.GetPool(context.Background(), "missing")
	require.ErrorIs(t, err, vault.ErrPoolNotFound)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	a, err := ms.GetAccount(ctx, "alice")
	require.NoError(t, err)
	a.Balances["USDC"] = d(1)

	p, err := ms.GetPool(ctx, "pool-usdc")
	require.NoError(t, err)
	p.Backstop.Reserve = d(1)

	a2, _ := ms.GetAccount(ctx, "alice")
	p2, _ := ms.GetPool(ctx, "pool-usdc")
	require.True(t, a2.Balances["USDC"].Equal(d(2000)))
	require.True(t, p2.Backstop.Reserve.Equal(d(5000)))
}

func TestMemoryStore_CommitPublishesChanges(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, w.Ledger().Transfer(ctx, "alice", "pool-usdc", "USDC", d(500)))
	require.NoError(t, w.Pool().Supply(ctx, "alice", "pool-usdc", d(500)))
	require.NoError(t, w.Record(ctx, model.ActionRecord{ID: "r1", UserID: "alice", Kind: model.KindTopUpCollateral}))
	require.NoError(t, w.Commit(ctx))

	a, _ := ms.GetAccount(ctx, "alice")
	require.True(t, a.Balances["USDC"].Equal(d(1500)))
	require.True(t, a.Collateral["pool-usdc"].Equal(d(10500)))
	require.True(t, ms.Custody("pool-usdc").Equal(d(500)))

	recs, _ := ms.GetActionRecords(ctx, "alice")
	require.Len(t, recs, 1)
}

func TestMemoryStore_AbortUndoesEverything(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()
	before, _ := ms.GetAccount(ctx, "alice")

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, w.Ledger().Transfer(ctx, "alice", "pool-usdc", "USDC", d(500)))
	require.NoError(t, w.Pool().Supply(ctx, "alice", "pool-usdc", d(500)))
	require.NoError(t, w.Pool().Supply(ctx, "alice", "pool-xlm", d(5)))
	payout, err := w.Backstop().Claim(ctx, "alice", "pool-usdc-b")
	require.ErrorIs(t, err, vault.ErrPoolNotFound) // no backstop on pool-usdc-b
	require.True(t, payout.IsZero())
	require.NoError(t, w.Pool().Supply(ctx, "newcomer", "pool-usdc", d(1)))
	require.NoError(t, w.Record(ctx, model.ActionRecord{ID: "r1", UserID: "alice"}))
	require.NoError(t, w.Abort(ctx))

	after, _ := ms.GetAccount(ctx, "alice")
	require.Equal(t, before, after)
	require.True(t, ms.Custody("pool-usdc").IsZero())

	recs, _ := ms.GetActionRecords(ctx, "alice")
	require.Empty(t, recs)

	// The account created inside the aborted work is gone.
	n, _ := ms.GetAccount(ctx, "newcomer")
	require.Empty(t, n.Collateral)
}

func TestMemoryStore_WorkUnusableAfterFinish(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))

	require.ErrorIs(t, w.Commit(ctx), store.ErrTxDone)
	require.ErrorIs(t, w.Abort(ctx), store.ErrTxDone)
	_, err = w.Ledger().Balance(ctx, "alice", "USDC")
	require.ErrorIs(t, err, store.ErrTxDone)
}

func TestMemoryStore_BeginSerializesWork(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)

	started := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		close(started)
		w2, err := ms.Begin(ctx, "bob")
		if err == nil {
			close(acquired)
			w2.Abort(ctx)
		}
	}()

	<-started
	select {
	case <-acquired:
		t.Fatal("second unit of work began while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.Commit(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second unit of work never began")
	}
}

func TestMemoryStore_PoolForAssetPrefersPoolWithDebt(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	defer w.Abort(ctx)

	// pool-usdc sorts first, but alice owes in pool-usdc-b.
	id, ok, err := w.Pool().PoolForAsset(ctx, "USDC")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pool-usdc-b", id)

	_, ok, err = w.Pool().PoolForAsset(ctx, "DOGE")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStore_ClaimPayoutRules(t *testing.T) {
	tests := []struct {
		name     string
		reserve  int64
		coverage int64
		debt     int64
		want     int64
	}{
		{"capped by coverage", 5000, 1000, 8000, 1000},
		{"capped by debt", 5000, 1000, 300, 300},
		{"capped by reserve", 200, 1000, 8000, 200},
		{"zero coverage is uncapped", 5000, 0, 3000, 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMemoryStore()
			ms.PutPool(model.Pool{ID: "p", Asset: "USDC", Backstop: &model.Backstop{Reserve: d(tt.reserve), Coverage: d(tt.coverage)}})
			ms.PutAccount(model.Account{
				UserID: "u",
				Debt:   map[string]decimal.Decimal{"p": d(tt.debt)},
			})
			ctx := context.Background()

			w, err := ms.Begin(ctx, "u")
			require.NoError(t, err)
			payout, err := w.Backstop().Claim(ctx, "u", "p")
			require.NoError(t, err)
			require.NoError(t, w.Commit(ctx))

			require.True(t, payout.Equal(d(tt.want)), "payout %s", payout)
			a, _ := ms.GetAccount(ctx, "u")
			require.True(t, a.Balances["USDC"].Equal(d(tt.want)))
			p, _ := ms.GetPool(ctx, "p")
			require.True(t, p.Backstop.Reserve.Equal(d(tt.reserve-tt.want)))
		})
	}
}

func TestMemoryStore_ClaimDeclined(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	defer w.Abort(ctx)

	// alice has no debt in pool-usdc.
	_, err = w.Backstop().Claim(ctx, "alice", "pool-usdc")
	require.ErrorIs(t, err, vault.ErrInsuranceClaimFailed)
}

func TestMemoryStore_RepayBounds(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	defer w.Abort(ctx)

	require.ErrorIs(t, w.Pool().Repay(ctx, "alice", "pool-usdc-b", "USDC", d(8001)), store.ErrRepayExceedsDebt)
	require.NoError(t, w.Pool().Repay(ctx, "alice", "pool-usdc-b", "USDC", d(8000)))
	require.ErrorIs(t, w.Pool().Repay(ctx, "alice", "missing", "USDC", d(1)), vault.ErrPoolNotFound)
}

func TestMemoryStore_TransferInsufficient(t *testing.T) {
	ms := newSeeded(t)
	ctx := context.Background()

	w, err := ms.Begin(ctx, "alice")
	require.NoError(t, err)
	defer w.Abort(ctx)

	err = w.Ledger().Transfer(ctx, "alice", "pool-usdc", "USDC", d(2001))
	require.ErrorIs(t, err, vault.ErrInsufficientBalance)
}
