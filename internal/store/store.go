// Package store holds the collaborator state the vault acts on: pools and
// their backstops, wallet balances, collateral, debt, and the action journal.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// A Store is also the vault's unit of work: Begin opens a transaction whose
// collaborators mutate state that only becomes visible on Commit.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/vault"
)

var (
	// ErrRepayExceedsDebt is returned when a repayment is larger than the
	// outstanding debt in the pool.
	ErrRepayExceedsDebt = errors.New("store: repayment exceeds outstanding debt")

	// ErrTxDone is returned when a finished unit of work is used again.
	ErrTxDone = errors.New("store: unit of work already committed or aborted")

	// ErrCorruptAmount is returned when a stored amount does not parse as a
	// decimal.
	ErrCorruptAmount = errors.New("store: stored amount is not a decimal")
)

// Store is the persistence interface.
type Store interface {
	vault.UnitOfWork

	// GetAccount returns the user's holdings. Unknown users get an empty
	// account, not an error.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// GetActionRecords returns the user's action journal, oldest first.
	GetActionRecords(ctx context.Context, userID string) ([]model.ActionRecord, error)

	// ApplySeed upserts pools and accounts.
	ApplySeed(ctx context.Context, seed model.Seed) error
}

func emptyAccount(userID string) *model.Account {
	return &model.Account{
		UserID:     userID,
		PositionID: userID,
		Balances:   map[string]decimal.Decimal{},
		Collateral: map[string]decimal.Decimal{},
		Debt:       map[string]decimal.Decimal{},
	}
}

// claimPayout is the backstop payout rule shared by every store: the claim
// covers the user's debt in the pool, capped by the per-claim coverage and by
// what is left in the reserve. A zero coverage means no per-claim cap.
func claimPayout(b *model.Backstop, debt decimal.Decimal) decimal.Decimal {
	payout := decimal.Min(debt, b.Reserve)
	if b.Coverage.IsPositive() {
		payout = decimal.Min(payout, b.Coverage)
	}
	return payout
}
