package vault

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
)

// PositionOracle values a user's position. How LTV and health factor are
// computed is the oracle's business, not the executor's.
type PositionOracle interface {
	// LTVBasisPoints returns the current loan-to-value ratio in basis points.
	LTVBasisPoints(ctx context.Context, user string) (uint32, error)

	// Position returns a full snapshot of the user's position.
	Position(ctx context.Context, user string) (model.Position, error)
}

// LendingPool is the pool side of collateral and debt accounting.
// Errors wrap ErrPoolNotFound or ErrInsufficientBalance where they apply.
type LendingPool interface {
	PoolExists(ctx context.Context, pool string) (bool, error)

	// PoolAsset returns the asset a pool lends and accepts as collateral.
	PoolAsset(ctx context.Context, pool string) (string, error)

	// PoolForAsset finds the pool holding debt in asset.
	PoolForAsset(ctx context.Context, asset string) (pool string, ok bool, err error)

	// Supply credits amount to the user's collateral in pool.
	Supply(ctx context.Context, user, pool string, amount decimal.Decimal) error

	// Repay reduces the user's debt in pool by amount.
	Repay(ctx context.Context, user, pool, asset string, amount decimal.Decimal) error
}

// TokenLedger holds user wallet balances.
type TokenLedger interface {
	Balance(ctx context.Context, user, asset string) (decimal.Decimal, error)

	// Transfer moves amount of asset from the user's wallet into target's custody.
	Transfer(ctx context.Context, user, target, asset string, amount decimal.Decimal) error
}

// Backstop pays insurance claims out of the reserve bound to a pool.
type Backstop interface {
	// Claim pays out to the user and returns the payout. A declined claim
	// wraps ErrInsuranceClaimFailed; a pool without a backstop wraps
	// ErrPoolNotFound.
	Claim(ctx context.Context, user, pool string) (decimal.Decimal, error)
}

// UnitOfWork opens the atomic scope a batch runs in.
type UnitOfWork interface {
	Begin(ctx context.Context, user string) (Work, error)
}

// Work is an open unit of work. Every mutation made through its
// collaborators, and every recorded journal row, is undone by Abort.
// After Commit or Abort the Work must not be used again.
type Work interface {
	Pool() LendingPool
	Ledger() TokenLedger
	Backstop() Backstop
	Record(ctx context.Context, rec model.ActionRecord) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}
