// Package oracle values user positions for the vault.
//
// The valuation formula is not the vault's concern. Ledger derives LTV and
// health factor from stored holdings through a pluggable Valuator; Static
// reports fixed values and stands in when no real valuation is wired.
package oracle

import (
	"context"
	"math"

	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
)

// MaxHealthFactor is reported for a position with no debt.
const MaxHealthFactor model.BasisPoints = math.MaxInt64

// Valuator turns aggregate collateral and debt into LTV and health factor,
// both in basis points.
type Valuator interface {
	Value(collateral, debt decimal.Decimal) (ltv, healthFactor model.BasisPoints)
}

// RatioValuator values collateral and debt one-to-one in a single unit of
// account:
//
//	ltv          = debt / collateral
//	healthFactor = collateral × liquidationThreshold / debt
//
// Both are truncated to whole basis points and saturate at MaxInt64 rather
// than wrapping.
type RatioValuator struct {
	// LiquidationThreshold is the share of collateral value that counts
	// towards borrowing capacity.
	LiquidationThreshold model.BasisPoints
}

var (
	bpsScale = decimal.NewFromInt(int64(model.BasisPointsScale))
	maxBps   = decimal.NewFromInt(math.MaxInt64)
)

func (v RatioValuator) Value(collateral, debt decimal.Decimal) (model.BasisPoints, model.BasisPoints) {
	if !debt.IsPositive() {
		return 0, MaxHealthFactor
	}
	if !collateral.IsPositive() {
		return model.BasisPoints(math.MaxUint32), 0
	}
	ltv := debt.Mul(bpsScale).Div(collateral).Truncate(0)
	hf := collateral.Mul(decimal.NewFromInt(int64(v.LiquidationThreshold))).Div(debt).Truncate(0)
	return saturate(ltv), saturate(hf)
}

func saturate(v decimal.Decimal) model.BasisPoints {
	if v.GreaterThan(maxBps) {
		return MaxHealthFactor
	}
	return model.BasisPoints(v.IntPart())
}

// AccountReader is the slice of the store the ledger oracle reads.
type AccountReader interface {
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
}

// Ledger derives positions from the holdings in the store.
type Ledger struct {
	accounts AccountReader
	valuator Valuator
}

// NewLedger creates a ledger oracle.
func NewLedger(accounts AccountReader, valuator Valuator) *Ledger {
	return &Ledger{accounts: accounts, valuator: valuator}
}

func (o *Ledger) LTVBasisPoints(ctx context.Context, user string) (uint32, error) {
	pos, err := o.Position(ctx, user)
	if err != nil {
		return 0, err
	}
	return clampUint32(pos.LTV), nil
}

func (o *Ledger) Position(ctx context.Context, user string) (model.Position, error) {
	acct, err := o.accounts.GetAccount(ctx, user)
	if err != nil {
		return model.Position{}, err
	}
	collateral := acct.TotalCollateral()
	debt := acct.TotalDebt()
	ltv, hf := o.valuator.Value(collateral, debt)
	return model.Position{
		ID:           acct.PositionID,
		HealthFactor: hf,
		LTV:          ltv,
		Collateral:   collateral,
		Debt:         debt,
	}, nil
}

func clampUint32(b model.BasisPoints) uint32 {
	switch {
	case b < 0:
		return 0
	case b > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(b)
}
