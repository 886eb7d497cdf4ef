// Package model defines the core domain types shared across the safety vault.
// All amounts use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BasisPoints is the single fixed-point scale for every LTV and health-factor
// value in the system: 10000 = 1.00 = 100%.
type BasisPoints int64

// BasisPointsScale is the value of 1.00 expressed in basis points.
const BasisPointsScale BasisPoints = 10000

// FromScale100 converts a percent×100 value (185 means 1.85) into basis points.
func FromScale100(v int64) BasisPoints {
	return BasisPoints(v * 100)
}

// Ratio returns the value as a plain decimal ratio (8000 → 0.8).
func (b BasisPoints) Ratio() decimal.Decimal {
	return decimal.NewFromInt(int64(b)).Div(decimal.NewFromInt(int64(BasisPointsScale)))
}

// Position is a user's leveraged position as reported by the position oracle.
// Every numeric field is derived; callers never set them directly.
type Position struct {
	ID           string          `json:"id"`
	HealthFactor BasisPoints     `json:"health_factor_bps"`
	LTV          BasisPoints     `json:"ltv_bps"`
	Collateral   decimal.Decimal `json:"collateral"`
	Debt         decimal.Decimal `json:"debt"`
}

// Equal reports whether two positions are identical field by field.
func (p Position) Equal(o Position) bool {
	return p.ID == o.ID &&
		p.HealthFactor == o.HealthFactor &&
		p.LTV == o.LTV &&
		p.Collateral.Equal(o.Collateral) &&
		p.Debt.Equal(o.Debt)
}

// Pool is a lending pool. A pool lends and accepts collateral in one asset and
// may be bound to an insurance backstop.
type Pool struct {
	ID       string    `json:"id" db:"id"`
	Asset    string    `json:"asset" db:"asset"`
	Backstop *Backstop `json:"backstop,omitempty"`
}

// Backstop is the insurance reserve bound to a pool. Coverage caps a single
// payout; Reserve is what is left to pay out.
type Backstop struct {
	Reserve  decimal.Decimal `json:"reserve" db:"backstop_reserve"`
	Coverage decimal.Decimal `json:"coverage" db:"backstop_coverage"`
}

// Account aggregates a user's holdings across pools. It is the raw input the
// ledger oracle derives a Position from.
type Account struct {
	UserID     string                     `json:"user_id"`
	PositionID string                     `json:"position_id"`
	Balances   map[string]decimal.Decimal `json:"balances"`   // asset → wallet balance
	Collateral map[string]decimal.Decimal `json:"collateral"` // pool → pledged amount
	Debt       map[string]decimal.Decimal `json:"debt"`       // pool → outstanding debt
}

// TotalCollateral sums pledged collateral across pools.
func (a *Account) TotalCollateral() decimal.Decimal {
	total := decimal.Zero
	for _, v := range a.Collateral {
		total = total.Add(v)
	}
	return total
}

// TotalDebt sums outstanding debt across pools.
func (a *Account) TotalDebt() decimal.Decimal {
	total := decimal.Zero
	for _, v := range a.Debt {
		total = total.Add(v)
	}
	return total
}

// ActionRecord is an immutable journal row for one applied action. Rows are
// written inside the batch's unit of work, so aborted batches leave none.
type ActionRecord struct {
	ID        string          `json:"id" db:"id"`
	BatchID   int64           `json:"batch_id" db:"batch_id"`
	Seq       int             `json:"seq" db:"seq"`
	UserID    string          `json:"user_id" db:"user_id"`
	Kind      ActionKind      `json:"kind" db:"kind"`
	PoolID    string          `json:"pool_id,omitempty" db:"pool_id"`
	Asset     string          `json:"asset,omitempty" db:"asset"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Payout    decimal.Decimal `json:"payout" db:"payout"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Principal is an authenticated caller identity.
type Principal struct {
	Subject string `json:"subject"`
	Method  string `json:"method"` // "jwt" or "deeplink"
}

// Verified reports whether the principal carries an authenticated subject.
func (p Principal) Verified() bool {
	return p.Subject != "" && p.Method != ""
}
