package vault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
)

// handler applies one action against the collaborators of an open unit of
// work. On success it leaves the journal row describing what it did in record.
// It implements model.ActionVisitor, so every action kind must have a method.
type handler struct {
	ctx    context.Context
	work   Work
	user   string
	record model.ActionRecord
}

var _ model.ActionVisitor = (*handler)(nil)

// VisitTopUpCollateral moves amount from the user's wallet into the pool as
// collateral.
func (h *handler) VisitTopUpCollateral(a model.TopUpCollateral) error {
	if !a.Amount.IsPositive() {
		return invalidAmount(a.Amount)
	}

	pool := h.work.Pool()
	exists, err := pool.PoolExists(h.ctx, a.Pool)
	if err != nil {
		return supplyErr(err)
	}
	if !exists {
		return &ExecutionError{Kind: KindPoolNotFound, Err: fmt.Errorf("%w: %s", ErrPoolNotFound, a.Pool)}
	}
	asset, err := pool.PoolAsset(h.ctx, a.Pool)
	if err != nil {
		return supplyErr(err)
	}

	if err := h.debit(asset, a.Pool, a.Amount); err != nil {
		return err
	}
	if err := pool.Supply(h.ctx, h.user, a.Pool, a.Amount); err != nil {
		return supplyErr(err)
	}

	h.record = model.ActionRecord{
		Kind:   model.KindTopUpCollateral,
		PoolID: a.Pool,
		Asset:  asset,
		Amount: a.Amount,
		Payout: decimal.Zero,
	}
	return nil
}

// VisitClaimInsurance asks the pool's backstop to pay out to the user.
func (h *handler) VisitClaimInsurance(a model.ClaimInsurance) error {
	payout, err := h.work.Backstop().Claim(h.ctx, h.user, a.Pool)
	if err != nil {
		kind := classify(err, KindInsuranceClaimFailed, KindPoolNotFound, KindInsuranceClaimFailed)
		return &ExecutionError{Kind: kind, Err: err}
	}

	h.record = model.ActionRecord{
		Kind:   model.KindClaimInsurance,
		PoolID: a.Pool,
		Amount: decimal.Zero,
		Payout: payout,
	}
	return nil
}

// VisitPartialRepay pays amount of the user's debt in asset back to the pool
// that lent it.
func (h *handler) VisitPartialRepay(a model.PartialRepay) error {
	if !a.Amount.IsPositive() {
		return invalidAmount(a.Amount)
	}

	pool := h.work.Pool()
	poolID, ok, err := pool.PoolForAsset(h.ctx, a.Asset)
	if err != nil {
		return supplyErr(err)
	}
	if !ok {
		return &ExecutionError{Kind: KindPoolNotFound, Err: fmt.Errorf("%w: no pool for asset %s", ErrPoolNotFound, a.Asset)}
	}

	if err := h.debit(a.Asset, poolID, a.Amount); err != nil {
		return err
	}
	if err := pool.Repay(h.ctx, h.user, poolID, a.Asset, a.Amount); err != nil {
		return supplyErr(err)
	}

	h.record = model.ActionRecord{
		Kind:   model.KindPartialRepay,
		PoolID: poolID,
		Asset:  a.Asset,
		Amount: a.Amount,
		Payout: decimal.Zero,
	}
	return nil
}

// debit checks the user's wallet holds amount of asset and moves it into
// target's custody.
func (h *handler) debit(asset, target string, amount decimal.Decimal) error {
	ledger := h.work.Ledger()
	balance, err := ledger.Balance(h.ctx, h.user, asset)
	if err != nil {
		return supplyErr(err)
	}
	if balance.LessThan(amount) {
		return &ExecutionError{
			Kind: KindInsufficientBalance,
			Err:  fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientBalance, balance, asset, amount),
		}
	}
	if err := ledger.Transfer(h.ctx, h.user, target, asset, amount); err != nil {
		return supplyErr(err)
	}
	return nil
}

func supplyErr(err error) error {
	kind := classify(err, KindActionExecutionFailed, KindInsufficientBalance, KindPoolNotFound)
	return &ExecutionError{Kind: kind, Err: err}
}

func invalidAmount(amount decimal.Decimal) error {
	return &ExecutionError{
		Kind: KindInvalidAction,
		Err:  fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAction, amount),
	}
}

func newRecordID() string {
	return uuid.New().String()
}
