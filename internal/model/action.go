package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind names a safety action variant on the wire and in the journal.
type ActionKind string

const (
	KindTopUpCollateral ActionKind = "top_up_collateral"
	KindClaimInsurance  ActionKind = "claim_insurance"
	KindPartialRepay    ActionKind = "partial_repay"
)

// ErrUnknownAction is returned when decoding an action with an unknown type.
var ErrUnknownAction = errors.New("model: unknown safety action type")

// SafetyAction is one risk-mitigation step. The set of variants is closed:
// only this package can implement it, and dispatch goes through Visit so a
// new variant is a compile error for every ActionVisitor.
type SafetyAction interface {
	Kind() ActionKind
	Visit(v ActionVisitor) error
	safetyAction()
}

// ActionVisitor handles each SafetyAction variant.
type ActionVisitor interface {
	VisitTopUpCollateral(a TopUpCollateral) error
	VisitClaimInsurance(a ClaimInsurance) error
	VisitPartialRepay(a PartialRepay) error
}

// TopUpCollateral pledges Amount more collateral into Pool.
type TopUpCollateral struct {
	Pool   string
	Amount decimal.Decimal
}

func (TopUpCollateral) Kind() ActionKind { return KindTopUpCollateral }
func (a TopUpCollateral) Visit(v ActionVisitor) error { return v.VisitTopUpCollateral(a) }
func (TopUpCollateral) safetyAction() {}

// ClaimInsurance triggers a payout from the backstop bound to Pool.
type ClaimInsurance struct {
	Pool string
}

func (ClaimInsurance) Kind() ActionKind { return KindClaimInsurance }
func (a ClaimInsurance) Visit(v ActionVisitor) error { return v.VisitClaimInsurance(a) }
func (ClaimInsurance) safetyAction() {}

// PartialRepay pays back Amount of the debt denominated in Asset.
type PartialRepay struct {
	Asset  string
	Amount decimal.Decimal
}

func (PartialRepay) Kind() ActionKind { return KindPartialRepay }
func (a PartialRepay) Visit(v ActionVisitor) error { return v.VisitPartialRepay(a) }
func (PartialRepay) safetyAction() {}

// ActionBatch is an ordered list of actions. Order is the caller's and is
// preserved through dispatch.
type ActionBatch []SafetyAction

// Kinds lists the kind of each action in order.
func (b ActionBatch) Kinds() []ActionKind {
	kinds := make([]ActionKind, len(b))
	for i, a := range b {
		kinds[i] = a.Kind()
	}
	return kinds
}

// wireAction is the JSON form of a SafetyAction.
type wireAction struct {
	Type   ActionKind       `json:"type"`
	Pool   string           `json:"pool,omitempty"`
	Asset  string           `json:"asset,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

func toWire(a SafetyAction) wireAction {
	switch a := a.(type) {
	case TopUpCollateral:
		amt := a.Amount
		return wireAction{Type: KindTopUpCollateral, Pool: a.Pool, Amount: &amt}
	case ClaimInsurance:
		return wireAction{Type: KindClaimInsurance, Pool: a.Pool}
	case PartialRepay:
		amt := a.Amount
		return wireAction{Type: KindPartialRepay, Asset: a.Asset, Amount: &amt}
	}
	return wireAction{}
}

func fromWire(w wireAction) (SafetyAction, error) {
	amount := decimal.Zero
	if w.Amount != nil {
		amount = *w.Amount
	}
	switch w.Type {
	case KindTopUpCollateral:
		return TopUpCollateral{Pool: w.Pool, Amount: amount}, nil
	case KindClaimInsurance:
		return ClaimInsurance{Pool: w.Pool}, nil
	case KindPartialRepay:
		return PartialRepay{Asset: w.Asset, Amount: amount}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Type)
}

// MarshalJSON encodes the batch as a list of tagged objects.
func (b ActionBatch) MarshalJSON() ([]byte, error) {
	out := make([]wireAction, len(b))
	for i, a := range b {
		out[i] = toWire(a)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a list of tagged objects. Amount sign is not checked
// here; non-positive amounts are rejected by the handlers.
func (b *ActionBatch) UnmarshalJSON(data []byte) error {
	var raw []wireAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	batch := make(ActionBatch, 0, len(raw))
	for i, w := range raw {
		a, err := fromWire(w)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		batch = append(batch, a)
	}
	*b = batch
	return nil
}
