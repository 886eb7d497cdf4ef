package oracle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
)

// Static reports the same LTV and position for every user.
type Static struct {
	LTV      uint32
	Snapshot model.Position
}

// NewStatic returns the demo oracle: every user sits at 80% LTV and the
// reported position is the post-protection demo position.
func NewStatic() *Static {
	return &Static{
		LTV: 8000,
		Snapshot: model.Position{
			ID:           "XLM-123",
			HealthFactor: model.FromScale100(185),
			LTV:          model.FromScale100(65),
			Collateral:   decimal.NewFromInt(11000),
			Debt:         decimal.NewFromInt(8500),
		},
	}
}

func (o *Static) LTVBasisPoints(context.Context, string) (uint32, error) {
	return o.LTV, nil
}

func (o *Static) Position(context.Context, string) (model.Position, error) {
	return o.Snapshot, nil
}
