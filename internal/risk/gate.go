// Package risk decides whether a position is eligible for protective actions.
//
// A position qualifies once its loan-to-value ratio reaches the protection
// threshold. Users below the threshold are not at risk and may not invoke
// protective actions at all, even a single well-formed one.
package risk

import (
	"errors"
	"fmt"

	"github.com/blendguard/safety-vault/internal/model"
)

// DefaultThreshold is the protection threshold used when none is configured:
// 7000 bps, i.e. 70% LTV.
const DefaultThreshold model.BasisPoints = 7000

// ErrBelowThreshold is returned when a position's LTV is under the threshold.
var ErrBelowThreshold = errors.New("risk: ltv below protection threshold")

// Gate enforces the protection threshold.
type Gate struct {
	// Threshold is the minimum LTV, in basis points, at which a position
	// counts as at risk. The comparison is inclusive.
	Threshold model.BasisPoints
}

// NewGate creates a gate. A non-positive threshold falls back to
// DefaultThreshold.
func NewGate(threshold model.BasisPoints) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Gate{Threshold: threshold}
}

// CheckEligibility returns nil if ltvBps is at or above the threshold.
func (g *Gate) CheckEligibility(ltvBps uint32) error {
	if !g.AtRisk(ltvBps) {
		return fmt.Errorf("%w: ltv %d bps < %d bps", ErrBelowThreshold, ltvBps, g.Threshold)
	}
	return nil
}

// AtRisk reports whether ltvBps meets the threshold.
func (g *Gate) AtRisk(ltvBps uint32) bool {
	return model.BasisPoints(ltvBps) >= g.Threshold
}

// PositionAtRisk reports whether pos meets the threshold.
func (g *Gate) PositionAtRisk(pos model.Position) bool {
	return pos.LTV >= g.Threshold
}
