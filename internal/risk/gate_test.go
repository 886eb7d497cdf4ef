package risk

import (
	"errors"
	"testing"

	"github.com/blendguard/safety-vault/internal/model"
)

func TestCheckEligibility_AboveThreshold(t *testing.T) {
	gate := NewGate(7000)

	if err := gate.CheckEligibility(8000); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckEligibility_ExactlyAtThreshold(t *testing.T) {
	gate := NewGate(7000)

	if err := gate.CheckEligibility(7000); err != nil {
		t.Errorf("threshold is inclusive, got %v", err)
	}
}

func TestCheckEligibility_BelowThreshold(t *testing.T) {
	gate := NewGate(7000)

	err := gate.CheckEligibility(6999)
	if !errors.Is(err, ErrBelowThreshold) {
		t.Errorf("expected ErrBelowThreshold, got %v", err)
	}
}

func TestCheckEligibility_ZeroLTV(t *testing.T) {
	gate := NewGate(7000)

	if err := gate.CheckEligibility(0); !errors.Is(err, ErrBelowThreshold) {
		t.Errorf("expected ErrBelowThreshold for an unleveraged position, got %v", err)
	}
}

func TestNewGate_DefaultThreshold(t *testing.T) {
	for _, threshold := range []model.BasisPoints{0, -1} {
		gate := NewGate(threshold)
		if gate.Threshold != DefaultThreshold {
			t.Errorf("NewGate(%d): expected default %d, got %d", threshold, DefaultThreshold, gate.Threshold)
		}
	}
}

func TestCheckEligibility_CustomThreshold(t *testing.T) {
	// A deployment tuned to 80% rejects a 75% position the default accepts.
	gate := NewGate(8000)

	if err := gate.CheckEligibility(7500); !errors.Is(err, ErrBelowThreshold) {
		t.Errorf("expected ErrBelowThreshold at 7500 bps with 8000 threshold, got %v", err)
	}
	if !NewGate(0).AtRisk(7500) {
		t.Error("7500 bps should be at risk under the default threshold")
	}
}

func TestPositionAtRisk(t *testing.T) {
	gate := NewGate(7000)
	cases := map[model.BasisPoints]bool{6999: false, 7000: true, 1 << 62: true}
	for ltv, want := range cases {
		if got := gate.PositionAtRisk(model.Position{LTV: ltv}); got != want {
			t.Errorf("PositionAtRisk(ltv=%d) = %v, want %v", ltv, got, want)
		}
	}
}
