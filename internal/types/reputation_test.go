package types

import (
	"math"
	"testing"
)

func TestReputationDimensionsAggregate(t *testing.T) {
	d := ReputationDimensions{Reliability: 1, Speed: 1, Quality: 1, Security: 1}
	if got := d.Aggregate(); math.Abs(got-1) > 1e-9 {
		t.Fatalf("all-1 dimensions should aggregate to 1, got %v", got)
	}

	d = ReputationDimensions{Reliability: 0.5, Speed: 0.5, Quality: 0.5, Security: 0.5}
	if got := d.Aggregate(); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("all-0.5 dimensions should aggregate to 0.5, got %v", got)
	}

	d = ReputationDimensions{Reliability: 1, Speed: 0, Quality: 0, Security: 0}
	if got := d.Aggregate(); got != WeightReliability {
		t.Fatalf("pure reliability should equal its weight %v, got %v", WeightReliability, got)
	}
}
