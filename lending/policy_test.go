package lending

import (
	"errors"
	"testing"
)

func TestTierPolicyValidation(t *testing.T) {
	policy := NewTierPolicy()

	if err := policy.Set(Tier(3), TierParams{LTVBps: 5000}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown tier, got %v", err)
	}
	if err := policy.Set(TierA, TierParams{LTVBps: 10_001}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for ltv above 100%%, got %v", err)
	}
	if err := policy.Set(TierA, TierParams{LTVBps: 10_000, APRBps: 100}); err != nil {
		t.Fatalf("ltv of exactly 100%% is allowed: %v", err)
	}
}

func TestTierPolicyLookup(t *testing.T) {
	policy := NewTierPolicy()
	if err := policy.Set(TierB, TierParams{LTVBps: 6000, APRBps: 900}); err != nil {
		t.Fatalf("set tier: %v", err)
	}

	params, err := policy.Get(TierB)
	if err != nil {
		t.Fatalf("get tier: %v", err)
	}
	if params.LTVBps != 6000 || params.APRBps != 900 {
		t.Fatalf("unexpected params: %+v", params)
	}

	if _, err := policy.Get(TierA); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("unconfigured tier is a configuration error, got %v", err)
	}
	if _, err := policy.Get(Tier(9)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("out-of-range tier is a configuration error, got %v", err)
	}
}

func TestTierStrings(t *testing.T) {
	if TierA.String() != "A" || TierB.String() != "B" || TierC.String() != "C" {
		t.Fatalf("unexpected tier letters: %s %s %s", TierA, TierB, TierC)
	}
}
