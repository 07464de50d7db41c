package pricing

import (
	"testing"

	"github.com/example/courier-matching/internal/models"
)

func TestComputeBracketExample(t *testing.T) {
	rules := DefaultRules()
	in := Input{
		BaseDistanceKm: 8,
		WeightKg:       2,
		VolumeDm3:      8,
		DetourMinutes:  12,
		Urgency:        models.UrgencyNormal,
	}
	b := Compute(rules, in)
	// 12 minutes falls in the 11-20 bracket
	if b.DetourFee != 3.00 {
		t.Fatalf("expected 11-20 bracket fee 3.00, got %f", b.DetourFee)
	}
	if b.Total <= rules.MinPrice || b.Total >= rules.MaxPrice {
		t.Fatalf("total %f should sit strictly between floor and ceiling", b.Total)
	}
	if b.FloorApplied || b.CeilApplied {
		t.Fatal("no clamp should apply")
	}
}

func TestComputeFloor(t *testing.T) {
	rules := DefaultRules()
	b := Compute(rules, Input{BaseDistanceKm: 0.5, WeightKg: 0.2, VolumeDm3: 1})
	if !b.FloorApplied {
		t.Fatalf("expected floor, subtotal=%f total=%f", b.Subtotal, b.Total)
	}
	if b.CeilApplied {
		t.Fatal("floor and ceiling flags must be mutually exclusive")
	}
	if b.Total != rules.MinPrice {
		t.Fatalf("total should be floor %f, got %f", rules.MinPrice, b.Total)
	}
}

func TestComputeCeiling(t *testing.T) {
	rules := DefaultRules()
	b := Compute(rules, Input{
		BaseDistanceKm: 900,
		WeightKg:       30,
		VolumeDm3:      200,
		DetourMinutes:  45,
		Urgency:        models.UrgencyExpress,
		Fragile:        true,
		InsuranceValue: 2000,
	})
	if !b.CeilApplied || b.FloorApplied {
		t.Fatalf("expected ceiling clamp only, got floor=%v ceil=%v", b.FloorApplied, b.CeilApplied)
	}
	if b.Total != rules.MaxPrice {
		t.Fatalf("total should be ceiling %f, got %f", rules.MaxPrice, b.Total)
	}
}

func TestComputeBounds(t *testing.T) {
	rules := DefaultRules()
	inputs := []Input{
		{},
		{BaseDistanceKm: 25, WeightKg: 5, VolumeDm3: 20, DetourMinutes: 7, Urgency: models.UrgencyUrgent},
		{BaseDistanceKm: 120, WeightKg: 12, VolumeDm3: 60, DetourMinutes: 28, Fragile: true, InsuranceValue: 350},
	}
	for i, in := range inputs {
		b := Compute(rules, in)
		if b.Total < rules.MinPrice || b.Total > rules.MaxPrice {
			t.Fatalf("case %d: total %f outside [%f,%f]", i, b.Total, rules.MinPrice, rules.MaxPrice)
		}
		if b.FloorApplied && b.CeilApplied {
			t.Fatalf("case %d: flags not mutually exclusive", i)
		}
	}
}

func TestComputeReproducible(t *testing.T) {
	rules := DefaultRules()
	in := Input{BaseDistanceKm: 14.37, WeightKg: 3.3, VolumeDm3: 11.1, DetourMinutes: 9,
		Urgency: models.UrgencyUrgent, Fragile: true, InsuranceValue: 99.99}
	a := Compute(rules, in)
	b := Compute(rules, in)
	if a != b {
		t.Fatalf("breakdown not reproducible: %+v vs %+v", a, b)
	}
}

func TestUrgencySurcharges(t *testing.T) {
	rules := DefaultRules()
	base := Compute(rules, Input{BaseDistanceKm: 20, WeightKg: 4})
	urgent := Compute(rules, Input{BaseDistanceKm: 20, WeightKg: 4, Urgency: models.UrgencyUrgent})
	express := Compute(rules, Input{BaseDistanceKm: 20, WeightKg: 4, Urgency: models.UrgencyExpress})
	if urgent.UrgencyFee != rules.UrgentFee || express.UrgencyFee != rules.ExpressFee {
		t.Fatalf("surcharges wrong: urgent=%f express=%f", urgent.UrgencyFee, express.UrgencyFee)
	}
	if base.UrgencyFee != 0 {
		t.Fatalf("normal urgency should add nothing, got %f", base.UrgencyFee)
	}
}
