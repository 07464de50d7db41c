package pricing

import (
	"math"

	"github.com/example/courier-matching/internal/models"
)

// Rules is the fixed fee table. Compute is a pure function of (Rules, Input),
// so the same inputs always reproduce the same breakdown bit for bit.
type Rules struct {
	Currency       string
	BaseFee        float64
	PerKm          float64
	PerKg          float64
	PerDm3         float64
	DetourBrackets []DetourBracket // ordered by ascending MaxMinutes
	UrgentFee      float64
	ExpressFee     float64
	FragileFee     float64
	InsuranceRate  float64 // fraction of declared value
	MinPrice       float64
	MaxPrice       float64
}

// DetourBracket maps a detour-minute range to a flat fee. MaxMinutes is the
// inclusive upper bound; the last bracket uses MaxMinutes < 0 as "no bound".
type DetourBracket struct {
	MaxMinutes int
	Fee        float64
}

func DefaultRules() Rules {
	return Rules{
		Currency: "EUR",
		BaseFee:  3.50,
		PerKm:    0.32,
		PerKg:    0.45,
		PerDm3:   0.08,
		DetourBrackets: []DetourBracket{
			{MaxMinutes: 5, Fee: 0},
			{MaxMinutes: 10, Fee: 1.50},
			{MaxMinutes: 20, Fee: 3.00},
			{MaxMinutes: 30, Fee: 5.00},
			{MaxMinutes: -1, Fee: 8.00},
		},
		UrgentFee:     2.50,
		ExpressFee:    6.00,
		FragileFee:    1.80,
		InsuranceRate: 0.012,
		MinPrice:      6.00,
		MaxPrice:      180.00,
	}
}

type Input struct {
	BaseDistanceKm float64
	WeightKg       float64
	VolumeDm3      float64
	DetourMinutes  int
	Urgency        models.Urgency
	Fragile        bool
	InsuranceValue float64
}

// Compute builds the full fee breakdown. Every line item is rounded to 2
// decimals before summing; the total is clamped to [MinPrice, MaxPrice] and
// rounded again.
func Compute(rules Rules, in Input) models.PriceBreakdown {
	b := models.PriceBreakdown{
		Currency:    rules.Currency,
		BaseFee:     round2(rules.BaseFee),
		DistanceFee: round2(in.BaseDistanceKm * rules.PerKm),
		WeightFee:   round2(in.WeightKg * rules.PerKg),
		VolumeFee:   round2(in.VolumeDm3 * rules.PerDm3),
		DetourFee:   round2(rules.detourFee(in.DetourMinutes)),
	}
	switch in.Urgency {
	case models.UrgencyUrgent:
		b.UrgencyFee = round2(rules.UrgentFee)
	case models.UrgencyExpress:
		b.UrgencyFee = round2(rules.ExpressFee)
	}
	if in.Fragile {
		b.FragileFee = round2(rules.FragileFee)
	}
	if in.InsuranceValue > 0 {
		b.InsuranceFee = round2(in.InsuranceValue * rules.InsuranceRate)
	}

	b.Subtotal = round2(b.BaseFee + b.DistanceFee + b.WeightFee + b.VolumeFee +
		b.DetourFee + b.UrgencyFee + b.FragileFee + b.InsuranceFee)

	total := b.Subtotal
	if total < rules.MinPrice {
		total = rules.MinPrice
		b.FloorApplied = true
	} else if total > rules.MaxPrice {
		total = rules.MaxPrice
		b.CeilApplied = true
	}
	b.Total = round2(total)
	return b
}

func (r Rules) detourFee(minutes int) float64 {
	for _, br := range r.DetourBrackets {
		if br.MaxMinutes < 0 || minutes <= br.MaxMinutes {
			return br.Fee
		}
	}
	return 0
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
