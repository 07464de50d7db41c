package scoring

import (
	"fmt"
	"math"

	"github.com/example/courier-matching/internal/geo"
	"github.com/example/courier-matching/internal/models"
)

const (
	// roadFactor inflates straight-line corridor deviations to approximate
	// real road indirection.
	roadFactor = 1.4
	// avgSpeedKmh converts detour kilometers to minutes.
	avgSpeedKmh = 45.0
	// graceMinutes is added on top of the trip's declared detour budget.
	graceMinutes = 5
	// progressTolerance allows a drop-off marginally "before" its pickup
	// along the corridor without rejecting the pair.
	progressTolerance = 0.03

	weightDetour  = 0.55
	weightOverlap = 0.25
	weightPace    = 0.20
)

// Result carries everything the matcher persists about a scored pair.
type Result struct {
	Score         int
	DetourKm      float64
	DetourMinutes int
	BaseRouteKm   float64
}

// Detour estimates the pickup+drop pull off the trip corridor for a parcel.
func Detour(trip models.Trip, parcel models.Parcel) (km float64, minutes int) {
	pickup := geo.PointToSegmentDistance(parcel.Origin, trip.Origin, trip.Destination)
	drop := geo.PointToSegmentDistance(parcel.Destination, trip.Origin, trip.Destination)
	km = (pickup + drop) * roadFactor
	minutes = int(math.Round(km / avgSpeedKmh * 60))
	return km, minutes
}

// Evaluate filters a (trip, parcel) pair for eligibility and scores it.
// baseRouteMinutes is the trip's direct route duration when a routing
// collaborator supplied one, 0 when unknown. The second return is false when
// the pair is incompatible; that is a silent filtering outcome, not an error.
func Evaluate(trip models.Trip, parcel models.Parcel, baseRouteMinutes int) (Result, bool) {
	if !trip.Window.Valid() || !parcel.Window.Valid() {
		return Result{}, false
	}
	if !geo.WindowsOverlap(trip.Window.Start, trip.Window.End, parcel.Window.Start, parcel.Window.End) {
		return Result{}, false
	}
	if trip.CapacityClass < parcel.Size {
		return Result{}, false
	}
	if trip.MaxWeightKg < parcel.WeightKg || trip.MaxVolumeDm3 < parcel.VolumeDm3 {
		return Result{}, false
	}

	detourKm, detourMin := Detour(trip, parcel)
	if detourMin > trip.MaxDetourMinutes+graceMinutes {
		return Result{}, false
	}

	pickupT := geo.SegmentProgress(parcel.Origin, trip.Origin, trip.Destination)
	dropT := geo.SegmentProgress(parcel.Destination, trip.Origin, trip.Destination)
	if dropT < pickupT-progressTolerance {
		return Result{}, false
	}

	// A zero detour budget would make the ratio 0/0; such trips only accept
	// on-corridor parcels, which deserve the full detour score.
	detourRatio := 1.0
	if trip.MaxDetourMinutes > 0 {
		detourRatio = float64(detourMin) / float64(trip.MaxDetourMinutes)
	} else if detourMin == 0 {
		detourRatio = 0
	}
	detourScore := 100 * (1 - clamp01(detourRatio))

	overlapMin := geo.OverlapMinutes(trip.Window.Start, trip.Window.End, parcel.Window.Start, parcel.Window.End)
	overlapScore := 100 * clamp01(float64(overlapMin)/120)

	paceScore := 40.0
	if baseRouteMinutes > 0 {
		paceScore = 100 * (1 - clamp01(float64(detourMin)/float64(baseRouteMinutes+detourMin)))
	}

	score := int(math.Round(weightDetour*detourScore + weightOverlap*overlapScore + weightPace*paceScore))

	return Result{
		Score:         score,
		DetourKm:      detourKm,
		DetourMinutes: detourMin,
		BaseRouteKm:   geo.Distance(trip.Origin, trip.Destination),
	}, true
}

// Explain renders the human-readable ranking sentence for a scored pair.
func Explain(score int, price models.PriceBreakdown) string {
	var band string
	switch {
	case score >= 85:
		band = "excellent fit"
	case score >= 70:
		band = "good fit"
	default:
		band = "compatible but suboptimal"
	}
	return fmt.Sprintf("%s for this route, estimated %.2f %s", band, price.Total, price.Currency)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
