package eta

import (
	"math"
	"time"

	"github.com/BearBump/HandOff/internal/models"
)

// ReliableThreshold is the reliability score at and above which the band is
// not widened.
const ReliableThreshold = 0.9

// ComputeBand returns the arrival interval in whole minutes:
//
//	low  = p50 + travel
//	high = p90 + travel + buffer + widen(reliability)
//
// Negative minutes are clamped to zero and p90 is never below p50, so
// high >= low holds for any input. Lower reliability never narrows the band.
func ComputeBand(prepP50, prepP90, buffer, travel int, reliability float64) models.EtaBand {
	prepP50 = nonNegative(prepP50)
	prepP90 = nonNegative(prepP90)
	buffer = nonNegative(buffer)
	travel = nonNegative(travel)
	if prepP90 < prepP50 {
		prepP90 = prepP50
	}

	low := prepP50 + travel
	high := prepP90 + travel + buffer + widen(prepP90-prepP50+buffer, reliability)
	return models.EtaBand{LowMinutes: low, HighMinutes: high}
}

// widen grows linearly from 0 at ReliableThreshold to the full spread at 0.
func widen(spread int, reliability float64) int {
	r := clampUnit(reliability)
	if r >= ReliableThreshold || spread <= 0 {
		return 0
	}
	return int(math.Round((ReliableThreshold - r) / ReliableThreshold * float64(spread)))
}

// ConfidenceTimes converts a band into absolute timestamps relative to anchor.
func ConfidenceTimes(anchor time.Time, band models.EtaBand) (low, high time.Time) {
	return anchor.Add(time.Duration(band.LowMinutes) * time.Minute),
		anchor.Add(time.Duration(band.HighMinutes) * time.Minute)
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
