package eta

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/stretchr/testify/require"
)

func TestComputeBand_ReliableOrder(t *testing.T) {
	b := ComputeBand(12, 20, 4, 15, 0.9)
	require.Equal(t, 27, b.LowMinutes)
	require.Equal(t, 39, b.HighMinutes)
}

func TestComputeBand_WidensWhenUnreliable(t *testing.T) {
	// spread = 20-12+4 = 12; r=0.45 -> half of the spread
	b := ComputeBand(12, 20, 4, 15, 0.45)
	require.Equal(t, 27, b.LowMinutes)
	require.Equal(t, 45, b.HighMinutes)

	b = ComputeBand(12, 20, 4, 15, 0)
	require.Equal(t, 51, b.HighMinutes)
}

func TestComputeBand_ClampsInputs(t *testing.T) {
	b := ComputeBand(-5, -1, -3, -10, 2)
	require.Equal(t, models.EtaBand{}, b)

	// p90 below p50
	b = ComputeBand(20, 10, 0, 5, 1)
	require.Equal(t, 25, b.LowMinutes)
	require.Equal(t, 25, b.HighMinutes)

	b = ComputeBand(10, 20, 0, 0, math.NaN())
	require.Equal(t, 30, b.HighMinutes)
}

func TestComputeBand_Monotonicity(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		p50 := r.Intn(80) - 10
		p90 := r.Intn(80) - 10
		buf := r.Intn(20) - 5
		travel := r.Intn(60) - 5
		hi := r.Float64()*1.4 - 0.2
		lo := hi - r.Float64()

		bHi := ComputeBand(p50, p90, buf, travel, hi)
		bLo := ComputeBand(p50, p90, buf, travel, lo)
		require.GreaterOrEqual(t, bHi.HighMinutes, bHi.LowMinutes)
		require.GreaterOrEqual(t, bLo.HighMinutes, bLo.LowMinutes)
		require.GreaterOrEqual(t, bLo.Width(), bHi.Width(), "lower reliability narrowed the band")
	}
}

func TestConfidenceTimes(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	low, high := ConfidenceTimes(anchor, models.EtaBand{LowMinutes: 27, HighMinutes: 39})
	require.Equal(t, anchor.Add(27*time.Minute), low)
	require.Equal(t, anchor.Add(39*time.Minute), high)
}
