package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/fitbridge/internal/model"
)

func p16(v int16) *int16     { return &v }
func pf(v float64) *float64 { return &v }

func TestAggregator_TimeWeightedAverageSpeed(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(UserProfile{})

	// 10 kph for 2s, then 20 kph for 4s: weighted average is
	// (10*2 + 20*4) / 6 = 16.666...
	agg.Add(model.Sample{T: start, InstantSpeedKph: pf(10)})
	agg.Add(model.Sample{T: start.Add(2 * time.Second), InstantSpeedKph: pf(20)})
	agg.Add(model.Sample{T: start.Add(6 * time.Second), InstantSpeedKph: pf(99)}) // last sample's own speed isn't weighted forward

	sum := agg.Summary()
	assert.InDelta(t, 16.6667, sum.AvgSpeedKph, 0.01)
	assert.Equal(t, 3, sum.SampleCount)
}

func TestAggregator_PowerAndCadenceAverages(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(UserProfile{})

	agg.Add(model.Sample{T: start, InstantPowerW: p16(100), InstantCadence: pf(80)})
	agg.Add(model.Sample{T: start.Add(time.Second), InstantPowerW: p16(200), InstantCadence: pf(90)})

	sum := agg.Summary()
	assert.Equal(t, 150.0, sum.AvgPowerW)
	assert.EqualValues(t, 200, sum.MaxPowerW)
	assert.Equal(t, 85.0, sum.AvgCadence)
}

func TestAggregator_VO2Max_IneligibleWhenWeightUnknown(t *testing.T) {
	agg := NewAggregator(UserProfile{})
	sum := agg.Summary()
	require.Nil(t, sum.EstimatedVO2Max)
	assert.Equal(t, "weight_unknown", sum.VO2MaxReason)
}

func TestAggregator_VO2Max_IneligibleWhenDurationTooShort(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(UserProfile{WeightKg: 75, AgeYears: 30})
	for i := 0; i < 70; i++ {
		agg.Add(model.Sample{T: start.Add(time.Duration(i) * time.Second), HeartRateBPM: 150})
	}
	sum := agg.Summary()
	require.Nil(t, sum.EstimatedVO2Max)
	assert.Equal(t, "duration_too_short", sum.VO2MaxReason)
}

func TestAggregator_VO2Max_EligibleComputesFormula(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(UserProfile{WeightKg: 75, AgeYears: 30, HRMax: 190, HRRest: 50})
	for i := 0; i < 150; i++ {
		agg.Add(model.Sample{T: start.Add(time.Duration(i) * time.Second), HeartRateBPM: 150})
	}
	sum := agg.Summary()
	require.NotNil(t, sum.EstimatedVO2Max)
	assert.InDelta(t, 15.3*(190.0/50.0), *sum.EstimatedVO2Max, 0.001)
}

func TestAggregator_VO2Max_DefaultsHRMaxAndHRRestWhenUnset(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(UserProfile{WeightKg: 75, AgeYears: 40})
	for i := 0; i < 150; i++ {
		agg.Add(model.Sample{T: start.Add(time.Duration(i) * time.Second), HeartRateBPM: 150})
	}
	sum := agg.Summary()
	require.NotNil(t, sum.EstimatedVO2Max)
	wantHRMax := 208 - 0.7*40
	assert.InDelta(t, 15.3*(wantHRMax/60.0), *sum.EstimatedVO2Max, 0.001)
}

func TestAggregator_OverflowAndMalformedCounters(t *testing.T) {
	agg := NewAggregator(UserProfile{})
	agg.IncrementMalformed()
	agg.IncrementMalformed()
	agg.IncrementTruncated()
	agg.IncrementDroppedOverflow()

	sum := agg.Summary()
	assert.Equal(t, 2, sum.MalformedRecords)
	assert.Equal(t, 1, sum.TruncatedRecords)
	assert.Equal(t, 1, sum.DroppedOverflow)
}
