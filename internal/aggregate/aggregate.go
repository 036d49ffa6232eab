// Package aggregate computes a Workout's Summary incrementally from its
// samples, including the time-weighted average speed and VO2max
// estimation from spec §4.6. It has no dependency on how samples are
// sourced or stored so both the live workout manager and the store's
// restart sweep can share one implementation.
package aggregate

import (
	"time"

	"github.com/lowaak/fitbridge/internal/model"
)

// UserProfile carries the optional per-user inputs the VO2max formula
// needs. Weight is required for eligibility; HRMax/HRRest default per
// §4.6 when zero.
type UserProfile struct {
	WeightKg float64
	AgeYears float64
	HRMax    float64
	HRRest   float64
}

// Aggregator accumulates one workout's running Summary sample by sample.
// It is not safe for concurrent use — the workout manager owns it from
// its single writer goroutine.
type Aggregator struct {
	profile UserProfile

	count            int
	powerSum         float64
	powerCount       int
	maxPower         int16
	cadenceSum       float64
	cadenceCount     int
	speedWeightedSum float64 // Σ speed_i * Δt_i
	speedWeightSum   float64 // Σ Δt_i
	hrSum            float64
	hrCount          int
	maxHR            uint8
	lastDistance     float64
	lastEnergy       float64
	firstT           time.Time
	lastT            time.Time
	lastSpeed        *float64
	malformed        int
	truncated        int
	droppedOverflow  int
	duplicateDropped int
}

func NewAggregator(profile UserProfile) *Aggregator {
	return &Aggregator{profile: profile}
}

// Add folds one sample into the running aggregate. Samples must arrive in
// non-decreasing `t` order (the façade and store both guarantee this).
func (a *Aggregator) Add(s model.Sample) {
	if a.firstT.IsZero() {
		a.firstT = s.T
	}
	// Each speed reading is weighted by the interval that follows it, up
	// to the next sample's t.
	if a.count > 0 && a.lastSpeed != nil {
		dt := s.T.Sub(a.lastT).Seconds()
		if dt > 0 {
			a.speedWeightedSum += *a.lastSpeed * dt
			a.speedWeightSum += dt
		}
	}
	a.lastT = s.T
	a.lastSpeed = s.InstantSpeedKph
	a.count++

	if s.InstantPowerW != nil {
		a.powerSum += float64(*s.InstantPowerW)
		a.powerCount++
		if *s.InstantPowerW > a.maxPower {
			a.maxPower = *s.InstantPowerW
		}
	}
	if s.InstantCadence != nil {
		a.cadenceSum += *s.InstantCadence
		a.cadenceCount++
	}
	if s.HeartRateBPM != 0 {
		a.hrSum += float64(s.HeartRateBPM)
		a.hrCount++
		if s.HeartRateBPM > a.maxHR {
			a.maxHR = s.HeartRateBPM
		}
	}
	if s.TotalDistanceM != nil {
		a.lastDistance = float64(*s.TotalDistanceM)
	}
	if s.TotalEnergyKcal != nil {
		a.lastEnergy = float64(*s.TotalEnergyKcal)
	}
}

// IncrementMalformed / IncrementTruncated / IncrementDroppedOverflow /
// IncrementDuplicateDropped let the ingestion path fold codec,
// channel-overflow, and store-level duplicate counters into the same
// summary the control API exposes.
func (a *Aggregator) IncrementMalformed()        { a.malformed++ }
func (a *Aggregator) IncrementTruncated()        { a.truncated++ }
func (a *Aggregator) IncrementDroppedOverflow()  { a.droppedOverflow++ }
func (a *Aggregator) IncrementDuplicateDropped() { a.duplicateDropped++ }

// Summary snapshots the current aggregate into a model.Summary, computing
// the VO2max estimate per §4.6's eligibility predicate and formula.
func (a *Aggregator) Summary() model.Summary {
	s := model.Summary{
		SampleCount:      a.count,
		MaxPowerW:        a.maxPower,
		TotalDistanceM:   a.lastDistance,
		TotalEnergyKcal:  a.lastEnergy,
		MaxHeartRateBPM:  a.maxHR,
		MalformedRecords: a.malformed,
		TruncatedRecords: a.truncated,
		DroppedOverflow:  a.droppedOverflow,
		DuplicateDropped: a.duplicateDropped,
	}
	if a.powerCount > 0 {
		s.AvgPowerW = a.powerSum / float64(a.powerCount)
	}
	if a.cadenceCount > 0 {
		s.AvgCadence = a.cadenceSum / float64(a.cadenceCount)
	}
	if a.speedWeightSum > 0 {
		s.AvgSpeedKph = a.speedWeightedSum / a.speedWeightSum
	}
	if a.hrCount > 0 {
		s.AvgHeartRateBPM = a.hrSum / float64(a.hrCount)
	}
	if !a.firstT.IsZero() {
		s.ActiveDurationS = a.lastT.Sub(a.firstT).Seconds()
	}

	vo2max, reason := a.estimateVO2Max(s)
	s.EstimatedVO2Max = vo2max
	s.VO2MaxReason = reason
	return s
}

// estimateVO2Max implements §4.6's eligibility predicate and formula
// exactly: weight known, mean_hr >= 120, active_duration >= 120s, samples
// carrying heart rate >= 60.
func (a *Aggregator) estimateVO2Max(s model.Summary) (*float64, string) {
	if a.profile.WeightKg <= 0 {
		return nil, "weight_unknown"
	}
	if s.AvgHeartRateBPM < 120 {
		return nil, "hr_too_low"
	}
	if s.ActiveDurationS < 120 {
		return nil, "duration_too_short"
	}
	if a.hrCount < 60 {
		return nil, "insufficient_hr_samples"
	}

	hrMax := a.profile.HRMax
	if hrMax <= 0 {
		hrMax = 208 - 0.7*a.profile.AgeYears
	}
	hrRest := a.profile.HRRest
	if hrRest <= 0 {
		hrRest = 60
	}

	v := 15.3 * (hrMax / hrRest)
	return &v, ""
}
