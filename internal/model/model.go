// Package model holds the domain types shared across the bridge:
// device descriptors, samples, workouts and their derived summaries.
// None of these types know about BLE, SQL or FIT — those concerns live
// in the packages that produce or consume them.
package model

import "time"

// Kind distinguishes the two fitness machine categories this bridge
// understands. A DeviceDescriptor's Kind selects which FMS characteristic
// (Indoor Bike Data or Rower Data) its samples were decoded from.
type Kind string

const (
	KindBike  Kind = "bike"
	KindRower Kind = "rower"
)

// SourceKind names where a Workout's samples originate.
type SourceKind string

const (
	SourceLive      SourceKind = "live"
	SourceSimulated SourceKind = "simulated"
)

// WorkoutState is the lifecycle state of a Workout record.
type WorkoutState string

const (
	WorkoutIdle       WorkoutState = "idle"
	WorkoutActive     WorkoutState = "active"
	WorkoutFinalizing WorkoutState = "finalizing"
	WorkoutEnded      WorkoutState = "ended"
	WorkoutAborted    WorkoutState = "aborted"
)

// DeviceDescriptor identifies a fitness machine, whether reached over BLE
// or synthesized by the simulator.
type DeviceDescriptor struct {
	Address string
	Name    string
	Kind    Kind
	Source  SourceKind
}

// Sample is one decoded reading from a fitness machine at a point in time.
// Every field beyond Kind and T is optional: a nil pointer means the
// underlying characteristic did not report that field on this notification,
// never a real zero value. HeartRateBPM uses 0 as its own "absent" sentinel
// per the FMS heart-rate field's own semantics, so aggregation treats
// HeartRateBPM == 0 as absent rather than requiring callers to check a
// separate pointer.
type Sample struct {
	T               time.Time
	Kind            Kind
	InstantPowerW   *int16
	AvgPowerW       *int16
	InstantCadence  *float64 // rpm (bike) or spm (rower, as stroke rate)
	InstantSpeedKph *float64
	TotalDistanceM  *uint32
	HeartRateBPM    uint8
	TotalEnergyKcal *uint16
	ElapsedTimeS    *uint16
	ResistanceLevel *int16
}

// Workout is one recorded session: a contiguous stretch of samples from a
// single device between BeginWorkout and EndWorkout/abort.
type Workout struct {
	ID        string
	Device    DeviceDescriptor
	Kind      Kind
	StartTime time.Time
	EndTime   *time.Time
	State     WorkoutState
}

// Summary is the aggregated, incrementally-maintained rollup of a
// Workout's samples. Averages beyond AvgSpeedKph are simple arithmetic
// means of the samples that reported the field; AvgSpeedKph is
// time-weighted (see internal/aggregate) because sample spacing is not
// guaranteed to be uniform.
type Summary struct {
	SampleCount      int
	AvgPowerW        float64
	MaxPowerW        int16
	AvgCadence       float64
	AvgSpeedKph      float64
	MaxHeartRateBPM  uint8
	AvgHeartRateBPM  float64
	TotalDistanceM   float64
	TotalEnergyKcal  float64
	ActiveDurationS  float64
	EstimatedVO2Max  *float64
	VO2MaxReason     string // set when EstimatedVO2Max is nil, e.g. "hr_too_low"
	MalformedRecords int
	TruncatedRecords int
	DroppedOverflow  int
	DuplicateDropped int
}
