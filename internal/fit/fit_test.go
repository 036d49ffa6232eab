package fit

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/fitbridge/internal/model"
)

func sampleWorkout() (model.Workout, model.Summary, []model.Sample) {
	start := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)
	power := int16(180)
	speed := 28.5
	dist := uint32(4750)
	w := model.Workout{
		ID:        "wk-1",
		Kind:      model.KindBike,
		StartTime: start,
		EndTime:   &end,
		State:     model.WorkoutEnded,
	}
	sum := model.Summary{
		SampleCount:     2,
		AvgPowerW:       175,
		MaxPowerW:       200,
		AvgSpeedKph:     27.9,
		AvgHeartRateBPM: 140,
		MaxHeartRateBPM: 155,
		TotalDistanceM:  float64(dist),
		TotalEnergyKcal: 95,
		ActiveDurationS: 600,
	}
	samples := []model.Sample{
		{T: start.Add(1 * time.Second), Kind: model.KindBike, InstantPowerW: &power, InstantSpeedKph: &speed, TotalDistanceM: &dist, HeartRateBPM: 140},
		{T: start.Add(2 * time.Second), Kind: model.KindBike, HeartRateBPM: 142},
	}
	return w, sum, samples
}

func TestEncode_HeaderAndTrailerAreConsistent(t *testing.T) {
	w, sum, samples := sampleWorkout()
	out, err := Encode(w, sum, samples)
	require.NoError(t, err)
	require.Greater(t, len(out), 14+2)

	assert.Equal(t, byte(14), out[0], "header size")
	assert.Equal(t, ".FIT", string(out[8:12]))

	dataSize := binary.LittleEndian.Uint32(out[4:8])
	bodyStart := 14
	bodyEnd := bodyStart + int(dataSize)
	assert.Equal(t, len(out), bodyEnd+2, "data_size plus trailer must account for the whole file")

	headerCRC := binary.LittleEndian.Uint16(out[12:14])
	assert.Equal(t, crc16(out[:12]), headerCRC)

	trailerCRC := binary.LittleEndian.Uint16(out[len(out)-2:])
	assert.Equal(t, crc16(out[:len(out)-2]), trailerCRC)
}

func TestEncode_FileIDUsesGarminManufacturerNeverDevelopment(t *testing.T) {
	w, sum, samples := sampleWorkout()
	out, err := Encode(w, sum, samples)
	require.NoError(t, err)

	// file_id definition message is 21 bytes (1 header + 1 reserved + 1
	// arch + 2 global num + 1 field count + 5 fields * 3 bytes); its data
	// message follows with a 1-byte header, then a 1-byte `type`, then
	// the 2-byte `manufacturer` field.
	manufacturerOffset := 14 + 21 + 1 + 1
	got := binary.LittleEndian.Uint16(out[manufacturerOffset : manufacturerOffset+2])
	assert.EqualValues(t, garminManufacturerID, got)
	assert.NotEqualValues(t, devManufacturerID, got)
}

func TestEncode_NoSamplesIsAnError(t *testing.T) {
	w, sum, _ := sampleWorkout()
	_, err := Encode(w, sum, nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestEncode_SpeedConversionIsKphToMetersPerSecond(t *testing.T) {
	// 28.5 kph -> 7.9166... m/s -> scale 1000 -> 7916 (truncated)
	w, sum, samples := sampleWorkout()
	out, err := Encode(w, sum, samples)
	require.NoError(t, err)

	// The first record's speed field sits after the header (14), file_id
	// definition+data (21+14), device_info definition+data (21+12), start
	// event definition+data (15+7), record definition (24), then the record's
	// own header (1), timestamp (4), heart_rate (1), cadence (1) and
	// distance (4).
	speedOffset := 14 + 21 + 14 + 21 + 12 + 15 + 7 + 24 + 1 + 4 + 1 + 1 + 4
	gotSpeed := binary.LittleEndian.Uint16(out[speedOffset : speedOffset+2])
	assert.InDelta(t, 7916, float64(gotSpeed), 2)
}
