package ftms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIndoorBikeData_SingleNotification(t *testing.T) {
	d := NewDecoder()
	// flags=0x0000 (instant speed present, nothing else), speed=1000 (0x03E8) -> 10.00 kph
	buf := []byte{0x00, 0x00, 0xE8, 0x03}
	sample, ok := d.DecodeIndoorBikeData(buf)
	require.True(t, ok)
	require.NotNil(t, sample.InstantSpeedKph)
	assert.InDelta(t, 10.00, *sample.InstantSpeedKph, 0.001)
	assert.Equal(t, 0, d.Stats().MalformedRecords)
}

func TestDecodeIndoorBikeData_Fragmented(t *testing.T) {
	d := NewDecoder()

	// Fragment 1: flags=0x0001 (more data), partial payload 0xE8, 0x03.
	first, ok := d.DecodeIndoorBikeData([]byte{0x01, 0x00, 0xE8, 0x03})
	require.False(t, ok)
	require.Zero(t, first)

	// Fragment 2: flags=0x0000 terminates the record with no extra payload.
	sample, ok := d.DecodeIndoorBikeData([]byte{0x00, 0x00})
	require.True(t, ok)
	require.NotNil(t, sample.InstantSpeedKph)
	assert.InDelta(t, 10.00, *sample.InstantSpeedKph, 0.001)

	stats := d.Stats()
	assert.Equal(t, 0, stats.MalformedRecords)
	assert.Equal(t, 0, stats.TruncatedRecords)
}

func TestDecodeIndoorBikeData_ConflictingFragmentIsMalformed(t *testing.T) {
	d := NewDecoder()

	_, ok := d.DecodeIndoorBikeData([]byte{0x01, 0x00, 0xE8, 0x03})
	require.False(t, ok)

	// A second "more data" fragment arrives before the first completed:
	// the first buffer is discarded and malformed_records increments.
	_, ok = d.DecodeIndoorBikeData([]byte{0x01, 0x00, 0x64, 0x00})
	require.False(t, ok)
	assert.Equal(t, 1, d.Stats().MalformedRecords)

	sample, ok := d.DecodeIndoorBikeData([]byte{0x00, 0x00})
	require.True(t, ok)
	require.NotNil(t, sample.InstantSpeedKph)
	assert.InDelta(t, 1.00, *sample.InstantSpeedKph, 0.001)
}

func TestDecodeIndoorBikeData_TruncatedPayloadIsSwallowed(t *testing.T) {
	d := NewDecoder()
	// flags claim instant power present (bit6, 0x0040) but no bytes follow.
	buf := []byte{0x40, 0x00}
	sample, ok := d.DecodeIndoorBikeData(buf)
	assert.False(t, ok)
	assert.Zero(t, sample)
	assert.Equal(t, 1, d.Stats().TruncatedRecords)
}

func TestDecodeIndoorBikeData_AllOptionalFields(t *testing.T) {
	d := NewDecoder()
	flags := uint16(ibdFlagAverageSpeed | ibdFlagInstantaneousCadence | ibdFlagAverageCadence |
		ibdFlagTotalDistance | ibdFlagResistanceLevel | ibdFlagInstantaneousPower | ibdFlagAveragePower |
		ibdFlagExpendedEnergy | ibdFlagHeartRate | ibdFlagMetabolicEquivalent | ibdFlagElapsedTime | ibdFlagRemainingTime)
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0xE8, 0x03, // instant speed 10.00
		0xE8, 0x03, // avg speed 10.00
		0xA0, 0x00, // instant cadence 80.0 rpm (160*0.5)
		0xA0, 0x00, // avg cadence
		0x10, 0x27, 0x00, // total distance 10000 m
		0x05, 0x00, // resistance level 5
		0x96, 0x00, // instant power 150
		0x8c, 0x00, // avg power 140
		0x64, 0x00, // total energy 100 kcal
		0xE8, 0x03, // energy per hour 1000
		0x02,       // energy per minute 2
		0x8C,       // heart rate 140
		0x64,       // MET 10.0
		0x0A, 0x00, // elapsed 10s
		0x05, 0x00, // remaining 5s
	}
	sample, ok := d.DecodeIndoorBikeData(buf)
	require.True(t, ok)
	require.NotNil(t, sample.InstantPowerW)
	assert.EqualValues(t, 150, *sample.InstantPowerW)
	require.NotNil(t, sample.TotalDistanceM)
	assert.EqualValues(t, 10000, *sample.TotalDistanceM)
	assert.EqualValues(t, 140, sample.HeartRateBPM)
}

func TestDecodeRowerData_StrokeRateAndPower(t *testing.T) {
	d := NewDecoder()
	flags := uint16(rdFlagInstantaneousPower)
	buf := []byte{
		byte(flags), byte(flags >> 8),
		0x32, 0x0A, 0x00, // stroke rate 25.0 spm (50*0.5), stroke count 10
		0xB4, 0x00, // instant power 180
	}
	sample, ok := d.DecodeRowerData(buf)
	require.True(t, ok)
	require.NotNil(t, sample.InstantCadence)
	assert.InDelta(t, 25.0, *sample.InstantCadence, 0.001)
	require.NotNil(t, sample.InstantPowerW)
	assert.EqualValues(t, 180, *sample.InstantPowerW)
	assert.Equal(t, "rower", string(sample.Kind))
}
