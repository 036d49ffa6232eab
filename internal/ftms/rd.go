package ftms

import (
	"encoding/binary"
	"fmt"
)

// Rower Data flag bits, Bluetooth SIG FTMS Rower Data characteristic
// (UUID 0x2AD1). Bit 0 is inverted like IBD: 0 means stroke rate and
// stroke count ARE present.
const (
	rdFlagMoreData             = 1 << 0
	rdFlagAverageStrokeRate    = 1 << 1
	rdFlagTotalDistance        = 1 << 2
	rdFlagInstantaneousPace    = 1 << 3
	rdFlagAveragePace          = 1 << 4
	rdFlagInstantaneousPower   = 1 << 5
	rdFlagAveragePower         = 1 << 6
	rdFlagResistanceLevel      = 1 << 7
	rdFlagExpendedEnergy       = 1 << 8
	rdFlagHeartRate            = 1 << 9
	rdFlagMetabolicEquivalent  = 1 << 10
	rdFlagElapsedTime          = 1 << 11
	rdFlagRemainingTime        = 1 << 12
)

// rowerData mirrors indoorBikeData for the rower characteristic's field
// set; every pointer field is nil when its flag bit is clear.
type rowerData struct {
	StrokeRateSpm         *float64
	StrokeCount           *uint16
	AverageStrokeRateSpm  *float64
	TotalDistanceMeters   *uint32
	InstantaneousPaceS    *uint16
	AveragePaceS          *uint16
	InstantaneousPowerW   *int16
	AveragePowerW         *int16
	ResistanceLevel       *int16
	TotalEnergyKcal       *uint16
	EnergyPerHourKcal     *uint16
	EnergyPerMinuteKcal   *uint8
	HeartRateBpm          *uint8
	MetabolicEquivalent   *float64
	ElapsedTimeSeconds    *uint16
	RemainingTimeSeconds  *uint16
}

func parseRowerData(buf []byte) (*rowerData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("ftms: rower data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf[0:2])
	offset := 2
	data := &rowerData{}

	hasStrokeRate := flags&rdFlagMoreData == 0
	if hasStrokeRate {
		if offset+3 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for stroke rate at offset %d", offset)
		}
		rate := float64(buf[offset]) * 0.5
		count := binary.LittleEndian.Uint16(buf[offset+1 : offset+3])
		offset += 3
		data.StrokeRateSpm = &rate
		data.StrokeCount = &count
	}
	if flags&rdFlagAverageStrokeRate != 0 {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for average stroke rate at offset %d", offset)
		}
		rate := float64(buf[offset]) * 0.5
		offset++
		data.AverageStrokeRateSpm = &rate
	}
	if flags&rdFlagTotalDistance != 0 {
		v, err := readUint24(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.TotalDistanceMeters = &v
	}
	if flags&rdFlagInstantaneousPace != 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for instantaneous pace at offset %d", offset)
		}
		v := binary.LittleEndian.Uint16(buf[offset : offset+2])
		offset += 2
		data.InstantaneousPaceS = &v
	}
	if flags&rdFlagAveragePace != 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for average pace at offset %d", offset)
		}
		v := binary.LittleEndian.Uint16(buf[offset : offset+2])
		offset += 2
		data.AveragePaceS = &v
	}
	if flags&rdFlagInstantaneousPower != 0 {
		v, err := readSint16(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.InstantaneousPowerW = &v
	}
	if flags&rdFlagAveragePower != 0 {
		v, err := readSint16(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.AveragePowerW = &v
	}
	if flags&rdFlagResistanceLevel != 0 {
		v, err := readSint16(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.ResistanceLevel = &v
	}
	if flags&rdFlagExpendedEnergy != 0 {
		if offset+5 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for expended energy at offset %d", offset)
		}
		total := binary.LittleEndian.Uint16(buf[offset : offset+2])
		perHour := binary.LittleEndian.Uint16(buf[offset+2 : offset+4])
		perMinute := buf[offset+4]
		offset += 5
		if total != energyNotAvailable16 {
			data.TotalEnergyKcal = &total
		}
		if perHour != energyNotAvailable16 {
			data.EnergyPerHourKcal = &perHour
		}
		if perMinute != 0xFF {
			data.EnergyPerMinuteKcal = &perMinute
		}
	}
	if flags&rdFlagHeartRate != 0 {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for heart rate at offset %d", offset)
		}
		v := buf[offset]
		offset++
		data.HeartRateBpm = &v
	}
	if flags&rdFlagMetabolicEquivalent != 0 {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for metabolic equivalent at offset %d", offset)
		}
		v := float64(buf[offset]) * 0.1
		offset++
		data.MetabolicEquivalent = &v
	}
	if flags&rdFlagElapsedTime != 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for elapsed time at offset %d", offset)
		}
		v := binary.LittleEndian.Uint16(buf[offset : offset+2])
		offset += 2
		data.ElapsedTimeSeconds = &v
	}
	if flags&rdFlagRemainingTime != 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for remaining time at offset %d", offset)
		}
		v := binary.LittleEndian.Uint16(buf[offset : offset+2])
		data.RemainingTimeSeconds = &v
	}

	return data, nil
}
