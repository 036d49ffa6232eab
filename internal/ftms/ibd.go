package ftms

import (
	"encoding/binary"
	"fmt"
)

// ibd flag bits, Bluetooth SIG FTMS Indoor Bike Data characteristic.
// Bit 0 is inverted: 0 means instantaneous speed IS present.
const (
	ibdFlagMoreData             = 1 << 0
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

const energyNotAvailable16 = 0xFFFF

// indoorBikeData holds every optional IBD field as present-or-not; a nil
// pointer means the flag bit was clear, never a real zero reading.
type indoorBikeData struct {
	InstantaneousSpeedKmh   *float64
	AverageSpeedKmh         *float64
	InstantaneousCadenceRpm *float64
	AverageCadenceRpm       *float64
	TotalDistanceMeters     *uint32
	ResistanceLevel         *int16
	InstantaneousPowerW     *int16
	AveragePowerW           *int16
	TotalEnergyKcal         *uint16
	EnergyPerHourKcal       *uint16
	EnergyPerMinuteKcal     *uint8
	HeartRateBpm            *uint8
	MetabolicEquivalent     *float64
	ElapsedTimeSeconds      *uint16
	RemainingTimeSeconds    *uint16
}

// parseIndoorBikeData decodes one complete (unfragmented) IBD record per
// the field order fixed by the FTMS profile: each optional field is
// consumed only if its flag bit is set, and the cursor advances by that
// field's fixed width regardless of the value read.
func parseIndoorBikeData(buf []byte) (*indoorBikeData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("ftms: indoor bike data too short: %d bytes", len(buf))
	}
	flags := binary.LittleEndian.Uint16(buf[0:2])
	offset := 2
	data := &indoorBikeData{}

	hasInstantaneousSpeed := flags&ibdFlagMoreData == 0
	if hasInstantaneousSpeed {
		v, err := readUint16Scaled(buf, &offset, 0.01)
		if err != nil {
			return nil, err
		}
		data.InstantaneousSpeedKmh = &v
	}
	if flags&ibdFlagAverageSpeed != 0 {
		v, err := readUint16Scaled(buf, &offset, 0.01)
		if err != nil {
			return nil, err
		}
		data.AverageSpeedKmh = &v
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		v, err := readUint16Scaled(buf, &offset, 0.5)
		if err != nil {
			return nil, err
		}
		data.InstantaneousCadenceRpm = &v
	}
	if flags&ibdFlagAverageCadence != 0 {
		v, err := readUint16Scaled(buf, &offset, 0.5)
		if err != nil {
			return nil, err
		}
		data.AverageCadenceRpm = &v
	}
	if flags&ibdFlagTotalDistance != 0 {
		v, err := readUint24(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.TotalDistanceMeters = &v
	}
	if flags&ibdFlagResistanceLevel != 0 {
		v, err := readSint16(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.ResistanceLevel = &v
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		v, err := readSint16(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.InstantaneousPowerW = &v
	}
	if flags&ibdFlagAveragePower != 0 {
		v, err := readSint16(buf, &offset)
		if err != nil {
			return nil, err
		}
		data.AveragePowerW = &v
	}
	if flags&ibdFlagExpendedEnergy != 0 {
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
		// 0xFF UINT8 is "n/a" per the FMS profile; a stray UINT16 comment
		// in some source trees claiming otherwise does not apply here.
		if perMinute != 0xFF {
			data.EnergyPerMinuteKcal = &perMinute
		}
	}
	if flags&ibdFlagHeartRate != 0 {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for heart rate at offset %d", offset)
		}
		v := buf[offset]
		offset++
		data.HeartRateBpm = &v
	}
	if flags&ibdFlagMetabolicEquivalent != 0 {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for metabolic equivalent at offset %d", offset)
		}
		v := float64(buf[offset]) * 0.1
		offset++
		data.MetabolicEquivalent = &v
	}
	if flags&ibdFlagElapsedTime != 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for elapsed time at offset %d", offset)
		}
		v := binary.LittleEndian.Uint16(buf[offset : offset+2])
		offset += 2
		data.ElapsedTimeSeconds = &v
	}
	if flags&ibdFlagRemainingTime != 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("ftms: buffer too short for remaining time at offset %d", offset)
		}
		v := binary.LittleEndian.Uint16(buf[offset : offset+2])
		data.RemainingTimeSeconds = &v
	}

	return data, nil
}
