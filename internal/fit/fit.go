// Package fit encodes a finished workout into the FIT binary activity
// format: file header, File ID / Device Info / Event / Record / Lap /
// Session / Activity messages, and a trailing CRC16, per §4.7.
package fit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/lowaak/fitbridge/internal/model"
)

// ErrNoSamples is returned when asked to encode a workout with no
// persisted samples — the encoder never emits a partial or empty-looking
// activity file, per §7's "encoding errors are never silent" rule.
var ErrNoSamples = errors.New("fit: workout has no samples")

// fitEpoch is FIT's own epoch: UTC seconds since 1989-12-31T00:00:00Z.
var fitEpoch = time.Date(1989, 12, 31, 0, 0, 0, 0, time.UTC)

// garminManufacturerID is Garmin's own registered FIT manufacturer ID.
// The defect §4.7 calls out used devManufacturerID (FIT's "unrecognized
// development tool" code) instead, which makes Garmin Connect zero the
// activity's training load. This encoder always uses garminManufacturerID.
const (
	garminManufacturerID = 1
	devManufacturerID    = 255  // unused; documents the bug this encoder avoids
	productID            = 7810 // private-range product id for this bridge
	softwareVersion      = 100
	hardwareVersion      = 1
)

// Sentinel "field not present" values per FIT base type.
const (
	invalidU8  = 0xFF
	invalidU16 = 0xFFFF
	invalidU32 = 0xFFFFFFFF
)

// global message numbers
const (
	mesgFileID     = 0
	mesgDeviceInfo = 23
	mesgEvent      = 21
	mesgRecord     = 20
	mesgLap        = 19
	mesgSession    = 18
	mesgActivity   = 34
)

// local message type numbers, fixed per §4.7.
const (
	localFileID     = 0
	localDeviceInfo = 1
	localEvent      = 2
	localRecord     = 3
	localLap        = 4
	localSession    = 5
	localActivity   = 6
)

const (
	sportCycling = 2
	sportRowing  = 15

	subSportIndoorCycling = 6
	subSportIndoorRowing  = 14

	eventTimer     = 0
	eventTypeStart = 0
	eventTypeStop  = 4

	fileTypeActivity = 4

	sessionTriggerActivityEnd = 0
	lapTriggerSessionEnd      = 7
)

// Encode builds a complete FIT activity file for one finished workout.
func Encode(w model.Workout, summary model.Summary, samples []model.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	start := w.StartTime
	end := start
	if w.EndTime != nil {
		end = *w.EndTime
	}

	var body bytes.Buffer
	writeFileID(&body, start)
	writeDeviceInfo(&body, start)
	writeEvent(&body, start, eventTypeStart)
	for _, s := range samples {
		writeRecord(&body, s)
	}
	writeLap(&body, w, start, end, summary)
	writeEvent(&body, end, eventTypeStop)
	writeSession(&body, w, start, end, summary)
	writeActivity(&body, end, summary)

	return assemble(body.Bytes())
}

// assemble prepends the 14-byte file header (with data_size patched to the
// body length) and appends the trailing CRC16 of header+body.
func assemble(body []byte) ([]byte, error) {
	header := make([]byte, 14)
	header[0] = 14                                  // header size
	header[1] = 0x20                                // protocol version 2.0
	binary.LittleEndian.PutUint16(header[2:4], 100) // profile version
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	copy(header[8:12], []byte(".FIT"))
	headerCRC := crc16(header[:12])
	binary.LittleEndian.PutUint16(header[12:14], headerCRC)

	out := make([]byte, 0, len(header)+len(body)+2)
	out = append(out, header...)
	out = append(out, body...)

	trailerCRC := crc16(out)
	out = binary.LittleEndian.AppendUint16(out, trailerCRC)
	return out, nil
}

func fitTime(t time.Time) uint32 {
	if t.Before(fitEpoch) {
		return 0
	}
	return uint32(t.Sub(fitEpoch).Seconds())
}

// --- message writers ---

func definitionHeader(buf *bytes.Buffer, local byte) {
	buf.WriteByte(0x40 | local) // bit6 set = definition message
}

func dataHeader(buf *bytes.Buffer, local byte) {
	buf.WriteByte(local) // bit6 clear = data message
}

type field struct {
	num, size, baseType byte
}

func writeDefinition(buf *bytes.Buffer, local byte, global uint16, fields []field) {
	definitionHeader(buf, local)
	buf.WriteByte(0) // reserved
	buf.WriteByte(0) // architecture: little endian
	binary.Write(buf, binary.LittleEndian, global)
	buf.WriteByte(byte(len(fields)))
	for _, f := range fields {
		buf.WriteByte(f.num)
		buf.WriteByte(f.size)
		buf.WriteByte(f.baseType)
	}
}

const (
	baseEnum   = 0x00
	baseUint8  = 0x02
	baseUint16 = 0x84
	baseUint32 = 0x86
)

func writeFileID(buf *bytes.Buffer, created time.Time) {
	writeDefinition(buf, localFileID, mesgFileID, []field{
		{0, 1, baseEnum},   // type
		{1, 2, baseUint16}, // manufacturer
		{2, 2, baseUint16}, // product
		{3, 4, baseUint32}, // serial_number
		{4, 4, baseUint32}, // time_created
	})
	dataHeader(buf, localFileID)
	buf.WriteByte(fileTypeActivity)
	binary.Write(buf, binary.LittleEndian, uint16(garminManufacturerID))
	binary.Write(buf, binary.LittleEndian, uint16(productID))
	binary.Write(buf, binary.LittleEndian, uint32(0x12345678))
	binary.Write(buf, binary.LittleEndian, fitTime(created))
}

func writeDeviceInfo(buf *bytes.Buffer, ts time.Time) {
	writeDefinition(buf, localDeviceInfo, mesgDeviceInfo, []field{
		{253, 4, baseUint32}, // timestamp
		{2, 2, baseUint16},   // manufacturer
		{4, 2, baseUint16},   // product
		{5, 2, baseUint16},   // software_version
		{6, 1, baseUint8},    // hardware_version
	})
	dataHeader(buf, localDeviceInfo)
	binary.Write(buf, binary.LittleEndian, fitTime(ts))
	binary.Write(buf, binary.LittleEndian, uint16(garminManufacturerID))
	binary.Write(buf, binary.LittleEndian, uint16(productID))
	binary.Write(buf, binary.LittleEndian, uint16(softwareVersion))
	buf.WriteByte(hardwareVersion)
}

func writeEvent(buf *bytes.Buffer, ts time.Time, eventType byte) {
	writeDefinition(buf, localEvent, mesgEvent, []field{
		{253, 4, baseUint32}, // timestamp
		{0, 1, baseEnum},     // event
		{1, 1, baseEnum},     // event_type
	})
	dataHeader(buf, localEvent)
	binary.Write(buf, binary.LittleEndian, fitTime(ts))
	buf.WriteByte(eventTimer)
	buf.WriteByte(eventType)
}

func writeRecord(buf *bytes.Buffer, s model.Sample) {
	writeDefinition(buf, localRecord, mesgRecord, []field{
		{253, 4, baseUint32}, // timestamp
		{3, 1, baseUint8},    // heart_rate
		{4, 1, baseUint8},    // cadence
		{5, 4, baseUint32},   // distance, scale 100
		{6, 2, baseUint16},   // speed, scale 1000 (m/s)
		{7, 2, baseUint16},   // power
	})
	dataHeader(buf, localRecord)
	binary.Write(buf, binary.LittleEndian, fitTime(s.T))

	hr := byte(invalidU8)
	if s.HeartRateBPM != 0 {
		hr = s.HeartRateBPM
	}
	buf.WriteByte(hr)

	cadence := byte(invalidU8)
	if s.InstantCadence != nil {
		cadence = byte(*s.InstantCadence)
	}
	buf.WriteByte(cadence)

	distance := uint32(invalidU32)
	if s.TotalDistanceM != nil {
		distance = *s.TotalDistanceM * 100
	}
	binary.Write(buf, binary.LittleEndian, distance)

	speed := uint16(invalidU16)
	if s.InstantSpeedKph != nil {
		speed = uint16(*s.InstantSpeedKph / 3.6 * 1000)
	}
	binary.Write(buf, binary.LittleEndian, speed)

	power := uint16(invalidU16)
	if s.InstantPowerW != nil {
		power = uint16(*s.InstantPowerW)
	}
	binary.Write(buf, binary.LittleEndian, power)
}

func writeLap(buf *bytes.Buffer, w model.Workout, start, end time.Time, sum model.Summary) {
	writeDefinition(buf, localLap, mesgLap, []field{
		{253, 4, baseUint32}, // timestamp
		{2, 4, baseUint32},   // start_time
		{7, 4, baseUint32},   // total_elapsed_time, scale 1000
		{8, 4, baseUint32},   // total_timer_time, scale 1000
		{9, 4, baseUint32},   // total_distance, scale 100
		{11, 2, baseUint16},  // total_calories
		{13, 2, baseUint16},  // avg_speed, scale 1000
		{14, 2, baseUint16},  // max_speed, scale 1000
		{15, 1, baseUint8},   // avg_heart_rate
		{16, 1, baseUint8},   // max_heart_rate
		{17, 1, baseUint8},   // avg_cadence
		{19, 2, baseUint16},  // avg_power
		{20, 2, baseUint16},  // max_power
		{25, 1, baseEnum},    // sport
	})
	dataHeader(buf, localLap)
	writeLapOrSessionTotals(buf, start, end, sum, w.Kind)
}

func writeLapOrSessionTotals(buf *bytes.Buffer, start, end time.Time, sum model.Summary, kind model.Kind) {
	binary.Write(buf, binary.LittleEndian, fitTime(end))
	binary.Write(buf, binary.LittleEndian, fitTime(start))
	elapsed := uint32(sum.ActiveDurationS * 1000)
	binary.Write(buf, binary.LittleEndian, elapsed)
	binary.Write(buf, binary.LittleEndian, elapsed)
	binary.Write(buf, binary.LittleEndian, uint32(sum.TotalDistanceM*100))
	binary.Write(buf, binary.LittleEndian, uint16(sum.TotalEnergyKcal))
	binary.Write(buf, binary.LittleEndian, uint16(sum.AvgSpeedKph/3.6*1000))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // max_speed not tracked separately
	avgHR := byte(invalidU8)
	maxHR := byte(invalidU8)
	if sum.AvgHeartRateBPM > 0 {
		avgHR = byte(sum.AvgHeartRateBPM)
	}
	if sum.MaxHeartRateBPM > 0 {
		maxHR = sum.MaxHeartRateBPM
	}
	buf.WriteByte(avgHR)
	buf.WriteByte(maxHR)
	buf.WriteByte(byte(sum.AvgCadence))
	binary.Write(buf, binary.LittleEndian, uint16(sum.AvgPowerW))
	binary.Write(buf, binary.LittleEndian, uint16(sum.MaxPowerW))
	sport := byte(sportCycling)
	if kind == model.KindRower {
		sport = sportRowing
	}
	buf.WriteByte(sport)
}

func writeSession(buf *bytes.Buffer, w model.Workout, start, end time.Time, sum model.Summary) {
	writeDefinition(buf, localSession, mesgSession, []field{
		{253, 4, baseUint32}, // timestamp
		{2, 4, baseUint32},   // start_time
		{7, 4, baseUint32},   // total_elapsed_time
		{8, 4, baseUint32},   // total_timer_time
		{9, 4, baseUint32},   // total_distance
		{11, 2, baseUint16},  // total_calories
		{14, 2, baseUint16},  // avg_speed
		{15, 2, baseUint16},  // max_speed
		{16, 1, baseUint8},   // avg_heart_rate
		{17, 1, baseUint8},   // max_heart_rate
		{18, 1, baseUint8},   // avg_cadence
		{20, 2, baseUint16},  // avg_power
		{21, 2, baseUint16},  // max_power
		{5, 1, baseEnum},     // sport
		{6, 1, baseEnum},     // sub_sport
		{25, 2, baseUint16},  // first_lap_index
		{26, 2, baseUint16},  // num_laps
		{28, 1, baseEnum},    // trigger
	})
	dataHeader(buf, localSession)
	writeLapOrSessionTotals(buf, start, end, sum, w.Kind)
	subSport := byte(subSportIndoorCycling)
	if w.Kind == model.KindRower {
		subSport = subSportIndoorRowing
	}
	buf.WriteByte(subSport)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // first_lap_index
	binary.Write(buf, binary.LittleEndian, uint16(1)) // num_laps
	buf.WriteByte(sessionTriggerActivityEnd)
}

func writeActivity(buf *bytes.Buffer, end time.Time, sum model.Summary) {
	writeDefinition(buf, localActivity, mesgActivity, []field{
		{253, 4, baseUint32}, // timestamp
		{0, 4, baseUint32},   // total_timer_time
		{1, 2, baseUint16},   // num_sessions
		{2, 1, baseEnum},     // type
		{3, 1, baseEnum},     // event
		{4, 1, baseEnum},     // event_type
		{5, 4, baseUint32},   // local_timestamp
	})
	dataHeader(buf, localActivity)
	binary.Write(buf, binary.LittleEndian, fitTime(end))
	binary.Write(buf, binary.LittleEndian, uint32(sum.ActiveDurationS*1000))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	buf.WriteByte(0)  // manual activity
	buf.WriteByte(26) // event = activity
	buf.WriteByte(eventTypeStop)
	binary.Write(buf, binary.LittleEndian, fitTime(end))
}
