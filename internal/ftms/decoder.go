package ftms

import (
	"sync"
	"time"

	"github.com/lowaak/fitbridge/internal/model"
)

// fragmentState accumulates payload bytes (flags stripped) across
// notifications for one characteristic while More Data = 1.
type fragmentState struct {
	active  bool
	payload []byte
}

// Decoder turns raw FMS notification bytes into Samples. It keeps
// fragmentation state per characteristic (IBD and RD never interleave
// fragments with each other) and a set of counters the control API's
// status operation surfaces.
type Decoder struct {
	mu sync.Mutex

	ibd fragmentState
	rd  fragmentState

	malformedRecords int
	truncatedRecords int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Stats is a point-in-time snapshot of the decoder's failure counters.
type Stats struct {
	MalformedRecords int
	TruncatedRecords int
}

func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{MalformedRecords: d.malformedRecords, TruncatedRecords: d.truncatedRecords}
}

// Reset clears fragmentation state for both characteristics, as required
// on disconnect so a stale partial record from a previous connection can
// never be spliced onto bytes from a new one.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ibd = fragmentState{}
	d.rd = fragmentState{}
}

// DecodeIndoorBikeData feeds one notification's raw bytes from the IBD
// characteristic through fragmentation reassembly and, once a complete
// record is available, the field decoder. ok is false while a fragment is
// still being buffered or the record was dropped as malformed/truncated;
// drops are reported only through the Stats counters, never as an error.
func (d *Decoder) DecodeIndoorBikeData(buf []byte) (sample model.Sample, ok bool) {
	d.mu.Lock()
	complete, dropped := reassemble(&d.ibd, buf, ibdFlagMoreData)
	if dropped {
		d.malformedRecords++
	}
	d.mu.Unlock()

	if complete == nil {
		return model.Sample{}, false
	}

	parsed, err := parseIndoorBikeData(complete)
	if err != nil {
		d.mu.Lock()
		d.truncatedRecords++
		d.mu.Unlock()
		return model.Sample{}, false
	}

	return sampleFromIndoorBikeData(parsed), true
}

// DecodeRowerData is the RD-characteristic analogue of DecodeIndoorBikeData.
func (d *Decoder) DecodeRowerData(buf []byte) (sample model.Sample, ok bool) {
	d.mu.Lock()
	complete, dropped := reassemble(&d.rd, buf, rdFlagMoreData)
	if dropped {
		d.malformedRecords++
	}
	d.mu.Unlock()

	if complete == nil {
		return model.Sample{}, false
	}

	parsed, err := parseRowerData(complete)
	if err != nil {
		d.mu.Lock()
		d.truncatedRecords++
		d.mu.Unlock()
		return model.Sample{}, false
	}

	return sampleFromRowerData(parsed), true
}

// reassemble applies the More Data fragmentation rule and returns a
// complete [flags|payload] buffer ready for field decoding, or nil while
// still buffering. dropped reports whether a conflicting in-progress
// buffer was discarded (the malformed_records case).
func reassemble(state *fragmentState, buf []byte, moreDataBit uint16) (complete []byte, dropped bool) {
	if len(buf) < 2 {
		return nil, false
	}
	flags := uint16(buf[0]) | uint16(buf[1])<<8
	payload := buf[2:]
	moreData := flags&moreDataBit != 0

	switch {
	case moreData && state.active:
		// A fragment arrived while one was already buffered: the prior
		// buffer is abandoned rather than silently merged.
		state.payload = append([]byte(nil), payload...)
		return nil, true

	case moreData && !state.active:
		state.active = true
		state.payload = append([]byte(nil), payload...)
		return nil, false

	case !moreData && state.active:
		full := append(state.payload, payload...)
		*state = fragmentState{}
		finalFlags := flags &^ moreDataBit
		record := make([]byte, 2, 2+len(full))
		record[0] = byte(finalFlags)
		record[1] = byte(finalFlags >> 8)
		record = append(record, full...)
		return record, false

	default: // !moreData && !state.active: an ordinary, unfragmented record
		return append([]byte(nil), buf...), false
	}
}

func sampleFromIndoorBikeData(d *indoorBikeData) model.Sample {
	s := model.Sample{
		T:               time.Now(),
		Kind:            model.KindBike,
		InstantSpeedKph: d.InstantaneousSpeedKmh,
		InstantPowerW:   d.InstantaneousPowerW,
		AvgPowerW:       d.AveragePowerW,
		InstantCadence:  d.InstantaneousCadenceRpm,
		TotalDistanceM:  d.TotalDistanceMeters,
		ElapsedTimeS:    d.ElapsedTimeSeconds,
		ResistanceLevel: d.ResistanceLevel,
	}
	if d.HeartRateBpm != nil {
		s.HeartRateBPM = *d.HeartRateBpm
	}
	if d.TotalEnergyKcal != nil {
		s.TotalEnergyKcal = d.TotalEnergyKcal
	}
	return s
}

func sampleFromRowerData(d *rowerData) model.Sample {
	s := model.Sample{
		T:               time.Now(),
		Kind:            model.KindRower,
		InstantPowerW:   d.InstantaneousPowerW,
		AvgPowerW:       d.AveragePowerW,
		InstantCadence:  d.StrokeRateSpm,
		TotalDistanceM:  d.TotalDistanceMeters,
		ElapsedTimeS:    d.ElapsedTimeSeconds,
		ResistanceLevel: d.ResistanceLevel,
	}
	if d.HeartRateBpm != nil {
		s.HeartRateBPM = *d.HeartRateBpm
	}
	if d.TotalEnergyKcal != nil {
		s.TotalEnergyKcal = d.TotalEnergyKcal
	}
	return s
}
