// Package simulator produces deterministic, bounded-jitter Samples at 1 Hz
// as a stand-in for a live BLE fitness machine. internal/source.Facade
// drives it directly through its own methods; it does not implement
// ble.Transport.
package simulator

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/safego"
)

// means holds the fixed mean/±range pairs from §4.3 for one Kind.
type means struct {
	powerW      float64
	powerRange  float64
	cadence     float64
	cadenceRng  float64
	speedKph    float64
	speedRange  float64
}

var meansByKind = map[model.Kind]means{
	model.KindBike:  {powerW: 150, powerRange: 20, cadence: 80, cadenceRng: 5, speedKph: 25, speedRange: 3},
	model.KindRower: {powerW: 180, powerRange: 20, cadence: 25, cadenceRng: 3, speedKph: 18, speedRange: 2},
}

// Source is a deterministic device source: it implements the same
// discover/connect/subscribe surface the façade expects from a live
// backend, but connect is instantaneous and samples are synthesized.
type Source struct {
	logger *log.Logger
	rng    *rand.Rand

	mu           sync.Mutex
	kind         model.Kind
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	onSample     func(model.Sample)
	totalDistM   float64
	totalKcal    float64
	elapsedS     int
	seed         int64
}

// NewSource panics if logger is nil. seed makes the generated sequence
// reproducible for tests; production callers pass time.Now().UnixNano().
func NewSource(logger *log.Logger, seed int64) *Source {
	if logger == nil {
		panic("simulator: logger cannot be nil")
	}
	return &Source{
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		seed:   seed,
	}
}

// Descriptor returns the fixed device descriptor the façade lists during
// discovery when simulator mode is enabled.
func Descriptor(kind model.Kind) model.DeviceDescriptor {
	name := "Simulated Bike"
	if kind == model.KindRower {
		name = "Simulated Rower"
	}
	return model.DeviceDescriptor{
		Address: "sim://" + string(kind),
		Name:    name,
		Kind:    kind,
		Source:  model.SourceSimulated,
	}
}

// OnSample registers the callback invoked once per generated sample.
func (s *Source) OnSample(fn func(model.Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSample = fn
}

// BeginWorkout starts the 1 Hz generation loop for kind. The simulator
// emits nothing before this call.
func (s *Source) BeginWorkout(kind model.Kind) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.kind = kind
	s.running = true
	s.totalDistM = 0
	s.totalKcal = 0
	s.elapsedS = 0
	s.mu.Unlock()

	s.wg.Add(1)
	safego.Go(s.logger, func() {
		defer s.wg.Done()
		s.run(ctx)
	})
}

// EndWorkout stops the loop after emitting one final sample carrying the
// accumulated totals.
func (s *Source) EndWorkout() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Source) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sample := s.generate()
			s.deliver(sample)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			sample := s.generate()
			s.deliver(sample)
		}
	}
}

func (s *Source) deliver(sample model.Sample) {
	s.mu.Lock()
	fn := s.onSample
	s.mu.Unlock()
	if fn != nil {
		fn(sample)
	}
}

func (s *Source) generate() model.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := meansByKind[s.kind]
	s.elapsedS++

	power := m.powerW + (s.rng.Float64()*2-1)*m.powerRange
	if power < 0 {
		power = 0
	}
	cadence := m.cadence + (s.rng.Float64()*2-1)*m.cadenceRng
	if cadence < 0 {
		cadence = 0
	}
	speed := m.speedKph + (s.rng.Float64()*2-1)*m.speedRange
	if speed < 0 {
		speed = 0
	}

	hr := clamp(80+power*0.5, 60, 200) + (s.rng.Float64()*2-1)*3

	s.totalDistM += speed * 1000 / 3600 // kph -> m/s over 1 second
	metabolicFactor := 1.0
	s.totalKcal += power * 1.0e-3 / 4.184 * metabolicFactor

	powerW := int16(math.Round(power))
	distM := uint32(math.Round(s.totalDistM))
	kcal := uint16(math.Round(s.totalKcal))
	elapsed := uint16(s.elapsedS)
	hrBpm := uint8(math.Round(hr))

	return model.Sample{
		T:               time.Now(),
		Kind:            s.kind,
		InstantPowerW:   &powerW,
		InstantCadence:  &cadence,
		InstantSpeedKph: &speed,
		TotalDistanceM:  &distM,
		TotalEnergyKcal: &kcal,
		ElapsedTimeS:    &elapsed,
		HeartRateBPM:    hrBpm,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
