// Package source unifies a live BLE fitness machine and the deterministic
// simulator behind one contract. The façade holds both backends at once and
// routes each Connect by the descriptor's Source field; no single backend
// is fixed at construction.
package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lowaak/fitbridge/internal/ble"
	"github.com/lowaak/fitbridge/internal/events"
	"github.com/lowaak/fitbridge/internal/ftms"
	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/safego"
	"github.com/lowaak/fitbridge/internal/simulator"
)

var (
	ErrNotConnected     = errors.New("source: not connected")
	ErrAlreadyConnected = errors.New("source: already connected")
)

// Backoff schedule from §4.4: 1s, 2s, 4s, 8s, capped at 30s, abandoned
// after a 120s total window.
var backoffSteps = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

const backoffCap = 30 * time.Second

// backoffWindow is a var, not a const, so tests can shorten it instead of
// waiting out the real abandon-after-120s window.
var backoffWindow = 120 * time.Second

// DecodeError reports a batch of protocol-error counter increments the
// decoder recorded while handling one notification.
type DecodeError struct {
	Malformed int
	Truncated int
}

// Facade is the device source the workout manager talks to. It never
// exposes whether the connected device is live or simulated beyond the
// DeviceDescriptor.Source field.
type Facade struct {
	logger *log.Logger
	zapLog *zap.Logger

	transport ble.Transport
	decoder   *ftms.Decoder
	simSource *simulator.Source

	sampleEvent      *events.CallbackEvent[model.Sample]
	stateEvent       *events.CallbackEvent[ble.State]
	abortedEvent     *events.CallbackEvent[struct{}]
	decodeErrorEvent *events.CallbackEvent[DecodeError]

	mu          sync.Mutex
	connected   model.DeviceDescriptor
	isConnected bool
	workoutKind model.Kind
	workoutLive bool
	lastT       time.Time
	backoffCtx  context.Context
	backoffStop context.CancelFunc
}

// NewFacade panics if transport, decoder, sim, or logger is nil. zapLog may
// be nil, in which case backoff attempts are only logged through logger.
func NewFacade(transport ble.Transport, decoder *ftms.Decoder, sim *simulator.Source, logger *log.Logger, zapLog *zap.Logger) *Facade {
	if transport == nil {
		panic("source: transport cannot be nil")
	}
	if decoder == nil {
		panic("source: decoder cannot be nil")
	}
	if sim == nil {
		panic("source: simulator cannot be nil")
	}
	if logger == nil {
		panic("source: logger cannot be nil")
	}
	f := &Facade{
		logger:           logger,
		zapLog:           zapLog,
		transport:        transport,
		decoder:          decoder,
		simSource:        sim,
		sampleEvent:      events.NewCallbackEvent[model.Sample](false),
		stateEvent:       events.NewCallbackEvent[ble.State](true),
		abortedEvent:     events.NewCallbackEvent[struct{}](false),
		decodeErrorEvent: events.NewCallbackEvent[DecodeError](false),
	}
	transport.OnState(f.handleTransportState)
	sim.OnSample(f.handleRawSample)
	return f
}

// OnSample registers a listener for every sample decoded off the connected
// source, live or simulated.
func (f *Facade) OnSample(fn func(model.Sample)) func() {
	return f.sampleEvent.Listen(fn)
}

// OnState registers a listener for transport connection-state changes. New
// listeners immediately receive the last known state.
func (f *Facade) OnState(fn func(ble.State)) func() {
	return f.stateEvent.Listen(fn)
}

// OnWorkoutAborted registers the callback the workout manager uses to learn
// that a reconnect window expired with no success.
func (f *Facade) OnWorkoutAborted(fn func()) func() {
	return f.abortedEvent.Listen(func(struct{}) { fn() })
}

// IsConnected reports whether a device — live or simulated — is currently
// connected, the signal the workout manager gates start_workout on.
func (f *Facade) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isConnected
}

// OnDecodeError registers a listener for malformed/truncated FMS record
// counter increments, fed from the decoder's own Stats(), so the workout
// manager's aggregator can fold them into the summary it surfaces.
func (f *Facade) OnDecodeError(fn func(DecodeError)) func() {
	return f.decodeErrorEvent.Listen(fn)
}

// Discover unions a live scan with the simulator's fixed descriptors.
func (f *Facade) Discover(ctx context.Context, duration time.Duration) ([]model.DeviceDescriptor, error) {
	live, err := f.transport.Scan(ctx, duration)
	if err != nil {
		return nil, fmt.Errorf("source: discover: %w", err)
	}
	live = append(live, simulator.Descriptor(model.KindBike), simulator.Descriptor(model.KindRower))
	return live, nil
}

// Connect dispatches to the simulator when desc.Source is SourceSimulated
// and to the live transport otherwise; the address is not inspected.
func (f *Facade) Connect(ctx context.Context, desc model.DeviceDescriptor) error {
	f.mu.Lock()
	if f.isConnected {
		f.mu.Unlock()
		return ErrAlreadyConnected
	}
	f.mu.Unlock()

	if desc.Source == model.SourceSimulated {
		f.mu.Lock()
		f.connected = desc
		f.isConnected = true
		f.mu.Unlock()
		return nil
	}

	if err := f.transport.Connect(ctx, desc.Address); err != nil {
		return fmt.Errorf("source: connect: %w", err)
	}

	if err := f.subscribeFor(desc.Kind); err != nil {
		_ = f.transport.Disconnect()
		return fmt.Errorf("source: subscribe: %w", err)
	}

	f.mu.Lock()
	f.connected = desc
	f.isConnected = true
	f.mu.Unlock()
	return nil
}

func (f *Facade) Disconnect() error {
	f.mu.Lock()
	wasSim := f.connected.Source == model.SourceSimulated
	f.isConnected = false
	f.connected = model.DeviceDescriptor{}
	f.mu.Unlock()

	if wasSim {
		return nil
	}
	f.decoder.Reset()
	return f.transport.Disconnect()
}

// BeginWorkout gates sample emission: for live BLE it is a no-op at the
// protocol level (the peer streams regardless), but the manager relies on
// this to decide whether an incoming sample should be persisted.
func (f *Facade) BeginWorkout(kind model.Kind) {
	f.mu.Lock()
	f.workoutKind = kind
	f.workoutLive = true
	live := f.connected.Source != model.SourceSimulated
	f.mu.Unlock()

	if !live {
		f.simSource.BeginWorkout(kind)
	}
}

func (f *Facade) EndWorkout() {
	f.mu.Lock()
	live := f.connected.Source != model.SourceSimulated
	f.workoutLive = false
	f.mu.Unlock()

	if !live {
		f.simSource.EndWorkout()
	}
}

// subscribeFor enables notifications on the characteristic matching kind.
// Connect and the reconnect loop share this: a reconnect rebuilds the
// transport's characteristic cache from empty, so it needs the same
// subscribe call Connect makes on a fresh connection.
func (f *Facade) subscribeFor(kind model.Kind) error {
	charUUID := ftms.CharUUIDIndoorBikeData
	if kind == model.KindRower {
		charUUID = ftms.CharUUIDRowerData
	}
	return f.transport.Subscribe(charUUID, f.handleRawNotification(kind))
}

func (f *Facade) handleRawNotification(kind model.Kind) func([]byte) {
	return func(buf []byte) {
		before := f.decoder.Stats()
		var sample model.Sample
		var ok bool
		if kind == model.KindRower {
			sample, ok = f.decoder.DecodeRowerData(buf)
		} else {
			sample, ok = f.decoder.DecodeIndoorBikeData(buf)
		}
		after := f.decoder.Stats()
		if malformed, truncated := after.MalformedRecords-before.MalformedRecords, after.TruncatedRecords-before.TruncatedRecords; malformed > 0 || truncated > 0 {
			f.decodeErrorEvent.Notify(DecodeError{Malformed: malformed, Truncated: truncated})
		}
		if !ok {
			return
		}
		f.handleRawSample(sample)
	}
}

// handleRawSample stamps the monotonic timestamp per §4.4 and forwards to
// the workout manager only while a workout is active.
func (f *Facade) handleRawSample(sample model.Sample) {
	f.mu.Lock()
	if !f.workoutLive {
		f.mu.Unlock()
		return
	}
	now := time.Now()
	if !f.lastT.IsZero() && !now.After(f.lastT.Add(time.Microsecond)) {
		now = f.lastT.Add(time.Microsecond)
	}
	f.lastT = now
	f.mu.Unlock()

	sample.T = now
	f.sampleEvent.Notify(sample)
}

// handleTransportState reacts to disconnects during an active workout by
// starting the reconnect backoff loop; all other states pass straight
// through to registered listeners.
func (f *Facade) handleTransportState(state ble.State) {
	f.mu.Lock()
	workoutActive := f.workoutLive && f.connected.Source != model.SourceSimulated
	address := f.connected.Address
	f.mu.Unlock()

	f.stateEvent.Notify(state)

	if state == ble.StateDisconnected && workoutActive {
		f.startReconnectLoop(address)
	}
}

func (f *Facade) startReconnectLoop(address string) {
	f.mu.Lock()
	if f.backoffCtx != nil {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backoffWindow)
	f.backoffCtx = ctx
	f.backoffStop = cancel
	f.mu.Unlock()

	safego.Go(f.logger, func() {
		defer func() {
			f.mu.Lock()
			f.backoffCtx = nil
			f.backoffStop = nil
			f.mu.Unlock()
		}()

		attempt := 0
		for {
			wait := backoffCap
			if attempt < len(backoffSteps) {
				wait = backoffSteps[attempt]
			}
			f.logBackoff(attempt+1, address, wait)

			select {
			case <-ctx.Done():
				f.logger.Printf("source: reconnect window expired for %s, aborting workout", address)
				f.abortedEvent.Notify(struct{}{})
				return
			case <-time.After(wait):
			}

			if err := f.transport.Connect(ctx, address); err == nil {
				f.mu.Lock()
				kind := f.workoutKind
				f.mu.Unlock()
				if err := f.subscribeFor(kind); err != nil {
					f.logger.Printf("source: reconnected to %s but resubscribe failed: %v", address, err)
					attempt++
					continue
				}
				f.logger.Printf("source: reconnected to %s", address)
				return
			}
			attempt++
		}
	})
}

// logBackoff emits a structured reconnect-attempt record via zap when
// available, in addition to the plain logger line every attempt already
// gets; attempt/wait/address are exactly the fields an operator needs to
// tell a slow reconnect from a stuck one.
func (f *Facade) logBackoff(attempt int, address string, wait time.Duration) {
	f.logger.Printf("source: reconnect attempt %d to %s in %s", attempt, address, wait)
	if f.zapLog != nil {
		f.zapLog.Info("reconnect_attempt",
			zap.Int("attempt", attempt),
			zap.String("address", address),
			zap.Duration("wait", wait),
		)
	}
}
