// Package workout owns the workout lifecycle state machine, the
// in-memory summary aggregator, and the single logical writer lane that
// serializes sample persistence per §5.
package workout

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/fitbridge/internal/aggregate"
	"github.com/lowaak/fitbridge/internal/ble"
	"github.com/lowaak/fitbridge/internal/events"
	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/safego"
	"github.com/lowaak/fitbridge/internal/source"
	"github.com/lowaak/fitbridge/internal/store"
)

var (
	ErrAlreadyActive = errors.New("workout: already_active")
	ErrNotActive     = errors.New("workout: not_active")
	ErrNotEnded      = errors.New("workout: not_ended")
	ErrNotConnected  = errors.New("workout: not_connected")
)

// ingestChannelCapacity is the bounded channel between the sample source
// and the ingest lane, sized per §5's "capacity >= 128 samples".
const ingestChannelCapacity = 128

// Status is the read-only snapshot the control API's `status` operation
// returns.
type Status struct {
	DeviceState     ble.State
	ConnectedDevice *model.DeviceDescriptor
	WorkoutActive   bool
	LatestSample    *model.Sample
	Summary         *model.Summary
}

// Manager is the single owner of the active-workout cell: all mutation goes
// through its method set and is serialized by mu. Samples are applied on the
// ingest goroutine; lifecycle calls run on the caller's goroutine.
type Manager struct {
	facade *source.Facade
	st     *store.Store
	logger *log.Logger

	latestEvent *events.CallbackEvent[model.Sample]

	mu           sync.Mutex
	state        model.WorkoutState
	current      *model.Workout
	agg          *aggregate.Aggregator
	profile      aggregate.UserProfile
	device       model.DeviceDescriptor
	deviceState  ble.State
	latestSample model.Sample
	hasLatest    bool

	sampleChan   chan model.Sample
	doneChan     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewManager panics if facade, st, or logger is nil.
func NewManager(facade *source.Facade, st *store.Store, profile aggregate.UserProfile, logger *log.Logger) *Manager {
	if facade == nil {
		panic("workout: facade cannot be nil")
	}
	if st == nil {
		panic("workout: store cannot be nil")
	}
	if logger == nil {
		panic("workout: logger cannot be nil")
	}

	m := &Manager{
		facade:      facade,
		st:          st,
		logger:      logger,
		state:       model.WorkoutIdle,
		profile:     profile,
		latestEvent: events.NewCallbackEvent[model.Sample](true),
		sampleChan:  make(chan model.Sample, ingestChannelCapacity),
		doneChan:    make(chan struct{}),
	}

	facade.OnSample(m.enqueue)
	facade.OnState(m.handleDeviceState)
	facade.OnWorkoutAborted(m.abortActive)
	facade.OnDecodeError(m.handleDecodeError)

	m.wg.Add(1)
	safego.Go(logger, func() {
		defer m.wg.Done()
		m.runIngestLoop()
	})

	return m
}

func (m *Manager) handleDeviceState(s ble.State) {
	m.mu.Lock()
	m.deviceState = s
	m.mu.Unlock()
}

// handleDecodeError folds a batch of malformed/truncated counter increments
// the façade observed off the decoder into the active workout's aggregate,
// so Status's Summary actually reflects them instead of staying at zero.
func (m *Manager) handleDecodeError(e source.DecodeError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.agg == nil {
		return
	}
	for i := 0; i < e.Malformed; i++ {
		m.agg.IncrementMalformed()
	}
	for i := 0; i < e.Truncated; i++ {
		m.agg.IncrementTruncated()
	}
}

// enqueue is called from the source façade's callback; per §5 a full
// channel drops the oldest buffered sample rather than the new one, and
// bumps a counter the summary later surfaces.
func (m *Manager) enqueue(sample model.Sample) {
	select {
	case m.sampleChan <- sample:
		return
	default:
	}

	select {
	case <-m.sampleChan:
	default:
	}
	m.mu.Lock()
	if m.agg != nil {
		m.agg.IncrementDroppedOverflow()
	}
	m.mu.Unlock()

	select {
	case m.sampleChan <- sample:
	default:
	}
}

// runIngestLoop is the single writer lane: it is the only goroutine that
// calls store.AppendSample or folds samples into the aggregator. Counter
// increments from the façade's callbacks reach the aggregator under mu from
// their own goroutines.
func (m *Manager) runIngestLoop() {
	for {
		select {
		case <-m.doneChan:
			return
		case sample := <-m.sampleChan:
			m.processSample(sample)
		}
	}
}

func (m *Manager) processSample(sample model.Sample) {
	m.mu.Lock()
	if m.state != model.WorkoutActive || m.current == nil {
		m.mu.Unlock()
		return
	}
	workoutID := m.current.ID
	m.mu.Unlock()

	inserted, err := m.st.AppendSample(workoutID, sample)
	if err != nil {
		m.logger.Printf("workout: store error appending sample: %v", err)
		m.abortActive()
		return
	}
	if !inserted {
		m.mu.Lock()
		if m.agg != nil {
			m.agg.IncrementDuplicateDropped()
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.agg.Add(sample)
	m.latestSample = sample
	m.hasLatest = true
	m.mu.Unlock()

	m.latestEvent.Notify(sample)
}

// StartWorkout transitions idle -> active. Returns ErrAlreadyActive if a
// workout is already running, ErrNotConnected if no device is connected.
func (m *Manager) StartWorkout(device model.DeviceDescriptor) (string, error) {
	m.mu.Lock()
	if m.state == model.WorkoutActive {
		m.mu.Unlock()
		return "", ErrAlreadyActive
	}
	m.mu.Unlock()

	if !m.facade.IsConnected() {
		return "", ErrNotConnected
	}

	id := uuid.NewString()
	start := time.Now()
	if err := m.st.CreateWorkout(id, device, device.Kind, start); err != nil {
		return "", fmt.Errorf("workout: create: %w", err)
	}

	m.mu.Lock()
	m.state = model.WorkoutActive
	m.device = device
	m.current = &model.Workout{
		ID:        id,
		Device:    device,
		Kind:      device.Kind,
		StartTime: start,
		State:     model.WorkoutActive,
	}
	m.agg = aggregate.NewAggregator(m.profile)
	m.hasLatest = false
	m.mu.Unlock()

	m.facade.BeginWorkout(device.Kind)
	return id, nil
}

// EndWorkout implements §4.6's finalization sequence: flip to finalizing,
// snapshot the summary, persist, flip to ended.
func (m *Manager) EndWorkout() (string, error) {
	m.mu.Lock()
	if m.state != model.WorkoutActive || m.current == nil {
		m.mu.Unlock()
		return "", ErrNotActive
	}
	id := m.current.ID
	m.state = model.WorkoutFinalizing
	m.mu.Unlock()

	m.facade.EndWorkout()
	// Samples arriving from here on, including the simulator's closing
	// sample, are ignored because the state is no longer active; the pause
	// lets a processSample call already past its state check finish before
	// the summary is snapshotted.
	time.Sleep(50 * time.Millisecond)

	return id, m.finalize(id, model.WorkoutEnded)
}

func (m *Manager) abortActive() {
	m.mu.Lock()
	if m.state != model.WorkoutActive && m.state != model.WorkoutFinalizing {
		m.mu.Unlock()
		return
	}
	id := ""
	if m.current != nil {
		id = m.current.ID
	}
	m.mu.Unlock()

	if id == "" {
		return
	}
	if err := m.finalize(id, model.WorkoutAborted); err != nil {
		m.logger.Printf("workout: error aborting %s: %v", id, err)
	}
}

func (m *Manager) finalize(id string, finalState model.WorkoutState) error {
	m.mu.Lock()
	agg := m.agg
	m.mu.Unlock()

	var summary model.Summary
	if agg != nil {
		summary = agg.Summary()
	}
	end := time.Now()

	if err := m.st.Finalize(id, end, finalState, summary); err != nil {
		return fmt.Errorf("workout: finalize: %w", err)
	}

	m.mu.Lock()
	m.state = model.WorkoutIdle
	if m.current != nil {
		m.current.EndTime = &end
		m.current.State = finalState
	}
	m.current = nil
	m.mu.Unlock()
	return nil
}

// OnLatestSample registers a push listener that immediately receives the
// most recent sample if one has already arrived; the control API also
// exposes a poll-based single-slot cell via Status.
func (m *Manager) OnLatestSample(fn func(model.Sample)) func() {
	return m.latestEvent.Listen(fn)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		DeviceState:   m.deviceState,
		WorkoutActive: m.state == model.WorkoutActive,
	}
	if m.device.Address != "" {
		d := m.device
		st.ConnectedDevice = &d
	}
	if m.hasLatest {
		s := m.latestSample
		st.LatestSample = &s
	}
	if m.agg != nil {
		summary := m.agg.Summary()
		st.Summary = &summary
	}
	return st
}

// Shutdown stops the ingest loop. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.doneChan)
	})
	m.wg.Wait()
}
