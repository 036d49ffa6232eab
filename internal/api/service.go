// Package api is the transport-neutral control surface §6 names: a thin
// coordinator over the source façade, the workout manager and the
// sample store, with no transport concerns of its own. internal/api/httpapi
// maps this onto HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lowaak/fitbridge/internal/fit"
	"github.com/lowaak/fitbridge/internal/model"
	"github.com/lowaak/fitbridge/internal/source"
	"github.com/lowaak/fitbridge/internal/store"
	"github.com/lowaak/fitbridge/internal/workout"
)

var (
	ErrNotEnded = errors.New("api: workout not ended")
)

// Service is the single entry point the HTTP layer (or a TUI) drives.
type Service struct {
	facade  *source.Facade
	manager *workout.Manager
	st      *store.Store
	logger  *log.Logger
}

// NewService panics if facade, manager, st, or logger is nil.
func NewService(facade *source.Facade, manager *workout.Manager, st *store.Store, logger *log.Logger) *Service {
	if facade == nil {
		panic("api: facade cannot be nil")
	}
	if manager == nil {
		panic("api: manager cannot be nil")
	}
	if st == nil {
		panic("api: store cannot be nil")
	}
	if logger == nil {
		panic("api: logger cannot be nil")
	}
	return &Service{facade: facade, manager: manager, st: st, logger: logger}
}

// DiscoverDevices implements §6's discover_devices. Every live device the
// scan turns up is cached so later scans can enrich their result with
// devices that aren't currently advertising but were seen before.
func (s *Service) DiscoverDevices(ctx context.Context, scanDuration time.Duration) ([]model.DeviceDescriptor, error) {
	live, err := s.facade.Discover(ctx, scanDuration)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seen := make(map[string]bool, len(live))
	for _, d := range live {
		seen[d.Address] = true
		if d.Source != model.SourceLive {
			continue
		}
		if err := s.st.UpsertDevice(d, now); err != nil {
			s.logger.Printf("api: cache device %s: %v", d.Address, err)
		}
	}

	cached, err := s.st.ListDevices()
	if err != nil {
		s.logger.Printf("api: list cached devices: %v", err)
		return live, nil
	}
	for _, c := range cached {
		if seen[c.Address] {
			continue
		}
		live = append(live, model.DeviceDescriptor{
			Address: c.Address,
			Name:    c.Name,
			Kind:    c.Kind,
			Source:  model.SourceLive,
		})
	}
	return live, nil
}

// Connect implements §6's connect.
func (s *Service) Connect(ctx context.Context, desc model.DeviceDescriptor) error {
	return s.facade.Connect(ctx, desc)
}

// Disconnect implements §6's disconnect.
func (s *Service) Disconnect() error {
	return s.facade.Disconnect()
}

// Status implements §6's status.
func (s *Service) Status() workout.Status {
	return s.manager.Status()
}

// StartWorkout implements §6's start_workout.
func (s *Service) StartWorkout(device model.DeviceDescriptor) (string, error) {
	return s.manager.StartWorkout(device)
}

// EndWorkout implements §6's end_workout.
func (s *Service) EndWorkout() (string, error) {
	return s.manager.EndWorkout()
}

// ListWorkouts implements §6's list_workouts.
func (s *Service) ListWorkouts(limit, offset int) ([]store.WorkoutRow, error) {
	return s.st.ListWorkouts(limit, offset)
}

// GetWorkout implements §6's get_workout.
func (s *Service) GetWorkout(id string) (store.WorkoutRow, error) {
	return s.st.GetWorkout(id)
}

// GetSamples implements §6's get_samples.
func (s *Service) GetSamples(id string) ([]model.Sample, error) {
	return s.st.GetSamples(id)
}

// ExportFIT implements §6's export_fit: only ended or aborted workouts
// (never still-active ones) can be exported, per §7's "not_ended" error.
func (s *Service) ExportFIT(id string) ([]byte, string, error) {
	row, err := s.st.GetWorkout(id)
	if err != nil {
		return nil, "", err
	}
	if row.State != model.WorkoutEnded && row.State != model.WorkoutAborted {
		return nil, "", ErrNotEnded
	}
	samples, err := s.st.GetSamples(id)
	if err != nil {
		return nil, "", err
	}
	var summary model.Summary
	if row.Summary != nil {
		summary = *row.Summary
	}
	w := model.Workout{
		ID:        row.ID,
		Device:    row.Device,
		Kind:      row.Kind,
		StartTime: row.StartT,
		EndTime:   row.EndT,
		State:     row.State,
	}
	data, err := fit.Encode(w, summary, samples)
	if err != nil {
		return nil, "", fmt.Errorf("api: export fit: %w", err)
	}
	filename := fmt.Sprintf("workout_%s_%s.fit", id, row.StartT.UTC().Format("20060102T150405Z"))
	return data, filename, nil
}
