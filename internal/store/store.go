// Package store is the persistent, single-writer sample store: append-only
// workout and sample tables backed by SQLite, with idempotent inserts and
// a restart-safe sweep of workouts left active by a crash.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/lowaak/fitbridge/internal/aggregate"
	"github.com/lowaak/fitbridge/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	ErrNotFound = errors.New("store: not found")
)

// Store is the sample store's single-writer SQLite backend.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates or migrates the store file at path and, per §4.5's
// crash-safety guarantee, sweeps any workout left in state=active from a
// prior process to aborted with a summary computed from its persisted
// samples.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		panic("store: logger cannot be nil")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer per §5

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.sweepActiveWorkouts(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: restart sweep: %w", err)
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateWorkout inserts a new active workout row under the caller-supplied
// id.
func (s *Store) CreateWorkout(id string, device model.DeviceDescriptor, kind model.Kind, start time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO workouts (id, device_address, device_name, kind, start_t, state) VALUES (?, ?, ?, ?, ?, ?)`,
		id, device.Address, device.Name, string(kind), start.UnixMicro(), string(model.WorkoutActive),
	)
	if err != nil {
		return fmt.Errorf("store: create workout: %w", err)
	}
	return nil
}

// AppendSample writes one sample row. Per §4.5, a duplicate (workout_id, t)
// pair — only possible if the façade's monotonic stamp is defeated by a
// clock regression — is silently dropped and reported via the bool return
// rather than as an error.
func (s *Store) AppendSample(workoutID string, sample model.Sample) (inserted bool, err error) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return false, fmt.Errorf("store: marshal sample: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO samples (workout_id, t, payload_blob) VALUES (?, ?, ?)`,
		workoutID, sample.T.UnixMicro(), string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("store: append sample: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: append sample rows affected: %w", err)
	}
	return rows > 0, nil
}

// UpsertDevice records a live device sighting, refreshing its name and
// last_seen on every scan. Per §4.5 this is the cache discover uses to
// enrich results with devices that aren't currently advertising.
func (s *Store) UpsertDevice(desc model.DeviceDescriptor, seenAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO devices (address, name, kind, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET name = excluded.name, kind = excluded.kind, last_seen = excluded.last_seen`,
		desc.Address, desc.Name, string(desc.Kind), seenAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert device: %w", err)
	}
	return nil
}

// DeviceRow is one cached devices table row.
type DeviceRow struct {
	Address  string
	Name     string
	Kind     model.Kind
	LastSeen time.Time
}

// ListDevices returns every cached device, most recently seen first.
func (s *Store) ListDevices() ([]DeviceRow, error) {
	rows, err := s.db.Query(`SELECT address, name, kind, last_seen FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var (
			address, name, kind string
			lastSeen            int64
		)
		if err := rows.Scan(&address, &name, &kind, &lastSeen); err != nil {
			return nil, err
		}
		out = append(out, DeviceRow{
			Address:  address,
			Name:     name,
			Kind:     model.Kind(kind),
			LastSeen: time.UnixMicro(lastSeen),
		})
	}
	return out, rows.Err()
}

// Finalize writes end_t, state and the final summary in one transaction.
func (s *Store) Finalize(workoutID string, end time.Time, state model.WorkoutState, summary model.Summary) error {
	blob, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("store: marshal summary: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: finalize begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE workouts SET end_t = ?, state = ?, summary_blob = ? WHERE id = ?`,
		end.UnixMicro(), string(state), string(blob), workoutID,
	)
	if err != nil {
		return fmt.Errorf("store: finalize: %w", err)
	}
	return tx.Commit()
}

// WorkoutRow is the persisted shape of one workouts table row.
type WorkoutRow struct {
	ID      string
	Device  model.DeviceDescriptor
	Kind    model.Kind
	StartT  time.Time
	EndT    *time.Time
	State   model.WorkoutState
	Summary *model.Summary
}

func (s *Store) ListWorkouts(limit, offset int) ([]WorkoutRow, error) {
	rows, err := s.db.Query(
		`SELECT id, device_address, device_name, kind, start_t, end_t, state, summary_blob
		 FROM workouts ORDER BY start_t DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list workouts: %w", err)
	}
	defer rows.Close()

	var out []WorkoutRow
	for rows.Next() {
		w, err := scanWorkoutRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetWorkout(id string) (WorkoutRow, error) {
	row := s.db.QueryRow(
		`SELECT id, device_address, device_name, kind, start_t, end_t, state, summary_blob
		 FROM workouts WHERE id = ?`, id)
	w, err := scanWorkoutRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkoutRow{}, ErrNotFound
	}
	if err != nil {
		return WorkoutRow{}, fmt.Errorf("store: get workout: %w", err)
	}
	return w, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkoutRow(sc scanner) (WorkoutRow, error) {
	var (
		id, addr, name, kind, state string
		startT                      int64
		endT                        sql.NullInt64
		summaryBlob                 sql.NullString
	)
	if err := sc.Scan(&id, &addr, &name, &kind, &startT, &endT, &state, &summaryBlob); err != nil {
		return WorkoutRow{}, err
	}
	w := WorkoutRow{
		ID:     id,
		Device: model.DeviceDescriptor{Address: addr, Name: name, Kind: model.Kind(kind)},
		Kind:   model.Kind(kind),
		StartT: time.UnixMicro(startT),
		State:  model.WorkoutState(state),
	}
	if endT.Valid {
		t := time.UnixMicro(endT.Int64)
		w.EndT = &t
	}
	if summaryBlob.Valid && summaryBlob.String != "" {
		var summary model.Summary
		if err := json.Unmarshal([]byte(summaryBlob.String), &summary); err == nil {
			w.Summary = &summary
		}
	}
	return w, nil
}

// GetSamples returns every sample for a workout in `t` order. §4.5 asks
// for a lazy iterator; SQLite's own single-writer model makes a plain
// buffered slice safe and simple for the workout sizes this bridge deals
// with (single-session archives, not multi-day exports).
func (s *Store) GetSamples(workoutID string) ([]model.Sample, error) {
	if _, err := s.GetWorkout(workoutID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT payload_blob FROM samples WHERE workout_id = ? ORDER BY t ASC`, workoutID)
	if err != nil {
		return nil, fmt.Errorf("store: get samples: %w", err)
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var sample model.Sample
		if err := json.Unmarshal([]byte(blob), &sample); err != nil {
			return nil, fmt.Errorf("store: decode sample: %w", err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// sweepActiveWorkouts implements §4.5's restart guarantee.
func (s *Store) sweepActiveWorkouts() error {
	rows, err := s.db.Query(`SELECT id FROM workouts WHERE state = ?`, string(model.WorkoutActive))
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		samples, err := s.GetSamples(id)
		if err != nil {
			return err
		}
		agg := aggregate.NewAggregator(aggregate.UserProfile{})
		for _, sample := range samples {
			agg.Add(sample)
		}
		summary := agg.Summary()
		end := time.Now()
		if len(samples) > 0 {
			end = samples[len(samples)-1].T
		}
		if err := s.Finalize(id, end, model.WorkoutAborted, summary); err != nil {
			return err
		}
		s.logger.Printf("store: swept active workout %s to aborted (%d samples)", id, len(samples))
	}
	return nil
}
