package store

import (
	"log"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/fitbridge/internal/model"
)

func testLogger() *log.Logger { return log.New(log.Writer(), "", 0) }

func p16(v int16) *int16 { return &v }

// TestCreateWorkout_IssuesExactInsert pins the workout-creation INSERT's
// SQL and arguments against go-sqlmock, the way a store package that cares about
// exactly what it sends to the driver would.
func TestCreateWorkout_IssuesExactInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db, logger: testLogger()}

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO workouts (id, device_address, device_name, kind, start_t, state) VALUES (?, ?, ?, ?, ?, ?)`,
	)).WithArgs("w1", "addr", "name", "bike", start.UnixMicro(), "active").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.CreateWorkout("w1", model.DeviceDescriptor{Address: "addr", Name: "name"}, model.KindBike, start)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSample_ReportsDuplicateViaBoolNotError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db, logger: testLogger()}

	sample := model.Sample{T: time.Unix(100, 0), Kind: model.KindBike, InstantPowerW: p16(150)}
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT OR IGNORE INTO samples (workout_id, t, payload_blob) VALUES (?, ?, ?)`,
	)).WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.AppendSample("w1", sample)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_UpdatesInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db, logger: testLogger()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE workouts SET end_t = ?, state = ?, summary_blob = ? WHERE id = ?`,
	)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.Finalize("w1", time.Unix(200, 0), model.WorkoutEnded, model.Summary{SampleCount: 3})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// openTestStore opens a real temp-file sqlite-backed Store through the
// embedded migrations, exercising Open end to end the way an integration
// test of the restart sweep has to.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fitbridge.db")
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_LifecycleCreateAppendFinalizeListGet(t *testing.T) {
	s := openTestStore(t)

	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	device := model.DeviceDescriptor{Address: "sim://bike", Name: "Simulated Bike", Kind: model.KindBike, Source: model.SourceSimulated}
	require.NoError(t, s.CreateWorkout("w1", device, model.KindBike, start))

	sample1 := model.Sample{T: start.Add(time.Second), Kind: model.KindBike, InstantPowerW: p16(120)}
	sample2 := model.Sample{T: start.Add(2 * time.Second), Kind: model.KindBike, InstantPowerW: p16(130)}
	inserted, err := s.AppendSample("w1", sample1)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = s.AppendSample("w1", sample2)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Duplicate (workout_id, t) is silently ignored.
	inserted, err = s.AppendSample("w1", sample1)
	require.NoError(t, err)
	assert.False(t, inserted)

	samples, err := s.GetSamples("w1")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.EqualValues(t, 120, *samples[0].InstantPowerW)

	end := start.Add(3 * time.Second)
	require.NoError(t, s.Finalize("w1", end, model.WorkoutEnded, model.Summary{SampleCount: 2, AvgPowerW: 125}))

	row, err := s.GetWorkout("w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkoutEnded, row.State)
	require.NotNil(t, row.EndT)
	require.NotNil(t, row.Summary)
	assert.Equal(t, 2, row.Summary.SampleCount)

	rows, err := s.ListWorkouts(10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "w1", rows[0].ID)
}

func TestGetWorkout_UnknownIDReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetWorkout("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertDevice_RefreshesNameAndLastSeenOnReseeing(t *testing.T) {
	s := openTestStore(t)

	t1 := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	desc := model.DeviceDescriptor{Address: "aa:bb:cc", Name: "KICKR", Kind: model.KindBike, Source: model.SourceLive}
	require.NoError(t, s.UpsertDevice(desc, t1))

	devices, err := s.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "KICKR", devices[0].Name)

	t2 := t1.Add(time.Hour)
	desc.Name = "KICKR CORE"
	require.NoError(t, s.UpsertDevice(desc, t2))

	devices, err = s.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "KICKR CORE", devices[0].Name)
	assert.True(t, devices[0].LastSeen.Equal(t2))
}

func TestOpen_SweepsActiveWorkoutsLeftByCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitbridge.db")
	s, err := Open(path, testLogger())
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	device := model.DeviceDescriptor{Address: "sim://rower", Name: "Simulated Rower", Kind: model.KindRower}
	require.NoError(t, s.CreateWorkout("crashed", device, model.KindRower, start))
	_, err = s.AppendSample("crashed", model.Sample{T: start.Add(time.Second), Kind: model.KindRower})
	require.NoError(t, err)
	// Simulate a crash: close without finalizing.
	require.NoError(t, s.Close())

	// Reopening must sweep the still-active workout to aborted.
	s2, err := Open(path, testLogger())
	require.NoError(t, err)
	defer s2.Close()

	row, err := s2.GetWorkout("crashed")
	require.NoError(t, err)
	assert.Equal(t, model.WorkoutAborted, row.State)
	require.NotNil(t, row.EndT)
}
