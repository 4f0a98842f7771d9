package queue

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormlinehq/stormline/errors"
)

// Driver-level failures (connection drops, busy handles) cannot be produced
// on demand with a real database, so these paths are exercised with sqlmock.

func TestCreateJobWrapsDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnError(errors.New("database is locked"))

	store := NewStore(db)
	job, err := NewJob("t", nil, EnqueueOptions{})
	require.NoError(t, err)

	err = store.CreateJob(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobMapsDedupeViolationToConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").
		WillReturnError(errors.New("UNIQUE constraint failed: jobs.dedupe_key"))

	store := NewStore(db)
	job, err := NewJob("t", nil, EnqueueOptions{DedupeKey: "k"})
	require.NoError(t, err)

	err = store.CreateJob(job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteSurfacesRowsAffectedError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver gave up")))

	store := NewStore(db)
	err = store.Complete("job-1", "worker-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows affected")
	assert.False(t, errors.Is(err, errors.ErrLeaseLost))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextWrapsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE jobs").
		WillReturnError(errors.New("disk I/O error"))

	store := NewStore(db)
	_, err = store.ClaimNext("worker-1", 1, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim jobs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueExpiredWrapsExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").
		WillReturnError(errors.New("disk I/O error"))

	store := NewStore(db)
	_, err = store.RequeueExpired(time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to requeue expired jobs")
	require.NoError(t, mock.ExpectationsWereMet())
}
