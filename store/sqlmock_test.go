package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/errors"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQLStore(conn), mock
}

func TestBeginFailureIsFatalStore(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	_, err := s.Begin(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatalStore(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWithNoRowsIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET .* revision = revision \+ 1 WHERE id = \? AND revision = \?`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	job := &entity.Job{Base: entity.Base{ID: "job-1", Rev: 4}, Type: entity.JobTypeTimer}
	err = tx.Update(context.Background(), job, 4)
	require.Error(t, err)
	assert.True(t, errors.IsOptimisticLockConflict(err))
	assert.Equal(t, 4, job.Revision(), "revision unchanged on conflict")

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDriverErrorIsFatalStore(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM executions WHERE id = \? AND revision = \?`).
		WithArgs("e-1", 2).
		WillReturnError(errors.New("database disk image is malformed"))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	err = tx.Delete(context.Background(), &entity.Execution{Base: entity.Base{ID: "e-1", Rev: 2}})
	require.Error(t, err)
	assert.True(t, errors.IsFatalStore(err))
	assert.False(t, errors.IsOptimisticLockConflict(err))
}

func TestCommitFailureIsFatalStore(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO incidents`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Insert(context.Background(), &entity.Incident{Base: entity.Base{ID: "inc-1"},
		Type: entity.IncidentFailedJob, State: entity.IncidentOpen}))

	err = tx.Commit()
	require.Error(t, err)
	assert.True(t, errors.IsFatalStore(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectDueJobsQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM jobs j`).WillReturnError(sql.ErrConnDone)

	_, err := s.SelectDueJobs(context.Background(), DueJobsQuery{Now: t0, Limit: 5})
	require.Error(t, err)
	assert.True(t, errors.IsFatalStore(err))
	assert.Equal(t, errors.CodeFatalStore, errors.CodeOf(err))
}

func TestGetJobReadFailureIsNotNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \?`).WithArgs("job-1").WillReturnError(sql.ErrConnDone)

	_, err := s.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsFatalStore(err))
}
