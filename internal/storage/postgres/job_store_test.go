package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func sampleJob() clone.Job {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return clone.Job{
		ID:        "job-1",
		OwnerID:   "alice",
		TargetURL: "https://example.com",
		Status:    clone.JobStatusProcessing,
		Options:   clone.Options{MaxPages: 10, MaxDepth: 2, ExportFormat: "zip"},
		LogEntries: []clone.LogEntry{
			{Timestamp: created, Level: clone.LogInfo, Message: "Job created"},
		},
		CreditsReserved: clone.WholeCredits(10),
		CreatedAt:       created,
		StagedVerification: &clone.VerificationReport{
			Passed: true, Score: 90, Summary: "ok",
		},
	}
}

func jobRows(t *testing.T, job clone.Job) *pgxmock.Rows {
	t.Helper()
	doc, err := encodeJob(job)
	require.NoError(t, err)
	return pgxmock.NewRows([]string{"doc"}).AddRow(doc)
}

func TestJobStoreCreateJob(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)
	job := sampleJob()

	mock.ExpectExec(regexp.QuoteMeta(insertJobSQL)).
		WithArgs(job.ID, job.OwnerID, "processing", job.CreatedAt, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta(insertJobSQL)).
		WithArgs(job.ID, job.OwnerID, "processing", job.CreatedAt, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.ErrorContains(t, store.CreateJob(context.Background(), job), "already exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetJobKeepsHiddenFields(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)
	job := sampleJob()
	job.PendingSettlement = &clone.Settlement{Commit: true, Amount: clone.WholeCredits(3)}

	mock.ExpectQuery(regexp.QuoteMeta(selectJobSQL)).
		WithArgs(job.ID).
		WillReturnRows(jobRows(t, job))

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job, got)
	require.NotNil(t, got.StagedVerification)
	require.Equal(t, clone.WholeCredits(3), got.PendingSettlement.Amount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)

	mock.ExpectQuery(regexp.QuoteMeta(selectJobSQL)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, clone.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateJobCommits(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)
	job := sampleJob()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectJobLockedSQL)).
		WithArgs(job.ID).
		WillReturnRows(jobRows(t, job))
	mock.ExpectExec(regexp.QuoteMeta(updateJobSQL)).
		WithArgs(job.ID, "paused", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	updated, err := store.UpdateJob(context.Background(), job.ID, func(j *clone.Job) error {
		j.Status = clone.JobStatusPaused
		j.AppendLog(j.CreatedAt, clone.LogInfo, "Job paused", "")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, clone.JobStatusPaused, updated.Status)
	require.Len(t, updated.LogEntries, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateJobRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)
	job := sampleJob()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectJobLockedSQL)).
		WithArgs(job.ID).
		WillReturnRows(jobRows(t, job))
	mock.ExpectRollback()

	_, err := store.UpdateJob(context.Background(), job.ID, func(*clone.Job) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreUpdateJobRejectsLogTruncation(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)
	job := sampleJob()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectJobLockedSQL)).
		WithArgs(job.ID).
		WillReturnRows(jobRows(t, job))
	mock.ExpectRollback()

	_, err := store.UpdateJob(context.Background(), job.ID, func(j *clone.Job) error {
		j.LogEntries = nil
		return nil
	})
	require.ErrorContains(t, err, "append-only")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreListJobs(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewJobStore(mock)
	newer := sampleJob()
	newer.ID = "job-2"
	newer.CreatedAt = newer.CreatedAt.Add(time.Minute)
	older := sampleJob()

	rows := pgxmock.NewRows([]string{"doc"})
	for _, j := range []clone.Job{newer, older} {
		doc, err := encodeJob(j)
		require.NoError(t, err)
		rows.AddRow(doc)
	}
	mock.ExpectQuery(regexp.QuoteMeta(listJobsSQL)).
		WithArgs("alice", []string{"processing", "paused"}, 10, 5, false).
		WillReturnRows(rows)

	jobs, err := store.ListJobs(context.Background(), clone.JobFilter{
		OwnerID:  "alice",
		Statuses: []clone.JobStatus{clone.JobStatusProcessing, clone.JobStatusPaused},
		Limit:    10,
		Offset:   5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2", jobs[0].ID)
	require.Equal(t, "job-1", jobs[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	for _, stmt := range schema {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(schema[0])).WillReturnError(errors.New("permission denied"))

	err := Migrate(context.Background(), mock)
	require.ErrorContains(t, err, "migrate step 1")
	require.NoError(t, mock.ExpectationsWereMet())
}
