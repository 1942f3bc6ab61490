package clone

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobCloneDoesNotAlias(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	job := Job{ID: "job-1", PausedAt: &now, Verification: &VerificationReport{Checks: []VerificationCheck{{Name: "links"}}}}
	job.AppendLog(now, LogInfo, "created", "")

	cp := job.Clone()
	cp.AppendLog(now, LogInfo, "second", "")
	cp.Verification.Checks[0].Name = "changed"
	*cp.PausedAt = now.Add(time.Hour)

	require.Len(t, job.LogEntries, 1)
	require.Equal(t, "links", job.Verification.Checks[0].Name)
	require.Equal(t, now, *job.PausedAt)
}

func TestJobFilterMatches(t *testing.T) {
	t.Parallel()

	deleted := time.Unix(5, 0)
	f := JobFilter{OwnerID: "alice", Statuses: []JobStatus{JobStatusPending}}
	require.True(t, f.Matches(Job{OwnerID: "alice", Status: JobStatusPending}))
	require.False(t, f.Matches(Job{OwnerID: "bob", Status: JobStatusPending}))
	require.False(t, f.Matches(Job{OwnerID: "alice", Status: JobStatusFailed}))
	require.False(t, f.Matches(Job{OwnerID: "alice", Status: JobStatusPending, DeletedAt: &deleted}))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	var err error = fmt.Errorf("submit: %w", &ValidationError{Field: "url", Reason: "scheme must be http or https"})
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "url", verr.Field)

	err = &TransitionError{JobID: "j", From: JobStatusCompleted, Op: "pause"}
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Contains(t, err.Error(), "completed")
	require.True(t, JobStatusFailed.Terminal())
	require.False(t, JobStatusPaused.Terminal())
}
