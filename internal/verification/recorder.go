// Package verification attaches externally produced verification reports to
// clone jobs. It never computes checks itself.
package verification

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// Recorder validates and stores verification reports.
type Recorder struct {
	store  clone.JobStore
	clock  clone.Clock
	logger *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(store clone.JobStore, clock clone.Clock, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, clock: clock, logger: logger}
}

// Validate checks a report's shape.
func Validate(report clone.VerificationReport) error {
	if report.Score < 0 || report.Score > 100 {
		return &clone.ValidationError{Field: "score", Reason: "must be between 0 and 100"}
	}
	if strings.TrimSpace(report.Summary) == "" {
		return &clone.ValidationError{Field: "summary", Reason: "required"}
	}
	for i, check := range report.Checks {
		if strings.TrimSpace(check.Name) == "" {
			return &clone.ValidationError{Field: fmt.Sprintf("checks[%d].name", i), Reason: "required"}
		}
	}
	return nil
}

// Record attaches report to the job. While the job is processing the report is
// staged and published when the job completes; on a terminal job without a
// report it is attached directly. A job carries at most one report.
func (r *Recorder) Record(ctx context.Context, jobID string, report clone.VerificationReport) (clone.Job, error) {
	if err := Validate(report); err != nil {
		return clone.Job{}, fmt.Errorf("record verification for %s: %w", jobID, err)
	}
	report.Checks = append([]clone.VerificationCheck(nil), report.Checks...)
	staged := false
	job, err := r.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if job.Verification != nil || job.StagedVerification != nil {
			return clone.ErrVerificationRecorded
		}
		now := r.clock.Now()
		switch job.Status {
		case clone.JobStatusProcessing:
			job.StagedVerification = &report
			staged = true
			job.AppendLog(now, clone.LogInfo, "Verification report received", report.Summary)
		case clone.JobStatusCompleted, clone.JobStatusFailed:
			job.Verification = &report
			level := clone.LogSuccess
			if !report.Passed {
				level = clone.LogWarning
			}
			job.AppendLog(now, level, fmt.Sprintf("Verification recorded (score %d)", report.Score), report.Summary)
		default:
			return fmt.Errorf("%w: job is %s", clone.ErrVerificationForbidden, job.Status)
		}
		return nil
	})
	if err != nil {
		return clone.Job{}, fmt.Errorf("record verification for %s: %w", jobID, err)
	}
	r.logger.Info("verification recorded",
		zap.String("job_id", jobID),
		zap.Bool("passed", report.Passed),
		zap.Int("score", report.Score),
		zap.Bool("staged", staged),
	)
	return job, nil
}
