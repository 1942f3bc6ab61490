// Package lifecycle owns the clone job state machine. Every status change goes
// through a compare-and-set on the job store, appends a log entry, and emits a
// progress event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/progress"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultStopReason   = "stopped by user"
	maxRunningPercent   = 99
)

// CreditSettler settles the reservation attached to a job.
type CreditSettler interface {
	Commit(ctx context.Context, reservationID string, actual clone.Credits) (ledger.Account, error)
	Release(ctx context.Context, reservationID string) (ledger.Account, error)
}

// Config tunes the state machine.
type Config struct {
	// Pricing converts pages cloned into the committed charge.
	Pricing ledger.Pricing
	// ChargePartialOnFailure commits the pages captured so far when a job
	// fails instead of releasing the whole reservation.
	ChargePartialOnFailure bool
	// PollInterval bounds how long a paused worker waits before re-reading
	// the job, covering status changes made by other processes.
	PollInterval time.Duration
}

// Progress is a worker's cumulative view of a running crawl.
type Progress struct {
	PagesCloned    int
	AssetsCaptured int
	Percent        int
	CurrentURL     string
	Message        string
}

// Completion carries the results a worker reports when the crawl is done.
type Completion struct {
	OutputLocation   string
	ExportLocation   string
	PagesCloned      int
	AssetsCaptured   int
	SizeBytes        int64
	SkipVerification bool
}

// Machine applies lifecycle transitions to jobs.
type Machine struct {
	store   clone.JobStore
	credits CreditSettler
	emitter progress.Emitter
	clock   clone.Clock
	cfg     Config
	logger  *zap.Logger
	signals *signals
}

// New constructs a Machine.
func New(
	store clone.JobStore,
	credits CreditSettler,
	emitter progress.Emitter,
	clock clone.Clock,
	cfg Config,
	logger *zap.Logger,
) *Machine {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Machine{
		store:   store,
		credits: credits,
		emitter: emitter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		signals: newSignals(),
	}
}

// Claim moves a pending job to processing on behalf of workerID. Exactly one
// concurrent caller wins; the rest get a TransitionError.
func (m *Machine) Claim(ctx context.Context, jobID, workerID string) (clone.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if job.Status != clone.JobStatusPending {
			return &clone.TransitionError{JobID: jobID, From: job.Status, Op: "claim"}
		}
		now := m.clock.Now()
		job.Status = clone.JobStatusProcessing
		job.WorkerID = workerID
		job.StartedAt = &now
		job.LastCheckpoint = &now
		job.Message = "Cloning started"
		job.AppendLog(now, clone.LogInfo, "Clone started", "worker "+workerID)
		return nil
	})
	return m.finish(job, "claim", progress.StageJobStart, err)
}

// Pause freezes a processing job. The worker stops at its next checkpoint.
func (m *Machine) Pause(ctx context.Context, jobID string) (clone.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if job.Status != clone.JobStatusProcessing {
			return &clone.TransitionError{JobID: jobID, From: job.Status, Op: "pause"}
		}
		now := m.clock.Now()
		job.Status = clone.JobStatusPaused
		job.PausedAt = &now
		job.Message = "Paused"
		job.AppendLog(now, clone.LogInfo, "Clone paused",
			fmt.Sprintf("%d pages, %d assets captured", job.PagesCloned, job.AssetsCaptured))
		return nil
	})
	return m.finish(job, "pause", progress.StageJobPaused, err)
}

// Resume continues a paused job from where it stopped.
func (m *Machine) Resume(ctx context.Context, jobID string) (clone.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if job.Status != clone.JobStatusPaused {
			return &clone.TransitionError{JobID: jobID, From: job.Status, Op: "resume"}
		}
		now := m.clock.Now()
		job.Status = clone.JobStatusProcessing
		job.PausedAt = nil
		job.LastCheckpoint = &now
		job.Message = "Cloning resumed"
		job.AppendLog(now, clone.LogInfo, "Clone resumed", "")
		return nil
	})
	return m.finish(job, "resume", progress.StageJobResumed, err)
}

// Stop fails a job on request. Jobs still waiting in the queue are cancelled
// the same way so their worker loses the claim.
func (m *Machine) Stop(ctx context.Context, jobID, reason string) (clone.Job, error) {
	if reason == "" {
		reason = defaultStopReason
	}
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		switch job.Status {
		case clone.JobStatusPending, clone.JobStatusProcessing, clone.JobStatusPaused:
		default:
			return &clone.TransitionError{JobID: jobID, From: job.Status, Op: "stop"}
		}
		m.markFailed(job, "Clone stopped", reason, clone.LogWarning)
		return nil
	})
	job, err = m.finish(job, "stop", progress.StageJobError, err)
	if err != nil {
		return job, err
	}
	return m.trySettle(ctx, job), nil
}

// Fail records an unrecoverable worker error and releases the reservation.
func (m *Machine) Fail(ctx context.Context, jobID, workerID string, cause error) (clone.Job, error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if job.Status != clone.JobStatusProcessing && job.Status != clone.JobStatusPaused {
			return &clone.TransitionError{JobID: jobID, From: job.Status, Op: "fail"}
		}
		if job.WorkerID != workerID {
			return clone.ErrNotWorker
		}
		job.Errors = append(job.Errors, reason)
		m.markFailed(job, "Clone failed", reason, clone.LogError)
		return nil
	})
	job, err = m.finish(job, "fail", progress.StageJobError, err)
	if err != nil {
		return job, err
	}
	return m.trySettle(ctx, job), nil
}

// Complete finishes a processing job. When verification was requested a
// report must already be staged unless the worker explicitly skips it.
func (m *Machine) Complete(ctx context.Context, jobID, workerID string, done Completion) (clone.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if job.Status != clone.JobStatusProcessing {
			return &clone.TransitionError{JobID: jobID, From: job.Status, Op: "complete"}
		}
		if job.WorkerID != workerID {
			return clone.ErrNotWorker
		}
		if job.Options.Verify && job.StagedVerification == nil && !done.SkipVerification {
			return fmt.Errorf("complete job %s: %w", jobID, clone.ErrVerificationPending)
		}
		now := m.clock.Now()
		job.Status = clone.JobStatusCompleted
		job.PagesCloned = max(job.PagesCloned, done.PagesCloned)
		job.AssetsCaptured = max(job.AssetsCaptured, done.AssetsCaptured)
		job.ProgressPercent = 100
		job.OutputLocation = done.OutputLocation
		job.ExportLocation = done.ExportLocation
		job.SizeBytes = done.SizeBytes
		job.CompletedAt = &now
		job.PausedAt = nil
		job.Message = "Clone completed"
		if job.StagedVerification != nil {
			job.Verification = job.StagedVerification
			job.StagedVerification = nil
			job.AppendLog(now, verificationLevel(job.Verification),
				fmt.Sprintf("Verification recorded (score %d)", job.Verification.Score), job.Verification.Summary)
		} else if job.Options.Verify {
			job.AppendLog(now, clone.LogInfo, "Verification skipped", "")
		}
		job.AppendLog(now, clone.LogSuccess, "Clone completed",
			fmt.Sprintf("%d pages, %d assets", job.PagesCloned, job.AssetsCaptured))
		if job.ReservationID != "" {
			// Bill the pages in the delivered output. The job's counter
			// never shrinks, so it can include an abandoned attempt.
			billed := job.PagesCloned
			if done.PagesCloned > 0 {
				billed = min(billed, done.PagesCloned)
			}
			job.PendingSettlement = &clone.Settlement{Commit: true, Amount: m.cfg.Pricing.Actual(billed)}
		}
		return nil
	})
	job, err = m.finish(job, "complete", progress.StageJobDone, err)
	if err != nil {
		return job, err
	}
	return m.trySettle(ctx, job), nil
}

// RecordProgress merges a worker's counters into the job. Counters and
// percent only grow; percent stays below 100 until completion. While the job
// is paused the update is refused with ErrJobPaused so the worker can hold it
// until resume.
func (m *Machine) RecordProgress(ctx context.Context, jobID, workerID string, p Progress) (clone.Job, error) {
	job, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if err := m.checkWriter(job, workerID, "record progress"); err != nil {
			return err
		}
		now := m.clock.Now()
		job.PagesCloned = max(job.PagesCloned, p.PagesCloned)
		job.AssetsCaptured = max(job.AssetsCaptured, p.AssetsCaptured)
		job.ProgressPercent = max(job.ProgressPercent, min(p.Percent, maxRunningPercent))
		if p.CurrentURL != "" {
			job.CurrentURL = p.CurrentURL
		}
		if p.Message != "" {
			job.Message = p.Message
		}
		job.LastCheckpoint = &now
		return nil
	})
	if err != nil {
		return clone.Job{}, fmt.Errorf("record progress for %s: %w", jobID, err)
	}
	m.emitter.Emit(progress.NewEvent(job, progress.StageJobProgress, m.clock.Now()))
	return job, nil
}

// AppendLog adds a worker log line to a running or paused job.
func (m *Machine) AppendLog(ctx context.Context, jobID, workerID string, level clone.LogLevel, message, details string) error {
	_, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if err := m.checkLogWriter(job, workerID, "append log"); err != nil {
			return err
		}
		job.AppendLog(m.clock.Now(), level, message, details)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append log for %s: %w", jobID, err)
	}
	return nil
}

// RecordError records a transient crawl error. The job keeps running.
func (m *Machine) RecordError(ctx context.Context, jobID, workerID, message string) error {
	_, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if err := m.checkLogWriter(job, workerID, "record error"); err != nil {
			return err
		}
		job.Errors = append(job.Errors, message)
		job.AppendLog(m.clock.Now(), clone.LogWarning, message, "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("record error for %s: %w", jobID, err)
	}
	return nil
}

// Checkpoint is called by a worker between units of work. It returns nil
// while the job is processing, blocks while it is paused, and returns
// ErrStopRequested once the job has been stopped, failed, or deleted.
func (m *Machine) Checkpoint(ctx context.Context, jobID, workerID string) error {
	for {
		wake := m.signals.wait(jobID)
		job, err := m.store.GetJob(ctx, jobID)
		if errors.Is(err, clone.ErrNotFound) {
			return clone.ErrStopRequested
		}
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", jobID, err)
		}
		if job.WorkerID != workerID {
			return clone.ErrNotWorker
		}
		switch job.Status {
		case clone.JobStatusProcessing:
			return m.touch(ctx, jobID, workerID)
		case clone.JobStatusPaused:
		default:
			return clone.ErrStopRequested
		}
		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("checkpoint %s: %w", jobID, ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// FailStale force-fails processing jobs whose worker has not reached a
// checkpoint within hungAfter. Paused jobs are never considered stale.
func (m *Machine) FailStale(ctx context.Context, hungAfter time.Duration) (int, error) {
	jobs, err := m.store.ListJobs(ctx, clone.JobFilter{Statuses: []clone.JobStatus{clone.JobStatusProcessing}})
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}
	cutoff := m.clock.Now().Add(-hungAfter)
	failed := 0
	for _, candidate := range jobs {
		if !stale(candidate, cutoff) {
			continue
		}
		job, err := m.store.UpdateJob(ctx, candidate.ID, func(job *clone.Job) error {
			if job.Status != clone.JobStatusProcessing || !stale(*job, cutoff) {
				return &clone.TransitionError{JobID: job.ID, From: job.Status, Op: "expire"}
			}
			reason := fmt.Sprintf("worker %s unresponsive for over %s", job.WorkerID, hungAfter)
			job.Errors = append(job.Errors, reason)
			m.markFailed(job, "Clone failed", reason, clone.LogError)
			return nil
		})
		if errors.Is(err, clone.ErrInvalidTransition) || errors.Is(err, clone.ErrNotFound) {
			continue
		}
		job, err = m.finish(job, "expire", progress.StageJobError, err)
		if err != nil {
			return failed, err
		}
		failed++
		m.trySettle(ctx, job)
	}
	return failed, nil
}

// Forget drops any wake-up state held for jobID.
func (m *Machine) Forget(jobID string) {
	m.signals.forget(jobID)
}

func (m *Machine) markFailed(job *clone.Job, headline, reason string, level clone.LogLevel) {
	now := m.clock.Now()
	job.Status = clone.JobStatusFailed
	job.FailureReason = reason
	job.CompletedAt = &now
	job.PausedAt = nil
	job.Message = headline + ": " + reason
	job.AppendLog(now, level, headline, reason)
	if job.ReservationID != "" {
		settlement := &clone.Settlement{}
		if m.cfg.ChargePartialOnFailure && job.PagesCloned > 0 {
			settlement.Commit = true
			settlement.Amount = m.cfg.Pricing.Actual(job.PagesCloned)
		}
		job.PendingSettlement = settlement
	}
	if job.StagedVerification != nil {
		job.Verification = job.StagedVerification
		job.StagedVerification = nil
	}
}

func (m *Machine) checkWriter(job *clone.Job, workerID, op string) error {
	if job.WorkerID != workerID {
		return clone.ErrNotWorker
	}
	switch job.Status {
	case clone.JobStatusProcessing:
		return nil
	case clone.JobStatusPaused:
		return clone.ErrJobPaused
	default:
		return &clone.TransitionError{JobID: job.ID, From: job.Status, Op: op}
	}
}

func (m *Machine) checkLogWriter(job *clone.Job, workerID, op string) error {
	err := m.checkWriter(job, workerID, op)
	if errors.Is(err, clone.ErrJobPaused) {
		return nil
	}
	return err
}

func (m *Machine) touch(ctx context.Context, jobID, workerID string) error {
	_, err := m.store.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		if err := m.checkWriter(job, workerID, "checkpoint"); err != nil {
			return err
		}
		now := m.clock.Now()
		job.LastCheckpoint = &now
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, clone.ErrJobPaused):
		// Paused between the read and the write; the next checkpoint blocks.
		return nil
	case errors.Is(err, clone.ErrInvalidTransition), errors.Is(err, clone.ErrNotFound):
		return clone.ErrStopRequested
	default:
		return fmt.Errorf("checkpoint %s: %w", jobID, err)
	}
}

// finish publishes a transition result: metrics, wake-ups, and the event.
func (m *Machine) finish(job clone.Job, op string, stage progress.Stage, err error) (clone.Job, error) {
	metrics.ObserveTransition(op, err)
	if err != nil {
		return clone.Job{}, err
	}
	m.signals.notify(job.ID)
	m.emitter.Emit(progress.NewEvent(job, stage, m.clock.Now()))
	m.logger.Info("job transition",
		zap.String("job_id", job.ID),
		zap.String("op", op),
		zap.String("status", string(job.Status)),
		zap.Int("pages", job.PagesCloned),
	)
	if job.Status.Terminal() {
		m.signals.forget(job.ID)
	}
	return job, nil
}

// settle applies the job's pending settlement to the ledger and clears it.
// A reservation already closed elsewhere counts as settled. On error the
// settlement stays pending for SettleOutstanding.
func (m *Machine) settle(ctx context.Context, job clone.Job) (clone.Job, error) {
	pending := job.PendingSettlement
	if pending == nil || job.ReservationID == "" {
		return job, nil
	}
	var err error
	if pending.Commit {
		_, err = m.credits.Commit(ctx, job.ReservationID, pending.Amount)
	} else {
		_, err = m.credits.Release(ctx, job.ReservationID)
	}
	if err != nil && !errors.Is(err, ledger.ErrReservationClosed) && !errors.Is(err, ledger.ErrReservationNotFound) {
		metrics.ObserveTransition("settle", err)
		m.logger.Error("settle job credits",
			zap.String("job_id", job.ID),
			zap.String("reservation_id", job.ReservationID),
			zap.Bool("commit", pending.Commit),
			zap.Error(err),
		)
		return job, fmt.Errorf("settle credits for job %s: %w", job.ID, err)
	}
	settled, err := m.store.UpdateJob(ctx, job.ID, func(j *clone.Job) error {
		j.PendingSettlement = nil
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("mark job %s settled: %w", job.ID, err)
	}
	return settled, nil
}

// trySettle settles job, leaving the settlement pending on failure. The
// transition itself has already been stored either way.
func (m *Machine) trySettle(ctx context.Context, job clone.Job) clone.Job {
	settled, err := m.settle(ctx, job)
	if err != nil {
		return job
	}
	return settled
}

// SettleOutstanding retries settlement for finished jobs whose ledger call
// failed after the transition was stored. It returns how many were settled.
func (m *Machine) SettleOutstanding(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, clone.JobFilter{
		Statuses:  []clone.JobStatus{clone.JobStatusCompleted, clone.JobStatusFailed},
		Unsettled: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list unsettled jobs: %w", err)
	}
	settled := 0
	var errs []error
	for _, job := range jobs {
		if _, err := m.settle(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

func stale(job clone.Job, cutoff time.Time) bool {
	last := job.LastCheckpoint
	if last == nil {
		last = job.StartedAt
	}
	return last != nil && last.Before(cutoff)
}

func verificationLevel(r *clone.VerificationReport) clone.LogLevel {
	if r.Passed {
		return clone.LogSuccess
	}
	return clone.LogWarning
}
