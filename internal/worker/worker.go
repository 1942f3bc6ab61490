// Package worker implements the clone execution loop: claim a queued job,
// run the crawler against it, and report the outcome to the state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/lifecycle"
	"github.com/JakeFAU/sitecloner/internal/logging"
	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/verification"
)

const (
	defaultMaxAttempts   = 1
	defaultRetryBackoff  = 2 * time.Second
	defaultVerifyWait    = 0
	defaultVerifyPoll    = time.Second
	defaultFinalizeGrace = 30 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	// ID identifies this worker in job snapshots.
	ID string
	// MaxAttempts bounds how many times a crawl is restarted after a fatal
	// crawler error before the job is failed.
	MaxAttempts  int
	RetryBackoff time.Duration
	// VerifyWait is how long to wait for an externally posted verification
	// report when no Verifier is configured. Zero skips verification.
	VerifyWait time.Duration
	VerifyPoll time.Duration
}

// Worker consumes queue items and executes the clone pipeline.
type Worker struct {
	queue    clone.Queue
	jobs     clone.JobStore
	machine  *lifecycle.Machine
	crawler  clone.Crawler
	verifier clone.Verifier
	recorder *verification.Recorder
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. verifier may be nil.
func New(
	queue clone.Queue,
	jobs clone.JobStore,
	machine *lifecycle.Machine,
	crawler clone.Crawler,
	verifier clone.Verifier,
	recorder *verification.Recorder,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.VerifyWait < 0 {
		cfg.VerifyWait = defaultVerifyWait
	}
	if cfg.VerifyPoll <= 0 {
		cfg.VerifyPoll = defaultVerifyPoll
	}
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		machine:  machine,
		crawler:  crawler,
		verifier: verifier,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", cfg.ID)),
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.Process(ctx, item)
	}
}

// Process runs one queued job to a terminal state or until it is stopped.
func (w *Worker) Process(ctx context.Context, item clone.QueueItem) {
	job, err := w.machine.Claim(ctx, item.JobID, w.cfg.ID)
	if err != nil {
		if errors.Is(err, clone.ErrInvalidTransition) || errors.Is(err, clone.ErrNotFound) {
			w.logger.Info("skipping job no longer pending", zap.String("job_id", item.JobID), zap.Error(err))
			return
		}
		w.logger.Error("claim job failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logging.ForJob(w.logger, job).Debug("job claimed", zap.String("target", job.TargetURL))

	rep := newReporter(w, job)
	outcome, err := w.crawl(ctx, job, rep)
	switch {
	case errors.Is(err, clone.ErrStopRequested):
		w.logger.Info("job stopped during crawl", zap.String("job_id", job.ID))
		return
	case err != nil:
		w.fail(ctx, job.ID, err)
		return
	}

	skip := w.verify(ctx, job, outcome)
	w.complete(ctx, job.ID, lifecycle.Completion{
		OutputLocation:   outcome.OutputLocation,
		ExportLocation:   outcome.ExportLocation,
		PagesCloned:      max(outcome.PagesCloned, rep.pages),
		AssetsCaptured:   max(outcome.AssetsCaptured, rep.assets),
		SizeBytes:        outcome.SizeBytes,
		SkipVerification: skip,
	})
}

func (w *Worker) crawl(ctx context.Context, job clone.Job, rep *reporter) (clone.CrawlOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		// Every attempt recrawls from the root, so counts from a failed
		// attempt must not carry over. The persisted counters stay
		// monotonic because RecordProgress keeps the larger value.
		rep.reset(job)
		if attempt > 1 {
			rep.Log(ctx, clone.LogWarning, fmt.Sprintf("Retrying crawl (attempt %d of %d)", attempt, w.cfg.MaxAttempts), lastErr.Error())
			select {
			case <-ctx.Done():
				return clone.CrawlOutcome{}, fmt.Errorf("crawl retry wait: %w", ctx.Err())
			case <-time.After(w.cfg.RetryBackoff * time.Duration(attempt-1)):
			}
		}
		outcome, err := w.crawler.Crawl(ctx, clone.CrawlRequest{
			JobID:        job.ID,
			TargetURL:    job.TargetURL,
			MaxPages:     job.Options.MaxPages,
			MaxDepth:     job.Options.MaxDepth,
			ExportFormat: job.Options.ExportFormat,
			SeedLocation: job.SeedLocation,
			PagesDone:    job.PagesCloned,
		}, rep)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, clone.ErrStopRequested) || ctx.Err() != nil {
			return clone.CrawlOutcome{}, err
		}
		lastErr = err
		logging.ForJob(w.logger, job).Warn("crawl attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return clone.CrawlOutcome{}, lastErr
}

// verify obtains a verification report when the job asked for one and
// reports whether completion should skip it.
func (w *Worker) verify(ctx context.Context, job clone.Job, outcome clone.CrawlOutcome) bool {
	if !job.Options.Verify {
		return false
	}
	if w.verifier != nil && w.recorder != nil {
		job.OutputLocation = outcome.OutputLocation
		job.ExportLocation = outcome.ExportLocation
		report, err := w.verifier.Verify(ctx, job)
		if err != nil {
			w.note(ctx, job.ID, clone.LogWarning, "Verification unavailable", err.Error())
			return true
		}
		if _, err := w.recorder.Record(ctx, job.ID, report); err != nil && !errors.Is(err, clone.ErrVerificationRecorded) {
			w.note(ctx, job.ID, clone.LogWarning, "Verification report rejected", err.Error())
			return true
		}
		return false
	}
	return !w.awaitReport(ctx, job.ID)
}

// awaitReport polls for a report posted by an external verifier.
func (w *Worker) awaitReport(ctx context.Context, jobID string) bool {
	if w.cfg.VerifyWait <= 0 {
		return false
	}
	deadline := time.NewTimer(w.cfg.VerifyWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.cfg.VerifyPoll)
	defer ticker.Stop()
	for {
		job, err := w.jobs.GetJob(ctx, jobID)
		if err == nil && job.StagedVerification != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// complete finishes the job. A pause that lands after the crawl finished is
// honored before completing.
func (w *Worker) complete(ctx context.Context, jobID string, done lifecycle.Completion) {
	for {
		_, err := w.machine.Complete(ctx, jobID, w.cfg.ID, done)
		var terr *clone.TransitionError
		switch {
		case err == nil:
			return
		case errors.As(err, &terr) && terr.From == clone.JobStatusPaused:
			if err := w.machine.Checkpoint(ctx, jobID, w.cfg.ID); err != nil {
				w.logger.Info("job stopped before completion", zap.String("job_id", jobID), zap.Error(err))
				return
			}
		case errors.Is(err, clone.ErrVerificationPending):
			done.SkipVerification = true
		default:
			w.logger.Error("complete job failed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
	}
}

func (w *Worker) fail(ctx context.Context, jobID string, cause error) {
	if ctx.Err() != nil {
		// Shutting down: record the failure on a fresh deadline.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeGrace)
		defer cancel()
		cause = fmt.Errorf("worker shut down: %w", cause)
	}
	if _, err := w.machine.Fail(ctx, jobID, w.cfg.ID, cause); err != nil && !errors.Is(err, clone.ErrInvalidTransition) {
		w.logger.Error("fail job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	w.logger.Warn("job failed", zap.String("job_id", jobID), zap.Error(cause))
}

func (w *Worker) note(ctx context.Context, jobID string, level clone.LogLevel, message, details string) {
	if err := w.machine.AppendLog(ctx, jobID, w.cfg.ID, level, message, details); err != nil {
		w.logger.Debug("append job log", zap.String("job_id", jobID), zap.Error(err))
	}
}
