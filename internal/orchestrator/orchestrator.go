// Package orchestrator is the service-facing entry point for clone jobs. It
// validates requests, reserves credits, creates and enqueues jobs, and routes
// owner commands to the lifecycle state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/ledger"
	"github.com/JakeFAU/sitecloner/internal/lifecycle"
	"github.com/JakeFAU/sitecloner/internal/policy"
	"github.com/JakeFAU/sitecloner/internal/progress"
	"github.com/JakeFAU/sitecloner/internal/telemetry"
)

// ErrRateLimited is returned when the admission policy refuses a submission.
var ErrRateLimited = errors.New("submission rate limit exceeded")

const tracerName = "github.com/JakeFAU/sitecloner/internal/orchestrator"

// Ledger is the subset of the credit ledger the orchestrator needs.
type Ledger interface {
	Reserve(ctx context.Context, ownerID, jobID string, amount clone.Credits) (ledger.Reservation, error)
	Release(ctx context.Context, reservationID string) (ledger.Account, error)
}

// Config holds submission defaults and limits.
type Config struct {
	Pricing ledger.Pricing
	// Defaults fill zero-valued options on submission.
	Defaults clone.Options
	// MaxPagesLimit and MaxDepthLimit cap what a caller may request.
	MaxPagesLimit int
	MaxDepthLimit int
	// ExportFormats lists the accepted export formats.
	ExportFormats []string
}

// Service implements the job operations exposed to callers.
type Service struct {
	jobs    clone.JobStore
	queue   clone.Queue
	ledger  Ledger
	machine *lifecycle.Machine
	policy  policy.Policy
	remover clone.OutputRemover
	emitter progress.Emitter
	clock   clone.Clock
	ids     clone.IDGenerator
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Jobs    clone.JobStore
	Queue   clone.Queue
	Ledger  Ledger
	Machine *lifecycle.Machine
	Policy  policy.Policy
	Remover clone.OutputRemover
	Emitter progress.Emitter
	Clock   clone.Clock
	IDs     clone.IDGenerator
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Policy == nil {
		deps.Policy = policy.Chain{}
	}
	return &Service{
		jobs:    deps.Jobs,
		queue:   deps.Queue,
		ledger:  deps.Ledger,
		machine: deps.Machine,
		policy:  deps.Policy,
		remover: deps.Remover,
		emitter: deps.Emitter,
		clock:   deps.Clock,
		ids:     deps.IDs,
		cfg:     cfg,
		logger:  logger,
		tracer:  telemetry.Tracer(tracerName),
	}
}

// Submit validates the request, reserves credits for the worst case, and
// queues a new pending job. Nothing is reserved or created when validation
// fails, and a failure after the reservation releases it.
func (s *Service) Submit(ctx context.Context, ownerID, rawURL string, opts clone.Options) (job clone.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.submit", trace.WithAttributes(attribute.String("owner_id", ownerID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(ownerID) == "" {
		return clone.Job{}, &clone.ValidationError{Field: "owner_id", Reason: "required"}
	}
	target, err := ValidateTargetURL(rawURL)
	if err != nil {
		return clone.Job{}, err
	}
	opts, err = s.normalize(opts)
	if err != nil {
		return clone.Job{}, err
	}
	if !s.policy.AllowTarget(target) {
		return clone.Job{}, &clone.ValidationError{Field: "url", Reason: "target is not permitted"}
	}
	return s.admitAndCreate(ctx, ownerID, target.String(), opts, "", "")
}

// RerunIncremental starts a new job seeded with a completed job's output.
// The source job is never reopened.
func (s *Service) RerunIncremental(ctx context.Context, ownerID, jobID string) (job clone.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.rerun", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer func() { endSpan(span, err) }()

	source, err := s.authorize(ctx, ownerID, jobID)
	if err != nil {
		return clone.Job{}, err
	}
	if source.Status != clone.JobStatusCompleted {
		return clone.Job{}, &clone.TransitionError{JobID: jobID, From: source.Status, Op: "rerun"}
	}
	if source.OutputLocation == "" {
		return clone.Job{}, &clone.ValidationError{Field: "job_id", Reason: "source job has no output to seed from"}
	}
	return s.admitAndCreate(ctx, ownerID, source.TargetURL, source.Options, source.OutputLocation, source.ID)
}

// Pause asks the worker to hold at its next checkpoint.
func (s *Service) Pause(ctx context.Context, ownerID, jobID string) (clone.Job, error) {
	if _, err := s.authorize(ctx, ownerID, jobID); err != nil {
		return clone.Job{}, err
	}
	job, err := s.machine.Pause(ctx, jobID)
	if err != nil {
		return clone.Job{}, fmt.Errorf("pause job: %w", err)
	}
	return job, nil
}

// Resume lets a paused job continue.
func (s *Service) Resume(ctx context.Context, ownerID, jobID string) (clone.Job, error) {
	if _, err := s.authorize(ctx, ownerID, jobID); err != nil {
		return clone.Job{}, err
	}
	job, err := s.machine.Resume(ctx, jobID)
	if err != nil {
		return clone.Job{}, fmt.Errorf("resume job: %w", err)
	}
	return job, nil
}

// Stop fails the job with reason and releases its reservation.
func (s *Service) Stop(ctx context.Context, ownerID, jobID, reason string) (clone.Job, error) {
	if _, err := s.authorize(ctx, ownerID, jobID); err != nil {
		return clone.Job{}, err
	}
	job, err := s.machine.Stop(ctx, jobID, reason)
	if err != nil {
		return job, fmt.Errorf("stop job: %w", err)
	}
	return job, nil
}

// Delete removes a job in any state. Running jobs are stopped first, held
// credits are released, and stored output is removed.
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.delete", trace.WithAttributes(attribute.String("job_id", jobID)))
	defer func() { endSpan(span, err) }()

	job, err := s.authorize(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		stopped, err := s.machine.Stop(ctx, jobID, "job deleted")
		switch {
		case err == nil:
			job = stopped
		case errors.Is(err, clone.ErrInvalidTransition):
			// Finished on its own in the meantime.
		default:
			return fmt.Errorf("stop before delete: %w", err)
		}
	}
	if job.ReservationID != "" {
		if _, err := s.ledger.Release(ctx, job.ReservationID); err != nil {
			return fmt.Errorf("release reservation for %s: %w", jobID, err)
		}
	}
	if err := s.removeOutput(ctx, job); err != nil {
		return err
	}
	_, err = s.jobs.UpdateJob(ctx, jobID, func(job *clone.Job) error {
		now := s.clock.Now()
		job.DeletedAt = &now
		job.AppendLog(now, clone.LogInfo, "Job deleted", "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	s.machine.Forget(jobID)
	s.logger.Info("job deleted", zap.String("job_id", jobID), zap.String("owner_id", ownerID))
	return nil
}

// Get returns the current snapshot of a job owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (clone.Job, error) {
	return s.authorize(ctx, ownerID, jobID)
}

// List returns ownerID's jobs, newest first.
func (s *Service) List(ctx context.Context, ownerID string, filter clone.JobFilter) ([]clone.Job, error) {
	filter.OwnerID = ownerID
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// RequeuePending enqueues every pending job, oldest first. It is run once at
// startup so jobs persisted before a restart are picked up again.
func (s *Service) RequeuePending(ctx context.Context) (int, error) {
	pending, err := s.jobs.ListJobs(ctx, clone.JobFilter{Statuses: []clone.JobStatus{clone.JobStatusPending}})
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	for i := len(pending) - 1; i >= 0; i-- {
		job := pending[i]
		item := clone.QueueItem{JobID: job.ID, Attempt: 1, Submitted: job.CreatedAt.UnixNano()}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			return len(pending) - 1 - i, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
	}
	if len(pending) > 0 {
		s.logger.Info("pending jobs requeued", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// admitAndCreate charges the submission against the owner's rate budget and
// gives it back when no job results, e.g. for lack of credit.
func (s *Service) admitAndCreate(ctx context.Context, ownerID, target string, opts clone.Options, seed, parent string) (clone.Job, error) {
	undo, ok := s.policy.AllowSubmit(ownerID)
	if !ok {
		return clone.Job{}, ErrRateLimited
	}
	job, err := s.create(ctx, ownerID, target, opts, seed, parent)
	if err != nil {
		undo()
		return clone.Job{}, err
	}
	return job, nil
}

func (s *Service) create(ctx context.Context, ownerID, target string, opts clone.Options, seed, parent string) (clone.Job, error) {
	jobID, err := s.ids.NewID()
	if err != nil {
		return clone.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	amount := s.cfg.Pricing.Estimate(opts.MaxPages)
	res, err := s.ledger.Reserve(ctx, ownerID, jobID, amount)
	if err != nil {
		return clone.Job{}, fmt.Errorf("reserve credits: %w", err)
	}

	now := s.clock.Now()
	job := clone.Job{
		ID:              jobID,
		OwnerID:         ownerID,
		TargetURL:       target,
		Status:          clone.JobStatusPending,
		Options:         opts,
		SeedLocation:    seed,
		ParentJobID:     parent,
		ReservationID:   res.ID,
		CreditsReserved: amount,
		Message:         "Queued",
		CreatedAt:       now,
	}
	if parent != "" {
		job.AppendLog(now, clone.LogInfo, "Incremental clone queued", "seeded from job "+parent)
	} else {
		job.AppendLog(now, clone.LogInfo, "Clone queued", target)
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.releaseQuietly(ctx, res.ID, jobID)
		return clone.Job{}, fmt.Errorf("create job: %w", err)
	}
	item := clone.QueueItem{JobID: jobID, Attempt: 1, Submitted: now.UnixNano()}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		// The row exists, so fail it visibly; Stop releases the reservation.
		if _, stopErr := s.machine.Stop(ctx, jobID, "could not be queued"); stopErr != nil {
			s.logger.Error("fail unqueued job", zap.String("job_id", jobID), zap.Error(stopErr))
		}
		return clone.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	s.emitter.Emit(progress.NewEvent(job, progress.StageJobSubmitted, now))
	s.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("owner_id", ownerID),
		zap.String("target_url", target),
		zap.Int("max_pages", opts.MaxPages),
		zap.Stringer("reserved", amount),
		zap.String("parent_job_id", parent),
	)
	return job, nil
}

func (s *Service) authorize(ctx context.Context, ownerID, jobID string) (clone.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return clone.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.OwnerID != ownerID {
		return clone.Job{}, fmt.Errorf("job %s: %w", jobID, clone.ErrForbidden)
	}
	return job, nil
}

func (s *Service) normalize(opts clone.Options) (clone.Options, error) {
	if opts.MaxPages == 0 {
		opts.MaxPages = s.cfg.Defaults.MaxPages
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = s.cfg.Defaults.MaxDepth
	}
	if opts.ExportFormat == "" {
		opts.ExportFormat = s.cfg.Defaults.ExportFormat
	}
	if opts.MaxPages <= 0 {
		return opts, &clone.ValidationError{Field: "max_pages", Reason: "must be positive"}
	}
	if s.cfg.MaxPagesLimit > 0 && opts.MaxPages > s.cfg.MaxPagesLimit {
		return opts, &clone.ValidationError{Field: "max_pages", Reason: fmt.Sprintf("must be at most %d", s.cfg.MaxPagesLimit)}
	}
	if opts.MaxDepth < 0 {
		return opts, &clone.ValidationError{Field: "max_depth", Reason: "must not be negative"}
	}
	if s.cfg.MaxDepthLimit > 0 && opts.MaxDepth > s.cfg.MaxDepthLimit {
		return opts, &clone.ValidationError{Field: "max_depth", Reason: fmt.Sprintf("must be at most %d", s.cfg.MaxDepthLimit)}
	}
	if len(s.cfg.ExportFormats) > 0 && !slices.Contains(s.cfg.ExportFormats, opts.ExportFormat) {
		return opts, &clone.ValidationError{Field: "export_format", Reason: fmt.Sprintf("must be one of %s", strings.Join(s.cfg.ExportFormats, ", "))}
	}
	return opts, nil
}

func (s *Service) removeOutput(ctx context.Context, job clone.Job) error {
	if s.remover == nil {
		return nil
	}
	for _, loc := range []string{job.OutputLocation, job.ExportLocation} {
		if loc == "" {
			continue
		}
		if err := s.remover.DeletePrefix(ctx, loc); err != nil {
			return fmt.Errorf("remove output %s: %w", loc, err)
		}
	}
	return nil
}

func (s *Service) releaseQuietly(ctx context.Context, reservationID, jobID string) {
	if _, err := s.ledger.Release(ctx, reservationID); err != nil {
		s.logger.Error("release reservation after failed submit",
			zap.String("job_id", jobID),
			zap.String("reservation_id", reservationID),
			zap.Error(err),
		)
	}
}

// ValidateTargetURL accepts absolute http(s) URLs with a host.
func ValidateTargetURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &clone.ValidationError{Field: "url", Reason: "required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &clone.ValidationError{Field: "url", Reason: "malformed"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &clone.ValidationError{Field: "url", Reason: "must be an absolute http or https URL"}
	}
	if u.Hostname() == "" {
		return nil, &clone.ValidationError{Field: "url", Reason: "host is required"}
	}
	u.Fragment = ""
	return u, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
