package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/lifecycle"
	"github.com/JakeFAU/sitecloner/internal/metrics"
)

// reporter adapts the state machine to the clone.Reporter handed to crawlers.
type reporter struct {
	w        *Worker
	jobID    string
	maxPages int
	site     string
	pages    int
	assets   int
}

func newReporter(w *Worker, job clone.Job) *reporter {
	site := job.TargetURL
	if u, err := url.Parse(job.TargetURL); err == nil && u.Host != "" {
		site = u.Hostname()
	}
	return &reporter{
		w:        w,
		jobID:    job.ID,
		maxPages: job.Options.MaxPages,
		site:     site,
		pages:    job.PagesCloned,
		assets:   job.AssetsCaptured,
	}
}

// reset restarts the counters from the job's state at claim time.
func (r *reporter) reset(job clone.Job) {
	r.pages = job.PagesCloned
	r.assets = job.AssetsCaptured
}

// PageCaptured bumps the counters. A pause holds the caller until resume.
func (r *reporter) PageCaptured(ctx context.Context, page clone.PageResult) error {
	r.pages++
	r.assets += page.AssetsCaptured
	metrics.ObservePage(r.site)

	update := lifecycle.Progress{
		PagesCloned:    r.pages,
		AssetsCaptured: r.assets,
		Percent:        r.percent(),
		CurrentURL:     page.URL,
		Message:        fmt.Sprintf("Cloned %d of %d pages", r.pages, r.maxPages),
	}
	for {
		_, err := r.w.machine.RecordProgress(ctx, r.jobID, r.w.cfg.ID, update)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, clone.ErrJobPaused):
			if err := r.Checkpoint(ctx); err != nil {
				return err
			}
		case errors.Is(err, clone.ErrInvalidTransition), errors.Is(err, clone.ErrNotFound), errors.Is(err, clone.ErrNotWorker):
			return clone.ErrStopRequested
		default:
			return err
		}
	}
}

func (r *reporter) Log(ctx context.Context, level clone.LogLevel, message, details string) {
	r.w.note(ctx, r.jobID, level, message, details)
}

func (r *reporter) Warn(ctx context.Context, message string) {
	if err := r.w.machine.RecordError(ctx, r.jobID, r.w.cfg.ID, message); err != nil {
		r.w.logger.Debug("record crawl error", zap.String("job_id", r.jobID), zap.Error(err))
	}
}

func (r *reporter) Checkpoint(ctx context.Context) error {
	err := r.w.machine.Checkpoint(ctx, r.jobID, r.w.cfg.ID)
	if errors.Is(err, clone.ErrNotWorker) {
		return clone.ErrStopRequested
	}
	return err
}

func (r *reporter) percent() int {
	if r.maxPages <= 0 {
		return 0
	}
	return min(r.pages*100/r.maxPages, 99)
}
