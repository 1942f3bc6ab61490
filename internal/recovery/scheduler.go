package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/metrics"
	"github.com/JakeFAU/sitecloner/internal/orchestrator"
)

const (
	defaultGracePeriod  = 5 * time.Minute
	defaultEvaluateSpec = "@every 1m"
	defaultMinInterval  = 5
)

// Jobs is the slice of the orchestrator the scheduler drives.
type Jobs interface {
	Submit(ctx context.Context, ownerID, rawURL string, opts clone.Options) (clone.Job, error)
	RerunIncremental(ctx context.Context, ownerID, jobID string) (clone.Job, error)
	Get(ctx context.Context, ownerID, jobID string) (clone.Job, error)
}

// Config controls scheduling and failover evaluation.
type Config struct {
	// GracePeriod is how long a site must stay offline before failover triggers.
	GracePeriod time.Duration
	// EvaluateSpec is the cron spec of the failover evaluation pass.
	EvaluateSpec       string
	MinIntervalMinutes int
	BackupOptions      clone.Options
	// EventTopic receives backup and failover notices when a publisher is set.
	EventTopic string
}

// Notice is published for every backup version and failover event.
type Notice struct {
	Kind     string         `json:"kind"`
	SiteID   string         `json:"site_id"`
	OwnerID  string         `json:"owner_id"`
	Backup   *BackupVersion `json:"backup,omitempty"`
	Failover *FailoverEvent `json:"failover,omitempty"`
}

// Scheduler runs per-site backup timers and failover evaluation.
type Scheduler struct {
	store     Store
	jobs      Jobs
	publisher clone.Publisher
	clock     clone.Clock
	ids       clone.IDGenerator
	cfg       Config
	logger    *zap.Logger

	cron    *cron.Cron
	ctx     context.Context
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Scheduler. publisher may be nil.
func New(store Store, jobs Jobs, publisher clone.Publisher, clock clone.Clock, ids clone.IDGenerator, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.EvaluateSpec == "" {
		cfg.EvaluateSpec = defaultEvaluateSpec
	}
	if cfg.MinIntervalMinutes <= 0 {
		cfg.MinIntervalMinutes = defaultMinInterval
	}
	cl := cronLogger{log: logger.Named("cron").Sugar()}
	return &Scheduler{
		store:     store,
		jobs:      jobs,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     context.Background(),
		entries: map[string]cron.EntryID{},
	}
}

// Start schedules every sync-enabled site plus the failover evaluation pass
// and starts the cron runner. Timers run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	sites, err := s.store.ListSites(ctx, "")
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	for _, site := range sites {
		if err := s.schedule(site); err != nil {
			return err
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.EvaluateSpec, func() {
		if _, err := s.EvaluateFailover(s.runContext()); err != nil {
			s.logger.Error("failover evaluation failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule failover evaluation %q: %w", s.cfg.EvaluateSpec, err)
	}
	s.cron.Start()
	s.logger.Info("recovery scheduler started", zap.Int("sites", len(sites)))
	return nil
}

// Stop halts the cron runner and waits for running timers.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop recovery scheduler: %w", ctx.Err())
	}
}

// Scheduled reports whether a backup timer is registered for siteID.
func (s *Scheduler) Scheduled(siteID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[siteID]
	return ok
}

// AddSite registers a monitored site and schedules its backups.
func (s *Scheduler) AddSite(ctx context.Context, ownerID string, spec SiteSpec) (Site, error) {
	if err := s.validate(&spec); err != nil {
		return Site{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Site{}, fmt.Errorf("generate site id: %w", err)
	}
	site := Site{
		ID:        id,
		OwnerID:   ownerID,
		Status:    StatusUnknown,
		CreatedAt: s.clock.Now(),
	}
	apply(&site, spec)
	if err := s.store.CreateSite(ctx, site); err != nil {
		return Site{}, fmt.Errorf("create site: %w", err)
	}
	if err := s.schedule(site); err != nil {
		return Site{}, err
	}
	s.logger.Info("site added", zap.String("site_id", site.ID), zap.String("owner_id", ownerID), zap.String("url", site.URL))
	return site, nil
}

// UpdateSite replaces a site's settings and reschedules it.
func (s *Scheduler) UpdateSite(ctx context.Context, ownerID, siteID string, spec SiteSpec) (Site, error) {
	if err := s.validate(&spec); err != nil {
		return Site{}, err
	}
	site, err := s.store.UpdateSite(ctx, siteID, func(site *Site) error {
		if site.OwnerID != ownerID {
			return clone.ErrForbidden
		}
		apply(site, spec)
		if !site.FailoverEnabled && site.FailoverActive {
			site.FailoverActive = false
			site.FailoverSince = nil
		}
		return nil
	})
	if err != nil {
		return Site{}, fmt.Errorf("update site %s: %w", siteID, err)
	}
	s.unschedule(siteID)
	if err := s.schedule(site); err != nil {
		return Site{}, err
	}
	return site, nil
}

// RemoveSite stops a site's timer and deletes it. History is dropped with it.
func (s *Scheduler) RemoveSite(ctx context.Context, ownerID, siteID string) error {
	if _, err := s.Site(ctx, ownerID, siteID); err != nil {
		return err
	}
	s.unschedule(siteID)
	if err := s.store.DeleteSite(ctx, siteID); err != nil {
		return fmt.Errorf("delete site %s: %w", siteID, err)
	}
	s.logger.Info("site removed", zap.String("site_id", siteID), zap.String("owner_id", ownerID))
	return nil
}

// Sites lists the owner's sites.
func (s *Scheduler) Sites(ctx context.Context, ownerID string) ([]Site, error) {
	sites, err := s.store.ListSites(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// Site returns one site owned by ownerID.
func (s *Scheduler) Site(ctx context.Context, ownerID, siteID string) (Site, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return Site{}, fmt.Errorf("get site %s: %w", siteID, err)
	}
	if site.OwnerID != ownerID {
		return Site{}, fmt.Errorf("site %s: %w", siteID, clone.ErrForbidden)
	}
	return site, nil
}

// Backups lists a site's backup versions, newest first.
func (s *Scheduler) Backups(ctx context.Context, ownerID, siteID string) ([]BackupVersion, error) {
	if _, err := s.Site(ctx, ownerID, siteID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListBackups(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return versions, nil
}

// FailoverEvents lists a site's failover history, newest first.
func (s *Scheduler) FailoverEvents(ctx context.Context, ownerID, siteID string) ([]FailoverEvent, error) {
	if _, err := s.Site(ctx, ownerID, siteID); err != nil {
		return nil, err
	}
	events, err := s.store.ListFailovers(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("list failover events: %w", err)
	}
	return events, nil
}

// RunBackup is the body of a site's timer: settle the previous backup job,
// then request the next one unless the previous is still running.
func (s *Scheduler) RunBackup(ctx context.Context, siteID string) error {
	if _, err := s.Reconcile(ctx, siteID); err != nil {
		return err
	}
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("get site %s: %w", siteID, err)
	}
	if !site.SyncEnabled {
		return nil
	}
	if site.PendingJobID != "" {
		s.logger.Info("previous backup still running",
			zap.String("site_id", siteID),
			zap.String("job_id", site.PendingJobID),
		)
		return nil
	}

	job, kind, err := s.requestBackup(ctx, site)
	if err != nil {
		return fmt.Errorf("request backup for site %s: %w", siteID, err)
	}
	if _, err := s.store.UpdateSite(ctx, siteID, func(site *Site) error {
		site.PendingJobID = job.ID
		site.PendingType = kind
		return nil
	}); err != nil {
		return fmt.Errorf("track backup job %s: %w", job.ID, err)
	}
	s.logger.Info("backup requested",
		zap.String("site_id", siteID),
		zap.String("job_id", job.ID),
		zap.String("type", string(kind)),
	)
	return nil
}

func (s *Scheduler) requestBackup(ctx context.Context, site Site) (clone.Job, BackupType, error) {
	if site.LastJobID != "" {
		job, err := s.jobs.RerunIncremental(ctx, site.OwnerID, site.LastJobID)
		if err == nil {
			return job, BackupIncremental, nil
		}
		if !errors.Is(err, clone.ErrNotFound) && !errors.Is(err, clone.ErrInvalidTransition) {
			return clone.Job{}, "", err
		}
		s.logger.Warn("incremental seed unusable, taking full backup",
			zap.String("site_id", site.ID),
			zap.String("seed_job_id", site.LastJobID),
			zap.Error(err),
		)
	}
	job, err := s.jobs.Submit(ctx, site.OwnerID, site.URL, s.cfg.BackupOptions)
	if err != nil {
		return clone.Job{}, "", err
	}
	return job, BackupFull, nil
}

// Reconcile records a BackupVersion once the site's tracked job is terminal.
// It returns nil when there is nothing to record yet.
func (s *Scheduler) Reconcile(ctx context.Context, siteID string) (*BackupVersion, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("get site %s: %w", siteID, err)
	}
	if site.PendingJobID == "" {
		return nil, nil
	}
	job, err := s.jobs.Get(ctx, site.OwnerID, site.PendingJobID)
	switch {
	case errors.Is(err, clone.ErrNotFound):
		job = clone.Job{ID: site.PendingJobID, Status: clone.JobStatusFailed}
	case err != nil:
		return nil, fmt.Errorf("get backup job %s: %w", site.PendingJobID, err)
	case !job.Status.Terminal():
		return nil, nil
	}

	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate backup id: %w", err)
	}
	now := s.clock.Now()
	version := BackupVersion{
		ID:         id,
		SiteID:     siteID,
		JobID:      job.ID,
		Timestamp:  now,
		SizeBytes:  job.SizeBytes,
		PageCount:  job.PagesCloned,
		AssetCount: job.AssetsCaptured,
		Type:       site.PendingType,
		Status:     backupStatus(job),
	}
	if version.Type == "" {
		version.Type = BackupFull
	}
	if job.CompletedAt != nil {
		version.Timestamp = *job.CompletedAt
	}

	// The version goes in before the pending job is cleared. A failure in
	// between leaves the job pending, and the next pass appends a duplicate
	// that the store ignores.
	if err := s.store.AppendBackup(ctx, version); err != nil {
		return nil, fmt.Errorf("append backup version: %w", err)
	}
	if _, err := s.store.UpdateSite(ctx, siteID, func(site *Site) error {
		if site.PendingJobID != job.ID {
			return fmt.Errorf("backup job %s already reconciled: %w", job.ID, clone.ErrInvalidTransition)
		}
		site.PendingJobID = ""
		site.PendingType = ""
		site.BackupCount++
		site.LastBackupAt = &now
		if version.Status == BackupComplete {
			site.LastJobID = job.ID
		}
		return nil
	}); err != nil {
		if errors.Is(err, clone.ErrInvalidTransition) {
			return nil, nil
		}
		return nil, fmt.Errorf("settle backup for site %s: %w", siteID, err)
	}
	metrics.ObserveBackup(string(version.Type), string(version.Status))
	s.notify(ctx, Notice{Kind: "backup_recorded", SiteID: siteID, OwnerID: site.OwnerID, Backup: &version})
	s.logger.Info("backup recorded",
		zap.String("site_id", siteID),
		zap.String("job_id", job.ID),
		zap.String("status", string(version.Status)),
		zap.Int("pages", version.PageCount),
	)
	return &version, nil
}

// RecordProbe applies a health sample. Returning online resolves an active
// failover; going offline starts the grace period.
func (s *Scheduler) RecordProbe(ctx context.Context, ownerID, siteID string, probe Probe) (Site, error) {
	if !probe.Status.Valid() {
		return Site{}, &clone.ValidationError{Field: "status", Reason: "must be online, degraded, or offline"}
	}
	if probe.ResponseTimeMs < 0 {
		return Site{}, &clone.ValidationError{Field: "response_time_ms", Reason: "must not be negative"}
	}
	if probe.At.IsZero() {
		probe.At = s.clock.Now()
	}
	var resolved *FailoverEvent
	site, err := s.store.UpdateSite(ctx, siteID, func(site *Site) error {
		if site.OwnerID != ownerID {
			return clone.ErrForbidden
		}
		resolved = nil
		site.Status = probe.Status
		site.LastResponseMs = probe.ResponseTimeMs
		switch probe.Status {
		case StatusOffline:
			if site.OfflineSince == nil {
				at := probe.At
				site.OfflineSince = &at
			}
		case StatusOnline:
			site.OfflineSince = nil
			if site.FailoverActive {
				event := FailoverEvent{SiteID: site.ID, Type: FailoverResolved, At: probe.At}
				if site.FailoverSince != nil {
					event.Duration = probe.At.Sub(*site.FailoverSince)
				}
				resolved = &event
				site.FailoverActive = false
				site.FailoverSince = nil
			}
		default:
			site.OfflineSince = nil
		}
		return nil
	})
	if err != nil {
		return Site{}, fmt.Errorf("record probe for site %s: %w", siteID, err)
	}
	if resolved != nil {
		if err := s.appendFailover(ctx, site, *resolved); err != nil {
			return site, err
		}
	}
	return site, nil
}

// EvaluateFailover triggers failover for every site offline past the grace
// period and returns how many were triggered.
func (s *Scheduler) EvaluateFailover(ctx context.Context) (int, error) {
	sites, err := s.store.ListSites(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list sites: %w", err)
	}
	now := s.clock.Now()
	triggered := 0
	for _, candidate := range sites {
		if !s.due(candidate, now) {
			continue
		}
		site, err := s.store.UpdateSite(ctx, candidate.ID, func(site *Site) error {
			if !s.due(*site, now) {
				return clone.ErrInvalidTransition
			}
			site.FailoverActive = true
			site.FailoverSince = &now
			return nil
		})
		if errors.Is(err, clone.ErrInvalidTransition) || errors.Is(err, clone.ErrNotFound) {
			continue
		}
		if err != nil {
			return triggered, fmt.Errorf("trigger failover for site %s: %w", candidate.ID, err)
		}
		event := FailoverEvent{SiteID: site.ID, Type: FailoverTriggered, At: now}
		if err := s.appendFailover(ctx, site, event); err != nil {
			return triggered, err
		}
		triggered++
	}
	return triggered, nil
}

func (s *Scheduler) due(site Site, now time.Time) bool {
	return site.FailoverEnabled &&
		!site.FailoverActive &&
		site.Status == StatusOffline &&
		site.OfflineSince != nil &&
		now.Sub(*site.OfflineSince) >= s.cfg.GracePeriod
}

func (s *Scheduler) appendFailover(ctx context.Context, site Site, event FailoverEvent) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate failover id: %w", err)
	}
	event.ID = id
	if err := s.store.AppendFailover(ctx, event); err != nil {
		return fmt.Errorf("append failover event: %w", err)
	}
	metrics.ObserveFailover(string(event.Type))
	s.notify(ctx, Notice{Kind: "failover_" + string(event.Type), SiteID: site.ID, OwnerID: site.OwnerID, Failover: &event})
	s.logger.Warn("failover "+string(event.Type),
		zap.String("site_id", site.ID),
		zap.String("url", site.URL),
		zap.Duration("duration", event.Duration),
	)
	return nil
}

func (s *Scheduler) notify(ctx context.Context, notice Notice) {
	if s.publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, notice); err != nil {
		s.logger.Warn("publish recovery notice", zap.String("kind", notice.Kind), zap.Error(err))
	}
}

func (s *Scheduler) schedule(site Site) error {
	if !site.SyncEnabled {
		return nil
	}
	spec := fmt.Sprintf("@every %dm", site.SyncIntervalMinutes)
	siteID := site.ID
	entry, err := s.cron.AddFunc(spec, func() {
		if err := s.RunBackup(s.runContext(), siteID); err != nil {
			s.logger.Error("scheduled backup failed", zap.String("site_id", siteID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule site %s with %q: %w", siteID, spec, err)
	}
	s.mu.Lock()
	s.entries[siteID] = entry
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unschedule(siteID string) {
	s.mu.Lock()
	entry, ok := s.entries[siteID]
	delete(s.entries, siteID)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entry)
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) validate(spec *SiteSpec) error {
	u, err := orchestrator.ValidateTargetURL(spec.URL)
	if err != nil {
		return err
	}
	spec.URL = u.String()
	if spec.SyncEnabled && spec.SyncIntervalMinutes < s.cfg.MinIntervalMinutes {
		return &clone.ValidationError{
			Field:  "sync_interval_minutes",
			Reason: fmt.Sprintf("must be at least %d", s.cfg.MinIntervalMinutes),
		}
	}
	if spec.SyncIntervalMinutes < 0 {
		return &clone.ValidationError{Field: "sync_interval_minutes", Reason: "must not be negative"}
	}
	return nil
}

func apply(site *Site, spec SiteSpec) {
	site.URL = spec.URL
	site.SyncEnabled = spec.SyncEnabled
	site.SyncIntervalMinutes = spec.SyncIntervalMinutes
	site.FailoverEnabled = spec.FailoverEnabled
}

func backupStatus(job clone.Job) BackupStatus {
	switch {
	case job.Status == clone.JobStatusCompleted:
		return BackupComplete
	case job.PagesCloned > 0:
		return BackupPartial
	default:
		return BackupFailed
	}
}
