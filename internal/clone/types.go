package clone

import (
	"time"
)

// JobStatus enumerates the lifecycle states of a clone job.
type JobStatus string

// Supported job states.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusPaused, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// LogLevel classifies job log entries.
type LogLevel string

// Supported log levels.
const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one line of the append-only job log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// VerificationCheck is a single named check produced by the verification engine.
type VerificationCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// VerificationReport is the opaque result of verifying a cloned site.
type VerificationReport struct {
	Passed  bool                `json:"passed"`
	Score   int                 `json:"score"`
	Summary string              `json:"summary"`
	Checks  []VerificationCheck `json:"checks"`
}

// Options carries the per-job crawl knobs chosen at submission.
type Options struct {
	MaxPages     int    `json:"max_pages"`
	MaxDepth     int    `json:"max_depth"`
	ExportFormat string `json:"export_format"`
	Verify       bool   `json:"verify"`
}

// Job is the persisted snapshot of a clone job. Pollers read it directly.
type Job struct {
	ID              string              `json:"id"`
	OwnerID         string              `json:"owner_id"`
	TargetURL       string              `json:"target_url"`
	Status          JobStatus           `json:"status"`
	Options         Options             `json:"options"`
	ProgressPercent int                 `json:"progress_percent"`
	PagesCloned     int                 `json:"pages_cloned"`
	AssetsCaptured  int                 `json:"assets_captured"`
	CurrentURL      string              `json:"current_url,omitempty"`
	Message         string              `json:"message,omitempty"`
	LogEntries      []LogEntry          `json:"log_entries"`
	Errors          []string            `json:"errors"`
	Verification    *VerificationReport `json:"verification,omitempty"`
	OutputLocation  string              `json:"output_location,omitempty"`
	ExportLocation  string              `json:"export_location,omitempty"`
	SizeBytes       int64               `json:"size_bytes,omitempty"`
	SeedLocation    string              `json:"seed_location,omitempty"`
	ParentJobID     string              `json:"parent_job_id,omitempty"`
	ReservationID   string              `json:"reservation_id,omitempty"`
	CreditsReserved Credits             `json:"credits_reserved"`
	WorkerID        string              `json:"worker_id,omitempty"`
	FailureReason   string              `json:"failure_reason,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	PausedAt        *time.Time          `json:"paused_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	LastCheckpoint  *time.Time          `json:"last_checkpoint_at,omitempty"`
	DeletedAt       *time.Time          `json:"-"`

	// StagedVerification holds a report recorded while the job was still
	// processing. It becomes Verification on completion.
	StagedVerification *VerificationReport `json:"-"`

	// PendingSettlement is set by the terminal transition and cleared once
	// the reservation has been committed or released.
	PendingSettlement *Settlement `json:"-"`
}

// Settlement is the ledger action owed for a finished job's reservation.
type Settlement struct {
	// Commit charges Amount; otherwise the reservation is released.
	Commit bool    `json:"commit"`
	Amount Credits `json:"amount"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (j Job) Clone() Job {
	cp := j
	cp.LogEntries = append([]LogEntry(nil), j.LogEntries...)
	cp.Errors = append([]string(nil), j.Errors...)
	cp.Verification = cloneReport(j.Verification)
	cp.StagedVerification = cloneReport(j.StagedVerification)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.PausedAt = cloneTime(j.PausedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.LastCheckpoint = cloneTime(j.LastCheckpoint)
	cp.DeletedAt = cloneTime(j.DeletedAt)
	return cp
}

// AppendLog adds an entry to the job log.
func (j *Job) AppendLog(at time.Time, level LogLevel, message, details string) {
	j.LogEntries = append(j.LogEntries, LogEntry{
		Timestamp: at,
		Level:     level,
		Message:   message,
		Details:   details,
	})
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	OwnerID  string
	Statuses []JobStatus
	// Unsettled keeps only jobs whose reservation still awaits settlement.
	Unsettled bool
	Limit     int
	Offset    int
}

// Matches reports whether job satisfies the filter (ignoring paging).
func (f JobFilter) Matches(job Job) bool {
	if job.DeletedAt != nil {
		return false
	}
	if f.OwnerID != "" && job.OwnerID != f.OwnerID {
		return false
	}
	if f.Unsettled && job.PendingSettlement == nil {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}

// CrawlRequest is handed to the crawler when a worker starts a job.
type CrawlRequest struct {
	JobID        string
	TargetURL    string
	MaxPages     int
	MaxDepth     int
	ExportFormat string
	// SeedLocation points at a previous output for incremental runs.
	SeedLocation string
	// PagesDone lets a crawler skip work already captured before a restart.
	PagesDone int
}

// PageResult describes one captured page.
type PageResult struct {
	URL            string
	AssetsCaptured int
	Bytes          int64
}

// CrawlOutcome is what a crawler reports once it has exhausted its frontier.
type CrawlOutcome struct {
	OutputLocation string
	ExportLocation string
	PagesCloned    int
	AssetsCaptured int
	SizeBytes      int64
}

func cloneReport(r *VerificationReport) *VerificationReport {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Checks = append([]VerificationCheck(nil), r.Checks...)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
