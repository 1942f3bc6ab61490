package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobSubmitted Stage = "JOB_SUBMITTED"
	StageJobStart     Stage = "JOB_START"
	StageJobProgress  Stage = "JOB_PROGRESS"
	StageJobPaused    Stage = "JOB_PAUSED"
	StageJobResumed   Stage = "JOB_RESUMED"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
)

// Event captures one change to a job snapshot.
type Event struct {
	// JobID identifies the job.
	JobID string `json:"job_id"`
	// OwnerID is the account that owns the job.
	OwnerID string `json:"owner_id,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the page most recently captured, if any.
	URL string `json:"url,omitempty"`
	// Pages and Assets are the job's cumulative counters after the change.
	Pages  int `json:"pages"`
	Assets int `json:"assets"`
	// Percent is the job's progress percentage after the change.
	Percent int `json:"percent"`
	// Dur is the wall time since the job started, set on terminal stages.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Note carries low-volume context such as a failure reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobSubmitted, StageJobStart, StageJobProgress, StageJobPaused,
		StageJobResumed, StageJobDone, StageJobError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes out a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError
}

// NewEvent builds an event from a job snapshot. Terminal stages carry the
// wall time since the job started.
func NewEvent(job clone.Job, stage Stage, at time.Time) Event {
	evt := Event{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		TS:      at.UTC(),
		Stage:   stage,
		URL:     job.CurrentURL,
		Pages:   job.PagesCloned,
		Assets:  job.AssetsCaptured,
		Percent: job.ProgressPercent,
	}
	if evt.Terminal() {
		evt.Note = job.FailureReason
		if job.StartedAt != nil && job.CompletedAt != nil && job.CompletedAt.After(*job.StartedAt) {
			evt.Dur = job.CompletedAt.Sub(*job.StartedAt)
		}
	}
	return evt
}
