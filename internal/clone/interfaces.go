package clone

import (
	"context"
	"io"
	"time"
)

// JobStore persists job snapshots.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJob applies fn to the current snapshot atomically. If fn returns an
	// error nothing is persisted and the error is returned unchanged.
	UpdateJob(ctx context.Context, jobID string, fn func(*Job) error) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// BlobReader is implemented by blob stores that can read artifacts back.
type BlobReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// OutputRemover deletes every artifact stored under a location prefix. The
// prefix may be a bare path or a URI previously returned by PutObject.
type OutputRemover interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for clone jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Reporter is handed to a Crawler so it can report progress and honor
// pause/stop requests between pages.
type Reporter interface {
	// PageCaptured records one captured page. Counters only grow.
	PageCaptured(ctx context.Context, page PageResult) error
	// Log appends an informational line to the job log.
	Log(ctx context.Context, level LogLevel, message, details string)
	// Warn records a transient error; the crawl continues.
	Warn(ctx context.Context, message string)
	// Checkpoint blocks while the job is paused and returns ErrStopRequested
	// once the job has been stopped.
	Checkpoint(ctx context.Context) error
}

// Crawler captures a site. Implementations must call Reporter.Checkpoint
// between units of work.
type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest, reporter Reporter) (CrawlOutcome, error)
}

// Verifier runs the external verification engine against a finished crawl.
type Verifier interface {
	Verify(ctx context.Context, job Job) (VerificationReport, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
