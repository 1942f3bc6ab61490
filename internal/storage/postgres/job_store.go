package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

const (
	insertJobSQL = `INSERT INTO clone_jobs (id, owner_id, status, created_at, deleted_at, doc)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`
	selectJobSQL       = `SELECT doc FROM clone_jobs WHERE id = $1 AND deleted_at IS NULL`
	selectJobLockedSQL = `SELECT doc FROM clone_jobs WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`
	updateJobSQL       = `UPDATE clone_jobs SET status = $2, deleted_at = $3, doc = $4 WHERE id = $1`
	listJobsSQL        = `SELECT doc FROM clone_jobs
WHERE deleted_at IS NULL
  AND ($1 = '' OR owner_id = $1)
  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
  AND (NOT $5::boolean OR doc->'pending_settlement' IS NOT NULL)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`
)

// jobDocument is the persisted form of a job. It carries the fields the API
// representation hides.
type jobDocument struct {
	clone.Job
	DeletedAt          *time.Time                `json:"deleted_at,omitempty"`
	StagedVerification *clone.VerificationReport `json:"staged_verification,omitempty"`
	PendingSettlement  *clone.Settlement         `json:"pending_settlement,omitempty"`
}

func encodeJob(job clone.Job) ([]byte, error) {
	doc := jobDocument{
		Job:                job,
		DeletedAt:          job.DeletedAt,
		StagedVerification: job.StagedVerification,
		PendingSettlement:  job.PendingSettlement,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return b, nil
}

func decodeJob(raw []byte) (clone.Job, error) {
	var doc jobDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return clone.Job{}, fmt.Errorf("decode job: %w", err)
	}
	job := doc.Job
	job.DeletedAt = doc.DeletedAt
	job.StagedVerification = doc.StagedVerification
	job.PendingSettlement = doc.PendingSettlement
	return job, nil
}

// JobStore persists clone jobs in Postgres.
type JobStore struct {
	db DB
}

// NewJobStore constructs a JobStore on db.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJob inserts a new job.
func (s *JobStore) CreateJob(ctx context.Context, job clone.Job) error {
	doc, err := encodeJob(job)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, insertJobSQL,
		job.ID, job.OwnerID, string(job.Status), job.CreatedAt, job.DeletedAt, doc)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

// GetJob fetches a job by ID. Deleted jobs are reported as not found.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (clone.Job, error) {
	var raw []byte
	if err := s.db.QueryRow(ctx, selectJobSQL, jobID).Scan(&raw); err != nil {
		return clone.Job{}, jobError(jobID, err)
	}
	return decodeJob(raw)
}

// UpdateJob locks the row, applies fn, and writes the result back in one
// transaction.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, fn func(*clone.Job) error) (clone.Job, error) {
	var out clone.Job
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		var raw []byte
		if err := tx.QueryRow(ctx, selectJobLockedSQL, jobID).Scan(&raw); err != nil {
			return jobError(jobID, err)
		}
		current, err := decodeJob(raw)
		if err != nil {
			return err
		}
		working := current.Clone()
		if err := fn(&working); err != nil {
			return err
		}
		if len(working.LogEntries) < len(current.LogEntries) {
			return fmt.Errorf("job %s: log entries are append-only", jobID)
		}
		doc, err := encodeJob(working)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, updateJobSQL, jobID, string(working.Status), working.DeletedAt, doc); err != nil {
			return fmt.Errorf("update job %s: %w", jobID, err)
		}
		out = working
		return nil
	})
	if err != nil {
		return clone.Job{}, err
	}
	return out, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter clone.JobFilter) ([]clone.Job, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	offset := max(filter.Offset, 0)
	rows, err := s.db.Query(ctx, listJobsSQL, filter.OwnerID, statuses, limit, offset, filter.Unsettled)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	docs, err := scanDocs(rows)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	jobs := make([]clone.Job, 0, len(docs))
	for _, raw := range docs {
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobError(jobID string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, clone.ErrNotFound)
	}
	return fmt.Errorf("load job %s: %w", jobID, err)
}
