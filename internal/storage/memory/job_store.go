package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]clone.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]clone.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job clone.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob fetches a job by ID. Deleted jobs are reported as not found.
func (s *JobStore) GetJob(_ context.Context, jobID string) (clone.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok || job.DeletedAt != nil {
		return clone.Job{}, fmt.Errorf("job %s: %w", jobID, clone.ErrNotFound)
	}
	return job.Clone(), nil
}

// UpdateJob applies fn under the store lock, which makes it a compare-and-set
// for callers that inspect the current status inside fn.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, fn func(*clone.Job) error) (clone.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.DeletedAt != nil {
		return clone.Job{}, fmt.Errorf("job %s: %w", jobID, clone.ErrNotFound)
	}
	working := job.Clone()
	if err := fn(&working); err != nil {
		return clone.Job{}, err
	}
	if len(working.LogEntries) < len(job.LogEntries) {
		return clone.Job{}, fmt.Errorf("job %s: log entries are append-only", jobID)
	}
	s.jobs[jobID] = working.Clone()
	return working, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter clone.JobFilter) ([]clone.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]clone.Job, 0)
	for _, job := range s.jobs {
		if filter.Matches(job) {
			matched = append(matched, job.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []clone.Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
