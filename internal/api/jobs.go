package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Submit(r.Context(), ownerFrom(r.Context()), req.URL, clone.Options{
		MaxPages:     req.MaxPages,
		MaxDepth:     req.MaxDepth,
		ExportFormat: req.ExportFormat,
		Verify:       req.Verify,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	statuses, err := parseStatuses(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	owner := ownerFrom(r.Context())
	jobs, err := s.deps.Jobs.List(r.Context(), owner, clone.JobFilter{
		OwnerID:  owner,
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []clone.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Delete(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "job_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Jobs.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.deps.Jobs.Resume)
}

func (s *Server) rerunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.RerunIncremental(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	var req stopJobRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "Stopped by user"
	}
	job, err := s.deps.Jobs.Stop(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "job_id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) recordVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.deps.Jobs.Get(r.Context(), ownerFrom(r.Context()), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.deps.Verifications.Record(r.Context(), jobID, req.report())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

type transitionFunc func(ctx context.Context, ownerID, jobID string) (clone.Job, error)

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	job, err := fn(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}
