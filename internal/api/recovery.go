package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/sitecloner/internal/recovery"
)

func (r siteRequest) spec() recovery.SiteSpec {
	return recovery.SiteSpec{
		URL:                 r.URL,
		SyncEnabled:         r.SyncEnabled,
		SyncIntervalMinutes: r.SyncIntervalMinutes,
		FailoverEnabled:     r.FailoverEnabled,
	}
}

func (s *Server) addSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	site, err := s.deps.Sites.AddSite(r.Context(), ownerFrom(r.Context()), req.spec())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/recovery/sites/"+site.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"site": site})
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.deps.Sites.Sites(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sites == nil {
		sites = []recovery.Site{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.deps.Sites.Site(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "site_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site})
}

func (s *Server) updateSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	site, err := s.deps.Sites.UpdateSite(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "site_id"), req.spec())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site})
}

func (s *Server) removeSite(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sites.RemoveSite(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "site_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	probe := recovery.Probe{
		Status:         recovery.SiteStatus(req.Status),
		ResponseTimeMs: req.ResponseTimeMs,
	}
	if req.At != nil {
		probe.At = req.At.UTC()
	}
	site, err := s.deps.Sites.RecordProbe(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "site_id"), probe)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site})
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Sites.Backups(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "site_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []recovery.BackupVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": versions})
}

func (s *Server) listFailovers(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Sites.FailoverEvents(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "site_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []recovery.FailoverEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failovers": events})
}
