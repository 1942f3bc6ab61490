package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/recovery"
)

// SiteStore keeps monitored sites and their history in memory.
type SiteStore struct {
	mu        sync.RWMutex
	sites     map[string]recovery.Site
	backups   map[string][]recovery.BackupVersion
	failovers map[string][]recovery.FailoverEvent
}

// NewSiteStore constructs a SiteStore.
func NewSiteStore() *SiteStore {
	return &SiteStore{
		sites:     make(map[string]recovery.Site),
		backups:   make(map[string][]recovery.BackupVersion),
		failovers: make(map[string][]recovery.FailoverEvent),
	}
}

// CreateSite stores a new site.
func (s *SiteStore) CreateSite(_ context.Context, site recovery.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sites[site.ID]; exists {
		return fmt.Errorf("site %s already exists", site.ID)
	}
	s.sites[site.ID] = copySite(site)
	return nil
}

// GetSite fetches a site by ID.
func (s *SiteStore) GetSite(_ context.Context, siteID string) (recovery.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return recovery.Site{}, clone.ErrNotFound
	}
	return copySite(site), nil
}

// ListSites returns sites for ownerID, or all sites when ownerID is empty.
func (s *SiteStore) ListSites(_ context.Context, ownerID string) ([]recovery.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recovery.Site, 0, len(s.sites))
	for _, site := range s.sites {
		if ownerID == "" || site.OwnerID == ownerID {
			out = append(out, copySite(site))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateSite applies fn atomically.
func (s *SiteStore) UpdateSite(_ context.Context, siteID string, fn func(*recovery.Site) error) (recovery.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return recovery.Site{}, clone.ErrNotFound
	}
	working := copySite(site)
	if err := fn(&working); err != nil {
		return recovery.Site{}, err
	}
	s.sites[siteID] = copySite(working)
	return working, nil
}

// DeleteSite removes a site and its history.
func (s *SiteStore) DeleteSite(_ context.Context, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[siteID]; !ok {
		return clone.ErrNotFound
	}
	delete(s.sites, siteID)
	delete(s.backups, siteID)
	delete(s.failovers, siteID)
	return nil
}

// AppendBackup records a backup version. A second version for the same
// site and job is ignored.
func (s *SiteStore) AppendBackup(_ context.Context, version recovery.BackupVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.backups[version.SiteID] {
		if v.JobID == version.JobID {
			return nil
		}
	}
	s.backups[version.SiteID] = append(s.backups[version.SiteID], version)
	return nil
}

// ListBackups returns versions newest first.
func (s *SiteStore) ListBackups(_ context.Context, siteID string) ([]recovery.BackupVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.backups[siteID]
	out := make([]recovery.BackupVersion, len(src))
	for i, v := range src {
		out[len(src)-1-i] = v
	}
	return out, nil
}

// AppendFailover records a failover event.
func (s *SiteStore) AppendFailover(_ context.Context, event recovery.FailoverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failovers[event.SiteID] = append(s.failovers[event.SiteID], event)
	return nil
}

// ListFailovers returns events newest first.
func (s *SiteStore) ListFailovers(_ context.Context, siteID string) ([]recovery.FailoverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.failovers[siteID]
	out := make([]recovery.FailoverEvent, len(src))
	for i, e := range src {
		out[len(src)-1-i] = e
	}
	return out, nil
}

func copySite(site recovery.Site) recovery.Site {
	cp := site
	cp.OfflineSince = copyTime(site.OfflineSince)
	cp.FailoverSince = copyTime(site.FailoverSince)
	cp.LastBackupAt = copyTime(site.LastBackupAt)
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
