// Package recovery keeps monitored sites backed up on a schedule and records
// failover events from external health probes.
package recovery

import (
	"context"
	"time"
)

// SiteStatus is the last health state reported for a site.
type SiteStatus string

// Site statuses.
const (
	StatusUnknown  SiteStatus = "unknown"
	StatusOnline   SiteStatus = "online"
	StatusDegraded SiteStatus = "degraded"
	StatusOffline  SiteStatus = "offline"
)

// Valid reports whether s may be reported by a probe.
func (s SiteStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusDegraded, StatusOffline:
		return true
	}
	return false
}

// BackupType distinguishes full captures from incremental ones.
type BackupType string

// Backup types.
const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
)

// BackupStatus summarizes how a backup job ended.
type BackupStatus string

// Backup statuses.
const (
	BackupComplete BackupStatus = "complete"
	BackupPartial  BackupStatus = "partial"
	BackupFailed   BackupStatus = "failed"
)

// FailoverType is the kind of a failover event.
type FailoverType string

// Failover event types.
const (
	FailoverTriggered FailoverType = "triggered"
	FailoverResolved  FailoverType = "resolved"
)

// Site is a monitored site.
type Site struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	URL                 string     `json:"url"`
	SyncEnabled         bool       `json:"sync_enabled"`
	SyncIntervalMinutes int        `json:"sync_interval_minutes"`
	FailoverEnabled     bool       `json:"failover_enabled"`
	Status              SiteStatus `json:"status"`
	LastResponseMs      int        `json:"last_response_ms"`
	OfflineSince        *time.Time `json:"offline_since,omitempty"`
	FailoverActive      bool       `json:"failover_active"`
	FailoverSince       *time.Time `json:"failover_since,omitempty"`
	LastBackupAt        *time.Time `json:"last_backup_at,omitempty"`
	BackupCount         int        `json:"backup_count"`
	LastJobID           string     `json:"last_job_id,omitempty"`
	PendingJobID        string     `json:"pending_job_id,omitempty"`
	PendingType         BackupType `json:"pending_type,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// SiteSpec carries the user-editable fields of a Site.
type SiteSpec struct {
	URL                 string
	SyncEnabled         bool
	SyncIntervalMinutes int
	FailoverEnabled     bool
}

// BackupVersion is an append-only record of one backup job.
type BackupVersion struct {
	ID         string       `json:"id"`
	SiteID     string       `json:"site_id"`
	JobID      string       `json:"job_id"`
	Timestamp  time.Time    `json:"timestamp"`
	SizeBytes  int64        `json:"size_bytes"`
	PageCount  int          `json:"page_count"`
	AssetCount int          `json:"asset_count"`
	Type       BackupType   `json:"type"`
	Status     BackupStatus `json:"status"`
}

// FailoverEvent records a failover being triggered or resolved.
type FailoverEvent struct {
	ID       string        `json:"id"`
	SiteID   string        `json:"site_id"`
	Type     FailoverType  `json:"type"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Probe is one health sample delivered by the external prober.
type Probe struct {
	Status         SiteStatus
	ResponseTimeMs int
	At             time.Time
}

// Store persists sites and their history.
type Store interface {
	CreateSite(ctx context.Context, site Site) error
	GetSite(ctx context.Context, siteID string) (Site, error)
	// ListSites returns sites for ownerID, or every site when ownerID is empty.
	ListSites(ctx context.Context, ownerID string) ([]Site, error)
	// UpdateSite applies fn atomically. An error from fn aborts the update.
	UpdateSite(ctx context.Context, siteID string, fn func(*Site) error) (Site, error)
	DeleteSite(ctx context.Context, siteID string) error
	// AppendBackup records version. A version whose site and job are already
	// recorded is ignored, so reconciling a job twice keeps one entry.
	AppendBackup(ctx context.Context, version BackupVersion) error
	// ListBackups returns versions newest first.
	ListBackups(ctx context.Context, siteID string) ([]BackupVersion, error)
	AppendFailover(ctx context.Context, event FailoverEvent) error
	// ListFailovers returns events newest first.
	ListFailovers(ctx context.Context, siteID string) ([]FailoverEvent, error)
}
