package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/recovery"
)

const (
	insertSiteSQL = `INSERT INTO recovery_sites (id, owner_id, created_at, doc) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`
	selectSiteSQL       = `SELECT doc FROM recovery_sites WHERE id = $1`
	selectSiteLockedSQL = `SELECT doc FROM recovery_sites WHERE id = $1 FOR UPDATE`
	updateSiteSQL       = `UPDATE recovery_sites SET doc = $2 WHERE id = $1`
	deleteSiteSQL       = `DELETE FROM recovery_sites WHERE id = $1`
	listSitesSQL        = `SELECT doc FROM recovery_sites WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at, id`
	insertBackupSQL     = `INSERT INTO recovery_backups (site_id, doc) VALUES ($1, $2)
ON CONFLICT (site_id, (doc->>'job_id')) DO NOTHING`
	listBackupsSQL    = `SELECT doc FROM recovery_backups WHERE site_id = $1 ORDER BY seq DESC`
	insertFailoverSQL = `INSERT INTO recovery_failovers (site_id, doc) VALUES ($1, $2)`
	listFailoversSQL  = `SELECT doc FROM recovery_failovers WHERE site_id = $1 ORDER BY seq DESC`
)

// SiteStore persists monitored sites with their backup and failover history.
type SiteStore struct {
	db DB
}

// NewSiteStore constructs a SiteStore on db.
func NewSiteStore(db DB) *SiteStore {
	return &SiteStore{db: db}
}

// CreateSite inserts a new site.
func (s *SiteStore) CreateSite(ctx context.Context, site recovery.Site) error {
	doc, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("encode site: %w", err)
	}
	tag, err := s.db.Exec(ctx, insertSiteSQL, site.ID, site.OwnerID, site.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("insert site %s: %w", site.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s already exists", site.ID)
	}
	return nil
}

// GetSite fetches a site by ID.
func (s *SiteStore) GetSite(ctx context.Context, siteID string) (recovery.Site, error) {
	return loadSite(s.db.QueryRow(ctx, selectSiteSQL, siteID))
}

// ListSites returns sites for ownerID, or all sites when ownerID is empty.
func (s *SiteStore) ListSites(ctx context.Context, ownerID string) ([]recovery.Site, error) {
	rows, err := s.db.Query(ctx, listSitesSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return decodeAll[recovery.Site](rows, "site")
}

// UpdateSite locks the site row and applies fn.
func (s *SiteStore) UpdateSite(ctx context.Context, siteID string, fn func(*recovery.Site) error) (recovery.Site, error) {
	var out recovery.Site
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		site, err := loadSite(tx.QueryRow(ctx, selectSiteLockedSQL, siteID))
		if err != nil {
			return err
		}
		if err := fn(&site); err != nil {
			return err
		}
		doc, err := json.Marshal(site)
		if err != nil {
			return fmt.Errorf("encode site: %w", err)
		}
		if _, err := tx.Exec(ctx, updateSiteSQL, siteID, doc); err != nil {
			return fmt.Errorf("update site %s: %w", siteID, err)
		}
		out = site
		return nil
	})
	if err != nil {
		return recovery.Site{}, err
	}
	return out, nil
}

// DeleteSite removes a site. History rows cascade.
func (s *SiteStore) DeleteSite(ctx context.Context, siteID string) error {
	tag, err := s.db.Exec(ctx, deleteSiteSQL, siteID)
	if err != nil {
		return fmt.Errorf("delete site %s: %w", siteID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s: %w", siteID, clone.ErrNotFound)
	}
	return nil
}

// AppendBackup records a backup version. A second version for the same
// site and job is ignored.
func (s *SiteStore) AppendBackup(ctx context.Context, version recovery.BackupVersion) error {
	doc, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertBackupSQL, version.SiteID, doc); err != nil {
		return fmt.Errorf("append backup for %s: %w", version.SiteID, err)
	}
	return nil
}

// ListBackups returns versions newest first.
func (s *SiteStore) ListBackups(ctx context.Context, siteID string) ([]recovery.BackupVersion, error) {
	rows, err := s.db.Query(ctx, listBackupsSQL, siteID)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return decodeAll[recovery.BackupVersion](rows, "backup")
}

// AppendFailover records a failover event.
func (s *SiteStore) AppendFailover(ctx context.Context, event recovery.FailoverEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode failover: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertFailoverSQL, event.SiteID, doc); err != nil {
		return fmt.Errorf("append failover for %s: %w", event.SiteID, err)
	}
	return nil
}

// ListFailovers returns events newest first.
func (s *SiteStore) ListFailovers(ctx context.Context, siteID string) ([]recovery.FailoverEvent, error) {
	rows, err := s.db.Query(ctx, listFailoversSQL, siteID)
	if err != nil {
		return nil, fmt.Errorf("list failovers: %w", err)
	}
	return decodeAll[recovery.FailoverEvent](rows, "failover")
}

func loadSite(row pgx.Row) (recovery.Site, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return recovery.Site{}, clone.ErrNotFound
		}
		return recovery.Site{}, fmt.Errorf("load site: %w", err)
	}
	var site recovery.Site
	if err := json.Unmarshal(raw, &site); err != nil {
		return recovery.Site{}, fmt.Errorf("decode site: %w", err)
	}
	return site, nil
}
