// Package retention removes artifacts past their destination-specific
// retention window. The local tier expires first; once the remote window
// passes the artifact and its record go away entirely.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/storage"
)

// Policy is the per-destination retention window set, in days.
type Policy struct {
	LocalDays     int
	LocalWALDays  int
	RemoteDays    int
	RemoteWALDays int
}

// Cleaner applies the policy. A record referenced by an in-progress
// restore is never touched, whatever its age.
type Cleaner struct {
	repo      metadata.Repository
	local     storage.Backend
	localEnum storage.Enumerator
	primary   storage.Backend
	secondary storage.Backend
	policy    Policy
	log       logger.Logger
}

func NewCleaner(
	repo metadata.Repository,
	local storage.Backend,
	localEnum storage.Enumerator,
	primary, secondary storage.Backend,
	policy Policy,
) *Cleaner {
	return &Cleaner{
		repo:      repo,
		local:     local,
		localEnum: localEnum,
		primary:   primary,
		secondary: secondary,
		policy:    policy,
		log:       logger.Global().With("component", "retention"),
	}
}

// Run performs one cleanup pass over every artifact kind.
func (c *Cleaner) Run(ctx context.Context) error {
	pinned, err := c.pinnedBackups(ctx)
	if err != nil {
		return err
	}

	kinds := []struct {
		kind       metadata.BackupKind
		localDays  int
		remoteDays int
	}{
		{metadata.KindFull, c.policy.LocalDays, c.policy.RemoteDays},
		{metadata.KindTenant, c.policy.LocalDays, c.policy.RemoteDays},
		{metadata.KindConfig, c.policy.LocalDays, c.policy.RemoteDays},
		{metadata.KindWAL, c.policy.LocalWALDays, c.policy.RemoteWALDays},
	}

	now := time.Now()
	for _, k := range kinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.expireLocal(ctx, k.kind, now.AddDate(0, 0, -k.localDays), pinned); err != nil {
			return err
		}
		if err := c.expireRemote(ctx, k.kind, now.AddDate(0, 0, -k.remoteDays), pinned); err != nil {
			return err
		}
	}

	c.sweepLocalOrphans(ctx)
	return nil
}

// pinnedBackups returns ids referenced by an in-progress restore.
func (c *Cleaner) pinnedBackups(ctx context.Context) (map[string]bool, error) {
	active, err := c.repo.ListRestoreLogsByStatus(ctx, metadata.RestoreInProgress)
	if err != nil {
		return nil, fmt.Errorf("list active restores: %w", err)
	}
	pinned := make(map[string]bool, len(active))
	for _, r := range active {
		pinned[r.BackupID] = true
	}
	return pinned, nil
}

// expireLocal drops only the local copy; remote redundancy keeps the
// record restorable until the remote window passes.
func (c *Cleaner) expireLocal(ctx context.Context, kind metadata.BackupKind, cutoff time.Time, pinned map[string]bool) error {
	recs, err := c.repo.BackupsOlderThan(ctx, kind, cutoff)
	if err != nil {
		return fmt.Errorf("list %s backups past local window: %w", kind, err)
	}
	for _, rec := range recs {
		if pinned[rec.ID] || rec.LocalPath == "" {
			continue
		}
		if err := c.local.Delete(ctx, rec.LocalPath); err != nil {
			c.log.Warn("delete local copy failed", "backup_id", rec.ID, "error", err.Error())
			continue
		}
		rec.LocalPath = ""
		if err := c.repo.SaveBackup(ctx, rec); err != nil {
			return fmt.Errorf("persist local expiry for %s: %w", rec.ID, err)
		}
		c.log.Debug("local copy expired", "backup_id", rec.ID)
	}
	return nil
}

// expireRemote removes every remaining copy and the record itself.
func (c *Cleaner) expireRemote(ctx context.Context, kind metadata.BackupKind, cutoff time.Time, pinned map[string]bool) error {
	recs, err := c.repo.BackupsOlderThan(ctx, kind, cutoff)
	if err != nil {
		return fmt.Errorf("list %s backups past remote window: %w", kind, err)
	}
	for _, rec := range recs {
		if pinned[rec.ID] {
			c.log.Info("retention skip: referenced by active restore", "backup_id", rec.ID)
			continue
		}
		targets := []struct {
			backend storage.Backend
			path    string
		}{
			{c.primary, rec.PrimaryPath},
			{c.secondary, rec.SecondaryPath},
			{c.local, rec.LocalPath},
		}
		failed := false
		for _, t := range targets {
			if t.backend == nil || t.path == "" {
				continue
			}
			if err := t.backend.Delete(ctx, t.path); err != nil {
				failed = true
				c.log.Warn("delete expired copy failed",
					"backup_id", rec.ID,
					"destination", t.backend.Name(),
					"error", err.Error(),
				)
			}
		}
		if failed {
			// Keep the record so the next pass retries the deletion.
			continue
		}
		if err := c.repo.DeleteBackup(ctx, rec.ID); err != nil {
			return fmt.Errorf("delete record %s: %w", rec.ID, err)
		}
		c.log.Info("backup expired", "backup_id", rec.ID, "kind", string(kind))
	}
	return nil
}

// sweepLocalOrphans removes aged files the record pass no longer tracks
// (crash leftovers, cleared local paths).
func (c *Cleaner) sweepLocalOrphans(ctx context.Context) {
	if c.localEnum == nil {
		return
	}
	prefixes := map[string]int{
		"database": c.policy.LocalDays,
		"tenants":  c.policy.LocalDays,
		"config":   c.policy.LocalDays,
		"wal":      c.policy.LocalWALDays,
	}
	for prefix, days := range prefixes {
		paths, err := c.localEnum.ListOlderThan(ctx, prefix, days)
		if err != nil {
			c.log.Warn("orphan sweep failed", "prefix", prefix, "error", err.Error())
			continue
		}
		for _, p := range paths {
			if err := c.local.Delete(ctx, p); err != nil {
				c.log.Warn("orphan delete failed", "path", p, "error", err.Error())
			}
		}
	}
}
