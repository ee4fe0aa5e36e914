// Package restore downloads, decodes, and applies backups using one of
// four restore modes: full replace, merge, tenant-selective, or
// point-in-time (base backup plus WAL replay).
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/codec"
	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/source"
	"github.com/anisbkh/drbackup/internal/storage"
)

// ErrNotRestorable indicates the chosen backup cannot serve a restore
// (failed status, or no destination holds a copy).
var ErrNotRestorable = errors.New("backup not restorable")

// ErrBadOptions indicates an invalid mode/option combination.
var ErrBadOptions = errors.New("invalid restore options")

// Options selects what and how to restore.
type Options struct {
	Mode metadata.RestoreMode
	// TargetTime is required for point-in-time mode and forbidden
	// otherwise.
	TargetTime time.Time
	// TenantIDs restricts tenant-selective restores; nil means all.
	TenantIDs []string
	// InitiatedBy is empty for automated disaster recovery.
	InitiatedBy string
	Reason      string
	// Parallel is a bulk-load parallelism hint for full restores.
	Parallel int
}

// Engine executes restores. Downloads prefer the primary remote and fail
// over to the secondary, then to the local tier.
type Engine struct {
	repo      metadata.Repository
	codec     *codec.Codec
	applier   source.Applier
	local     storage.Backend
	primary   storage.Backend
	secondary storage.Backend
	alerts    *alert.Manager
	log       logger.Logger
}

func NewEngine(
	repo metadata.Repository,
	cdc *codec.Codec,
	applier source.Applier,
	local, primary, secondary storage.Backend,
	alerts *alert.Manager,
) *Engine {
	return &Engine{
		repo:      repo,
		codec:     cdc,
		applier:   applier,
		local:     local,
		primary:   primary,
		secondary: secondary,
		alerts:    alerts,
		log:       logger.Global().With("component", "restore"),
	}
}

// Restore runs one restore operation and records it as a RestoreLog.
// backupID may be empty in point-in-time mode, in which case the engine
// selects the newest verified full backup at or before the target time.
func (e *Engine) Restore(ctx context.Context, backupID string, opts Options) (*metadata.RestoreLog, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}

	rec, err := e.selectBackup(ctx, backupID, opts)
	if err != nil {
		// Unknown or unusable backup: no RestoreLog is created at all.
		return nil, err
	}

	started := time.Now()
	rlog := &metadata.RestoreLog{
		ID:          uuid.NewString(),
		BackupID:    rec.ID,
		InitiatedBy: opts.InitiatedBy,
		Mode:        opts.Mode,
		Status:      metadata.RestoreInProgress,
		StartedAt:   started.UTC(),
		Reason:      opts.Reason,
	}
	rlog.SetTenants(opts.TenantIDs)
	if opts.Mode == metadata.ModePointInTime {
		target := opts.TargetTime.UTC()
		rlog.TargetTime = &target
	}
	if err := e.repo.SaveRestoreLog(ctx, rlog); err != nil {
		return nil, fmt.Errorf("create restore log: %w", err)
	}

	rows, err := e.execute(ctx, rec, opts)
	now := time.Now()
	rlog.CompletedAt = &now
	rlog.DurationSecs = now.Sub(started).Seconds()
	if err != nil {
		rlog.Status = metadata.RestoreFailed
		rlog.ErrorDetail = err.Error()
		if serr := e.repo.SaveRestoreLog(ctx, rlog); serr != nil {
			e.log.Error("persist failed restore log", "restore_id", rlog.ID, "error", serr.Error())
		}
		e.alerts.EvaluateRestore(ctx, rlog)
		return rlog, err
	}

	rlog.Status = metadata.RestoreCompleted
	rlog.RowsRestored = rows
	if err := e.repo.SaveRestoreLog(ctx, rlog); err != nil {
		return rlog, fmt.Errorf("persist restore log: %w", err)
	}
	e.log.Info("restore completed",
		"restore_id", rlog.ID,
		"backup_id", rec.ID,
		"mode", string(opts.Mode),
		"rows", rows,
		"duration", now.Sub(started).Round(time.Millisecond).String(),
	)
	return rlog, nil
}

// Drill is the scheduled test restore: it downloads and decodes the newest
// verified full backup without applying it, proving the artifact is
// restorable end to end. The run is recorded as a RestoreLog.
func (e *Engine) Drill(ctx context.Context) (*metadata.RestoreLog, error) {
	rec, err := e.repo.LatestRestorable(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	rlog := &metadata.RestoreLog{
		ID:        uuid.NewString(),
		BackupID:  rec.ID,
		Mode:      metadata.ModeFull,
		Status:    metadata.RestoreInProgress,
		StartedAt: started.UTC(),
		Reason:    "scheduled test restore",
		Notes:     "drill: decode only, not applied",
	}
	if err := e.repo.SaveRestoreLog(ctx, rlog); err != nil {
		return nil, fmt.Errorf("create drill log: %w", err)
	}

	raw, err := e.fetchDecoded(ctx, rec)
	now := time.Now()
	rlog.CompletedAt = &now
	rlog.DurationSecs = now.Sub(started).Seconds()
	if err != nil {
		rlog.Status = metadata.RestoreFailed
		rlog.ErrorDetail = err.Error()
		if serr := e.repo.SaveRestoreLog(ctx, rlog); serr != nil {
			e.log.Error("persist failed drill log", "restore_id", rlog.ID, "error", serr.Error())
		}
		e.alerts.EvaluateRestore(ctx, rlog)
		return rlog, err
	}

	rlog.Status = metadata.RestoreCompleted
	rlog.RowsRestored = 0
	if err := e.repo.SaveRestoreLog(ctx, rlog); err != nil {
		return rlog, fmt.Errorf("persist drill log: %w", err)
	}
	e.log.Info("test restore passed",
		"backup_id", rec.ID,
		"decoded_bytes", len(raw),
	)
	return rlog, nil
}

func validate(opts Options) error {
	switch opts.Mode {
	case metadata.ModeFull, metadata.ModeMerge, metadata.ModeTenant:
		if !opts.TargetTime.IsZero() {
			return fmt.Errorf("%w: target time is only valid for point-in-time mode", ErrBadOptions)
		}
	case metadata.ModePointInTime:
		if opts.TargetTime.IsZero() {
			return fmt.Errorf("%w: point-in-time mode requires a target time", ErrBadOptions)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrBadOptions, opts.Mode)
	}
	if opts.Mode == metadata.ModeTenant && len(opts.TenantIDs) == 0 {
		return fmt.Errorf("%w: tenant mode requires tenant ids", ErrBadOptions)
	}
	return nil
}

func (e *Engine) selectBackup(ctx context.Context, backupID string, opts Options) (*metadata.BackupRecord, error) {
	if backupID == "" && opts.Mode == metadata.ModePointInTime {
		return e.repo.LatestRestorable(ctx, opts.TargetTime)
	}
	rec, err := e.repo.FindBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	// Failed artifacts are kept for diagnostics but never restored from.
	if rec.Status == metadata.StatusFailed || rec.Status == metadata.StatusInProgress {
		return nil, fmt.Errorf("%w: backup %s has status %s", ErrNotRestorable, rec.ID, rec.Status)
	}
	return rec, nil
}

// checkKind rejects artifact kinds a restore mode cannot consume, before
// anything is downloaded. A config tarball or wal segment must never reach
// the full or merge apply path.
func checkKind(mode metadata.RestoreMode, kind metadata.BackupKind) error {
	switch mode {
	case metadata.ModeFull, metadata.ModePointInTime:
		if kind != metadata.KindFull {
			return fmt.Errorf("%w: %s restore needs a full backup, got %s", ErrBadOptions, mode, kind)
		}
	case metadata.ModeMerge:
		if kind != metadata.KindFull && kind != metadata.KindTenant {
			return fmt.Errorf("%w: merge restore needs a store dump, got %s", ErrBadOptions, kind)
		}
	case metadata.ModeTenant:
		if kind != metadata.KindTenant && kind != metadata.KindFull {
			return fmt.Errorf("%w: tenant restore needs a tenant-scoped or full backup, got %s", ErrBadOptions, kind)
		}
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, rec *metadata.BackupRecord, opts Options) (int64, error) {
	if err := checkKind(opts.Mode, rec.Kind); err != nil {
		return 0, err
	}
	dump, err := e.fetchDecoded(ctx, rec)
	if err != nil {
		return 0, err
	}

	switch opts.Mode {
	case metadata.ModeFull:
		return e.applier.ApplyFull(ctx, bytes.NewReader(dump), opts.Parallel)
	case metadata.ModeMerge:
		return e.applier.ApplyMerge(ctx, bytes.NewReader(dump))
	case metadata.ModeTenant:
		return e.applier.ApplyTenants(ctx, bytes.NewReader(dump), opts.TenantIDs)
	case metadata.ModePointInTime:
		rows, err := e.applier.ApplyFull(ctx, bytes.NewReader(dump), opts.Parallel)
		if err != nil {
			return 0, err
		}
		if err := e.replayWAL(ctx, rec.CreatedAt, opts.TargetTime); err != nil {
			return 0, err
		}
		return rows, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrBadOptions, opts.Mode)
}

// replayWAL applies shipped segments created after the base backup up to
// the target time, oldest first. Segments past the target are never
// applied, which bounds recovered state at one shipping interval.
func (e *Engine) replayWAL(ctx context.Context, base, target time.Time) error {
	segments, err := e.repo.WALSegmentsBetween(ctx, base, target)
	if err != nil {
		return fmt.Errorf("list wal segments: %w", err)
	}
	for _, seg := range segments {
		raw, err := e.fetchDecoded(ctx, seg)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		if err := e.applier.ApplyWAL(ctx, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("replay segment %s: %w", seg.ID, err)
		}
	}
	e.log.Info("wal replay finished", "segments", len(segments))
	return nil
}

// fetchDecoded downloads the artifact with destination failover and
// decodes it. A checksum mismatch or decryption failure is fatal.
func (e *Engine) fetchDecoded(ctx context.Context, rec *metadata.BackupRecord) ([]byte, error) {
	artifact, err := e.download(ctx, rec)
	if err != nil {
		return nil, err
	}
	if rec.Checksum != "" && codec.Checksum(artifact) != rec.Checksum {
		return nil, fmt.Errorf("%w: downloaded artifact for %s fails checksum", ErrNotRestorable, rec.ID)
	}
	raw, err := e.codec.Decode(artifact)
	if err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", rec.ID, err)
	}
	return raw, nil
}

func (e *Engine) download(ctx context.Context, rec *metadata.BackupRecord) ([]byte, error) {
	type candidate struct {
		backend storage.Backend
		path    string
	}
	candidates := []candidate{
		{e.primary, rec.PrimaryPath},
		{e.secondary, rec.SecondaryPath},
		{e.local, rec.LocalPath},
	}

	var lastErr error
	for _, c := range candidates {
		if c.backend == nil || c.path == "" {
			continue
		}
		data, err := c.backend.Get(ctx, c.path)
		if err == nil {
			return data, nil
		}
		lastErr = err
		e.log.Warn("download failed, trying next destination",
			"backup_id", rec.ID,
			"destination", c.backend.Name(),
			"error", err.Error(),
		)
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: backup %s has no stored copies", ErrNotRestorable, rec.ID)
	}
	return nil, fmt.Errorf("all destinations failed for backup %s: %w", rec.ID, lastErr)
}
