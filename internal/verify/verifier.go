// Package verify re-checksums stored artifacts across every destination
// they were uploaded to, both inline after each backup and as a periodic
// sweep over historical artifacts.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/codec"
	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/storage"
)

// ErrChecksumMismatch indicates at least one destination's copy differs
// from the recorded checksum. Never auto-corrected, always alerted.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Verifier compares the recorded checksum of a BackupRecord against the
// bytes actually stored at each destination.
type Verifier struct {
	repo      metadata.Repository
	alerts    *alert.Manager
	local     storage.Backend
	primary   storage.Backend
	secondary storage.Backend
	log       logger.Logger
}

func New(repo metadata.Repository, alerts *alert.Manager, local, primary, secondary storage.Backend) *Verifier {
	return &Verifier{
		repo:      repo,
		alerts:    alerts,
		local:     local,
		primary:   primary,
		secondary: secondary,
		log:       logger.Global().With("component", "verify"),
	}
}

// VerifyRecord re-reads every destination the record references and checks
// each copy against the recorded checksum. On success a completed record is
// promoted to verified; on mismatch the record is marked failed and a
// checksum-mismatch alert is raised.
func (v *Verifier) VerifyRecord(ctx context.Context, rec *metadata.BackupRecord) error {
	if rec.Checksum == "" {
		return fmt.Errorf("backup %s has no recorded checksum", rec.ID)
	}

	checks := []struct {
		backend storage.Backend
		path    string
	}{
		{v.local, rec.LocalPath},
		{v.primary, rec.PrimaryPath},
		{v.secondary, rec.SecondaryPath},
	}

	for _, c := range checks {
		if c.path == "" || c.backend == nil {
			continue
		}
		data, err := c.backend.Get(ctx, c.path)
		if err != nil {
			return fmt.Errorf("verify %s at %s: %w", rec.ID, c.backend.Name(), err)
		}
		if got := codec.Checksum(data); got != rec.Checksum {
			v.log.Error("checksum mismatch",
				"backup_id", rec.ID,
				"destination", c.backend.Name(),
				"path", c.path,
			)
			rec.Status = metadata.StatusFailed
			rec.Notes = fmt.Sprintf("checksum mismatch at %s", c.backend.Name())
			if err := v.repo.SaveBackup(ctx, rec); err != nil {
				v.log.Error("persist mismatch state failed", "backup_id", rec.ID, "error", err.Error())
			}
			v.alerts.Raise(ctx, metadata.AlertChecksumMismatch, metadata.SeverityCritical,
				fmt.Sprintf("backup %s: copy at %s does not match recorded checksum", rec.ID, c.backend.Name()))
			return fmt.Errorf("%w: backup %s at %s", ErrChecksumMismatch, rec.ID, c.backend.Name())
		}
	}

	if rec.Status == metadata.StatusCompleted {
		now := time.Now().UTC()
		rec.Status = metadata.StatusVerified
		rec.VerifiedAt = &now
		if err := v.repo.SaveBackup(ctx, rec); err != nil {
			return fmt.Errorf("promote %s to verified: %w", rec.ID, err)
		}
	}
	return nil
}

// Sweep verifies a sample of historical artifacts. Individual failures are
// alerted by VerifyRecord and do not stop the sweep.
func (v *Verifier) Sweep(ctx context.Context, sampleSize int) error {
	sample, err := v.repo.SampleRestorable(ctx, sampleSize)
	if err != nil {
		return fmt.Errorf("sample artifacts for sweep: %w", err)
	}

	var mismatches int
	for _, rec := range sample {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.VerifyRecord(ctx, rec); err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				mismatches++
				continue
			}
			v.log.Warn("sweep check failed", "backup_id", rec.ID, "error", err.Error())
		}
	}

	v.log.Info("integrity sweep finished",
		"sampled", len(sample),
		"mismatches", mismatches,
	)
	if mismatches > 0 {
		return fmt.Errorf("%w: %d of %d sampled artifacts", ErrChecksumMismatch, mismatches, len(sample))
	}
	return nil
}
