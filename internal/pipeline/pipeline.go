// Package pipeline runs one backup job end to end: export the source,
// compress and encrypt it, upload the artifact to every destination in
// parallel, verify the stored copies, and persist the metadata record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/codec"
	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/source"
	"github.com/anisbkh/drbackup/internal/storage"
	"github.com/anisbkh/drbackup/internal/verify"
)

// ErrUpload indicates the artifact could not be stored on both remote
// destinations. Local-only failures never produce this.
var ErrUpload = errors.New("remote upload failed")

// Destinations groups the three backup targets. Local may be nil for
// deployments without a fast local tier.
type Destinations struct {
	Local     storage.Backend
	Primary   storage.Backend
	Secondary storage.Backend
}

// Job describes one backup to produce. A zero ID gets generated; passing a
// previously completed ID makes Run a no-op (idempotent re-trigger).
type Job struct {
	ID        string
	Kind      metadata.BackupKind
	TenantID  string
	CreatedBy string
	Notes     string
}

// Pipeline orchestrates backup jobs. Safe for concurrent Run calls; each
// job owns its own BackupRecord.
type Pipeline struct {
	codec    *codec.Codec
	repo     metadata.Repository
	exporter source.Exporter
	dest     Destinations
	verifier *verify.Verifier
	alerts   *alert.Manager
	tsFormat string
	log      logger.Logger
}

// New wires a pipeline.
func New(
	cdc *codec.Codec,
	repo metadata.Repository,
	exporter source.Exporter,
	dest Destinations,
	verifier *verify.Verifier,
	alerts *alert.Manager,
	tsFormat string,
) *Pipeline {
	if tsFormat == "" {
		tsFormat = "20060102_150405"
	}
	return &Pipeline{
		codec:    cdc,
		repo:     repo,
		exporter: exporter,
		dest:     dest,
		verifier: verifier,
		alerts:   alerts,
		tsFormat: tsFormat,
		log:      logger.Global().With("component", "pipeline"),
	}
}

// Run executes the job state machine:
// pending -> exporting -> encoding -> uploading -> verifying -> completed|failed.
func (p *Pipeline) Run(ctx context.Context, job Job) (*metadata.BackupRecord, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	// Idempotency: re-running a finished job id is a no-op.
	if existing, err := p.repo.FindBackup(ctx, job.ID); err == nil {
		if existing.Status == metadata.StatusCompleted || existing.Status == metadata.StatusVerified {
			p.log.Info("job already completed, skipping", "backup_id", job.ID)
			return existing, nil
		}
	}

	started := time.Now()
	rec := &metadata.BackupRecord{
		ID:        job.ID,
		Kind:      job.Kind,
		TenantID:  job.TenantID,
		Status:    metadata.StatusInProgress,
		CreatedAt: started.UTC(),
		CreatedBy: job.CreatedBy,
		Notes:     job.Notes,
	}
	rec.Filename = p.artifactName(rec, started)
	if err := p.repo.SaveBackup(ctx, rec); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	if err := p.run(ctx, rec); err != nil {
		p.fail(ctx, rec, started, err)
		return rec, err
	}

	rec.DurationSecs = time.Since(started).Seconds()
	if err := p.repo.SaveBackup(ctx, rec); err != nil {
		p.log.Error("persist completed record failed", "backup_id", rec.ID, "error", err.Error())
	}

	// Verification promotes completed to verified; a mismatch fails the
	// job and raises its own alert.
	if err := p.verifier.VerifyRecord(ctx, rec); err != nil {
		if !errors.Is(err, verify.ErrChecksumMismatch) {
			p.fail(ctx, rec, started, err)
		}
		return rec, err
	}

	p.alerts.EvaluateBackup(ctx, rec)
	p.log.Info("backup completed",
		"backup_id", rec.ID,
		"kind", string(rec.Kind),
		"size_bytes", rec.SizeBytes,
		"ratio", fmt.Sprintf("%.2f", rec.Compression),
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)
	return rec, nil
}

func (p *Pipeline) run(ctx context.Context, rec *metadata.BackupRecord) error {
	// exporting
	stream, err := p.export(ctx, rec)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	// encoding
	artifact, checksum, ratio, err := p.codec.Encode(stream)
	// Close releases the exporter's process either way; a non-zero dump
	// exit surfaces here rather than as a silently truncated artifact.
	cerr := stream.Close()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("export: %w", cerr)
	}
	// The checksum stays off the record until the save that marks it
	// completed; in-flight rows are visible to the admin panel.
	rec.SizeBytes = int64(len(artifact))
	rec.Compression = ratio
	if err := p.repo.SaveBackup(ctx, rec); err != nil {
		p.log.Warn("persist encoding stage failed", "backup_id", rec.ID, "error", err.Error())
	}

	// uploading: both remotes in parallel with a barrier; local is best
	// effort and never fails the job.
	return p.upload(ctx, rec, artifact, checksum)
}

func (p *Pipeline) export(ctx context.Context, rec *metadata.BackupRecord) (io.ReadCloser, error) {
	switch rec.Kind {
	case metadata.KindFull:
		return p.exporter.ExportFull(ctx)
	case metadata.KindTenant:
		if rec.TenantID == "" {
			return nil, fmt.Errorf("tenant backup requires a tenant id")
		}
		return p.exporter.ExportTenant(ctx, rec.TenantID)
	case metadata.KindConfig:
		return p.exporter.ExportConfig(ctx)
	default:
		return nil, fmt.Errorf("kind %q is not produced by the pipeline", rec.Kind)
	}
}

func (p *Pipeline) upload(ctx context.Context, rec *metadata.BackupRecord, artifact []byte, checksum string) error {
	remotePath := p.remotePath(rec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.dest.Primary.Put(gctx, remotePath, artifact); err != nil {
			return fmt.Errorf("%w: primary: %v", ErrUpload, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.dest.Secondary.Put(gctx, remotePath, artifact); err != nil {
			return fmt.Errorf("%w: secondary: %v", ErrUpload, err)
		}
		return nil
	})

	// Local runs outside the group: its failure must not cancel siblings.
	localDone := make(chan error, 1)
	if p.localEligible(rec.Kind) {
		go func() {
			localDone <- p.dest.Local.Put(ctx, remotePath, artifact)
		}()
	} else {
		localDone <- errSkipLocal
	}

	remoteErr := g.Wait()

	switch localErr := <-localDone; {
	case localErr == nil:
		rec.LocalPath = remotePath
	case errors.Is(localErr, errSkipLocal):
	default:
		p.log.Warn("local upload failed, remote redundancy still holds",
			"backup_id", rec.ID,
			"error", localErr.Error(),
		)
	}

	if remoteErr != nil {
		// Partial copies must not stay referenced; best-effort removal.
		p.deleteEverywhere(ctx, remotePath, rec)
		return remoteErr
	}

	rec.PrimaryPath = remotePath
	rec.SecondaryPath = remotePath
	rec.Checksum = checksum
	rec.Status = metadata.StatusCompleted
	return nil
}

var errSkipLocal = errors.New("local tier not used for this kind")

// localEligible reports whether this artifact kind keeps a local copy.
// WAL segments deliberately skip local to save space.
func (p *Pipeline) localEligible(kind metadata.BackupKind) bool {
	return p.dest.Local != nil && kind != metadata.KindWAL
}

func (p *Pipeline) fail(ctx context.Context, rec *metadata.BackupRecord, started time.Time, cause error) {
	rec.Status = metadata.StatusFailed
	rec.Notes = cause.Error()
	rec.DurationSecs = time.Since(started).Seconds()
	if err := p.repo.SaveBackup(ctx, rec); err != nil {
		p.log.Error("persist failed record", "backup_id", rec.ID, "error", err.Error())
	}
	p.alerts.EvaluateBackup(ctx, rec)
	p.log.Error("backup failed",
		"backup_id", rec.ID,
		"kind", string(rec.Kind),
		"error", cause.Error(),
	)
}

func (p *Pipeline) deleteEverywhere(ctx context.Context, remotePath string, rec *metadata.BackupRecord) {
	backends := []storage.Backend{p.dest.Primary, p.dest.Secondary}
	if p.localEligible(rec.Kind) {
		backends = append(backends, p.dest.Local)
	}
	for _, b := range backends {
		if err := b.Delete(ctx, remotePath); err != nil {
			p.log.Warn("cleanup of partial artifact failed",
				"destination", b.Name(),
				"path", remotePath,
				"error", err.Error(),
			)
		}
	}
	rec.LocalPath, rec.PrimaryPath, rec.SecondaryPath = "", "", ""
}

// artifactName follows {timestamp}_{kind}[_{tenant}].{ext}.
func (p *Pipeline) artifactName(rec *metadata.BackupRecord, ts time.Time) string {
	name := ts.Format(p.tsFormat) + "_" + string(rec.Kind)
	if rec.TenantID != "" {
		name += "_" + rec.TenantID
	}
	return name + extFor(rec.Kind)
}

func extFor(kind metadata.BackupKind) string {
	switch kind {
	case metadata.KindConfig:
		return ".tar.gz.enc"
	case metadata.KindWAL:
		return ".wal.gz.enc"
	default:
		return ".sql.gz.enc"
	}
}

// remotePath prefixes the artifact with its storage directory.
func (p *Pipeline) remotePath(rec *metadata.BackupRecord) string {
	return path.Join(dirFor(rec.Kind), rec.Filename)
}

func dirFor(kind metadata.BackupKind) string {
	switch kind {
	case metadata.KindTenant:
		return "tenants"
	case metadata.KindWAL:
		return "wal"
	case metadata.KindConfig:
		return "config"
	default:
		return "database"
	}
}
