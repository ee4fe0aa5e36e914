// Package engine wires the configuration into a running backup and
// disaster-recovery engine: secrets, codec, storage destinations, metadata
// store, pipeline, WAL shipper, verifier, alerting, restore engine, DR
// orchestrator, and the job scheduler.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/codec"
	"github.com/anisbkh/drbackup/internal/config"
	"github.com/anisbkh/drbackup/internal/dr"
	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/pipeline"
	"github.com/anisbkh/drbackup/internal/restore"
	"github.com/anisbkh/drbackup/internal/retention"
	"github.com/anisbkh/drbackup/internal/scheduler"
	"github.com/anisbkh/drbackup/internal/source"
	"github.com/anisbkh/drbackup/internal/storage"
	"github.com/anisbkh/drbackup/internal/vault"
	"github.com/anisbkh/drbackup/internal/verify"
	"github.com/anisbkh/drbackup/internal/wal"
)

// Engine is the composed subsystem. Fields are exported for the CLI's
// trigger surface; the scheduler drives the same components.
type Engine struct {
	Cfg       config.Config
	Repo      metadata.Repository
	Pipeline  *pipeline.Pipeline
	Shipper   *wal.Shipper
	Verifier  *verify.Verifier
	Alerts    *alert.Manager
	Restore   *restore.Engine
	DR        *dr.Orchestrator
	Cleaner   *retention.Cleaner
	Scheduler *scheduler.Scheduler

	tenants source.TenantLister
	log     logger.Logger
}

// New composes the engine. hooks carry the DR collaborators (worker
// restart, health check, traffic re-route) owned by the platform.
func New(ctx context.Context, cfg config.Config, hooks dr.Hooks) (*Engine, error) {
	log := logger.Global().With("component", "engine")

	masterKey, remotes, err := resolveSecrets(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cdc, err := codec.New(masterKey)
	if err != nil {
		return nil, err
	}

	local, err := storage.NewLocal(cfg.Storage.Local.Root)
	if err != nil {
		return nil, err
	}
	retryOpts := storage.RetryOptions{
		MaxRetries:   cfg.Storage.MaxRetries,
		BaseDelay:    cfg.Storage.RetryBaseDelay,
		CallTimeout:  cfg.Storage.UploadTimeout,
		TimeoutPerMB: cfg.Storage.TimeoutPerMB,
	}
	primary := storage.WithRetry(remotes[0], retryOpts, logger.Global())
	secondary := storage.WithRetry(remotes[1], retryOpts, logger.Global())

	repo, err := metadata.NewSQLite(cfg.Metadata.Path)
	if err != nil {
		return nil, err
	}

	pg := source.NewPostgres(
		source.WithHost(cfg.Source.Host),
		source.WithPort(cfg.Source.Port),
		source.WithCredentials(cfg.Source.Username, cfg.Source.Password),
		source.WithDatabase(cfg.Source.Database),
		source.WithWALDir(cfg.Source.WALDir),
		source.WithConfigDir(cfg.Source.ConfigDir),
		source.WithTimeout(cfg.Source.Timeout),
	)

	notifiers := []alert.Notifier{alert.NewLogNotifier(logger.Global())}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(cfg.Alerts.WebhookURL))
	}
	alerts := alert.NewManager(repo, alert.Thresholds{
		SizeDeviationPct: cfg.Alerts.SizeDeviationPct,
		DurationCeiling:  cfg.Alerts.DurationCeiling,
		CapacityPct:      cfg.Alerts.CapacityPct,
		TrailingWindow:   cfg.Alerts.TrailingWindow,
	}, notifiers...)

	verifier := verify.New(repo, alerts, local, primary, secondary)
	pipe := pipeline.New(cdc, repo, pg, pipeline.Destinations{
		Local:     local,
		Primary:   primary,
		Secondary: secondary,
	}, verifier, alerts, cfg.Backup.TimestampFormat)

	shipper := wal.NewShipper(cdc, repo, pg, primary, secondary, alerts, cfg.Backup.TimestampFormat)
	restoreEngine := restore.NewEngine(repo, cdc, pg, local, primary, secondary, alerts)
	orchestrator := dr.NewOrchestrator(repo, restoreEngine, alerts, hooks, dr.Options{
		RTOBudget:          cfg.Recovery.RTOBudget,
		RPOBudget:          cfg.Recovery.RPOBudget,
		HealthPollInterval: cfg.Recovery.HealthPollInterval,
		HealthTimeout:      cfg.Recovery.HealthTimeout,
		RestoreParallelism: cfg.Recovery.RestoreParallelism,
	})
	cleaner := retention.NewCleaner(repo, local, local, primary, secondary, retention.Policy{
		LocalDays:     cfg.Retention.LocalDays,
		LocalWALDays:  cfg.Retention.LocalWALDays,
		RemoteDays:    cfg.Retention.RemoteDays,
		RemoteWALDays: cfg.Retention.RemoteWALDays,
	})

	e := &Engine{
		Cfg:      cfg,
		Repo:     repo,
		Pipeline: pipe,
		Shipper:  shipper,
		Verifier: verifier,
		Alerts:   alerts,
		Restore:  restoreEngine,
		DR:       orchestrator,
		Cleaner:  cleaner,
		tenants:  pg,
		log:      log,
	}
	e.Scheduler = scheduler.New(e.jobTable(), time.Minute)
	return e, nil
}

// resolveSecrets fetches the master key and remote credentials, preferring
// explicit config, then Vault. The key never appears in logs.
func resolveSecrets(ctx context.Context, cfg config.Config) (string, [2]*storage.S3Backend, error) {
	var remotes [2]*storage.S3Backend

	masterKey := cfg.Backup.MasterKeyHex
	primaryCfg := cfg.Storage.Primary
	secondaryCfg := cfg.Storage.Secondary

	needsVault := masterKey == "" ||
		(primaryCfg.AccessKey == "" && primaryCfg.VaultSecret != "") ||
		(secondaryCfg.AccessKey == "" && secondaryCfg.VaultSecret != "")
	if needsVault {
		client, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.ApproleID, cfg.Vault.ApproleName),
		)
		if err != nil {
			return "", remotes, err
		}
		if masterKey == "" {
			if cfg.Vault.MasterKeyPath == "" {
				return "", remotes, fmt.Errorf("no master key in config, env, or vault path")
			}
			masterKey, err = client.GetMasterKey(ctx, cfg.Vault.MasterKeyPath)
			if err != nil {
				return "", remotes, err
			}
		}
		if primaryCfg.AccessKey == "" && primaryCfg.VaultSecret != "" {
			creds, err := client.GetStorageCredentials(ctx, primaryCfg.VaultSecret)
			if err != nil {
				return "", remotes, err
			}
			primaryCfg.AccessKey, primaryCfg.SecretKey = creds.AccessKey, creds.SecretKey
		}
		if secondaryCfg.AccessKey == "" && secondaryCfg.VaultSecret != "" {
			creds, err := client.GetStorageCredentials(ctx, secondaryCfg.VaultSecret)
			if err != nil {
				return "", remotes, err
			}
			secondaryCfg.AccessKey, secondaryCfg.SecretKey = creds.AccessKey, creds.SecretKey
		}
	}

	primary, err := storage.NewS3(storage.S3Options{
		Name:         "primary",
		Endpoint:     primaryCfg.Endpoint,
		Region:       primaryCfg.Region,
		Bucket:       primaryCfg.Bucket,
		AccessKey:    primaryCfg.AccessKey,
		SecretKey:    primaryCfg.SecretKey,
		UsePathStyle: primaryCfg.UsePathStyle,
	})
	if err != nil {
		return "", remotes, err
	}
	secondary, err := storage.NewS3(storage.S3Options{
		Name:         "secondary",
		Endpoint:     secondaryCfg.Endpoint,
		Region:       secondaryCfg.Region,
		Bucket:       secondaryCfg.Bucket,
		AccessKey:    secondaryCfg.AccessKey,
		SecretKey:    secondaryCfg.SecretKey,
		UsePathStyle: secondaryCfg.UsePathStyle,
	})
	if err != nil {
		return "", remotes, err
	}
	remotes[0], remotes[1] = primary, secondary
	return masterKey, remotes, nil
}

// jobTable is the explicit recurring-job list the scheduler drives.
func (e *Engine) jobTable() []scheduler.Job {
	return []scheduler.Job{
		{
			Kind:     scheduler.JobWALShip,
			Cadence:  e.Cfg.WAL.ShipInterval,
			Priority: 10,
			Run: func(ctx context.Context, _ string) error {
				return e.Shipper.RunCycle(ctx)
			},
		},
		{
			Kind:     scheduler.JobFullBackup,
			Cadence:  24 * time.Hour,
			Priority: 9,
			Run: func(ctx context.Context, key string) error {
				_, err := e.Pipeline.Run(ctx, pipeline.Job{
					ID:        key,
					Kind:      metadata.KindFull,
					CreatedBy: "scheduler",
				})
				return err
			},
		},
		{
			Kind:     scheduler.JobTenantBackup,
			Cadence:  7 * 24 * time.Hour,
			Priority: 8,
			Run:      e.runTenantBackups,
		},
		{
			Kind:     scheduler.JobConfigBackup,
			Cadence:  24 * time.Hour,
			Priority: 7,
			Run: func(ctx context.Context, key string) error {
				_, err := e.Pipeline.Run(ctx, pipeline.Job{
					ID:        key,
					Kind:      metadata.KindConfig,
					CreatedBy: "scheduler",
				})
				return err
			},
		},
		{
			Kind:     scheduler.JobTestRestore,
			Cadence:  30 * 24 * time.Hour,
			Priority: 6,
			Run: func(ctx context.Context, _ string) error {
				_, err := e.Restore.Drill(ctx)
				return err
			},
		},
		{
			Kind:     scheduler.JobIntegritySweep,
			Cadence:  time.Hour,
			Priority: 5,
			Run: func(ctx context.Context, _ string) error {
				return e.Verifier.Sweep(ctx, e.Cfg.Alerts.SweepSampleSize)
			},
		},
		{
			Kind:     scheduler.JobCleanup,
			Cadence:  24 * time.Hour,
			Priority: 3,
			Run: func(ctx context.Context, _ string) error {
				return e.Cleaner.Run(ctx)
			},
		},
	}
}

// runTenantBackups produces one tenant-scoped backup per tenant. A failed
// tenant does not stop the rest; the first error is reported so the run
// retries on the next trigger.
func (e *Engine) runTenantBackups(ctx context.Context, key string) error {
	ids, err := e.tenants.ListTenants(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		_, err := e.Pipeline.Run(ctx, pipeline.Job{
			ID:        key + ":" + id,
			Kind:      metadata.KindTenant,
			TenantID:  id,
			CreatedBy: "scheduler",
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tenant %s: %w", id, err)
		}
	}
	return firstErr
}

// Serve starts the scheduler and blocks until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	e.log.Info("engine started",
		"local_root", e.Cfg.Storage.Local.Root,
		"wal_interval", e.Cfg.WAL.ShipInterval.String(),
	)
	e.Scheduler.Start(ctx)
	<-ctx.Done()
	e.Scheduler.Stop()
	e.log.Info("engine stopped")
	return nil
}
