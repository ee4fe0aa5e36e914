// Package dr automates the disaster-recovery runbook: pick the newest
// verified full backup, restore it with storage failover, bring the
// application layer back, and verify health, all inside a recovery-time
// budget.
package dr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/restore"
)

// ErrStepFailed indicates a runbook step failed; the run never continues
// past a failed step.
var ErrStepFailed = errors.New("disaster recovery step failed")

// ErrUnhealthy indicates the application did not become healthy within the
// health-check window.
var ErrUnhealthy = errors.New("health check did not pass")

// Hooks are the external collaborators the orchestrator only signals; the
// surrounding platform owns their implementation.
type Hooks struct {
	// RestartWorkers tells the application layer to restart/re-register
	// its stateless workers.
	RestartWorkers func(ctx context.Context) error
	// HealthCheck reports whether the recovered stack is serving.
	HealthCheck func(ctx context.Context) error
	// RerouteTraffic switches traffic back to the recovered stack.
	RerouteTraffic func(ctx context.Context) error
}

// Options bound one DR run.
type Options struct {
	// RTOBudget is the wall-clock budget; exceeding it raises a critical
	// alert even when recovery eventually completes.
	RTOBudget time.Duration
	// RPOBudget is the acceptable data-loss window; stale WAL coverage
	// raises a warning.
	RPOBudget          time.Duration
	HealthPollInterval time.Duration
	HealthTimeout      time.Duration
	RestoreParallelism int
}

// Result summarizes a finished run for the caller and the admin panel.
type Result struct {
	RestoreLog *metadata.RestoreLog
	BackupID   string
	Elapsed    time.Duration
	WithinRTO  bool
}

// Orchestrator executes the fixed recovery sequence.
type Orchestrator struct {
	repo   metadata.Repository
	engine *restore.Engine
	alerts *alert.Manager
	hooks  Hooks
	opts   Options
	log    logger.Logger
}

func NewOrchestrator(
	repo metadata.Repository,
	engine *restore.Engine,
	alerts *alert.Manager,
	hooks Hooks,
	opts Options,
) *Orchestrator {
	if opts.RTOBudget == 0 {
		opts.RTOBudget = time.Hour
	}
	if opts.RPOBudget == 0 {
		opts.RPOBudget = 15 * time.Minute
	}
	if opts.HealthPollInterval == 0 {
		opts.HealthPollInterval = 5 * time.Second
	}
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		repo:   repo,
		engine: engine,
		alerts: alerts,
		hooks:  hooks,
		opts:   opts,
		log:    logger.Global().With("component", "dr"),
	}
}

// Run executes the recovery sequence. Any step failure aborts the run,
// marks the RestoreLog failed, and raises a critical alert; there is no
// silent partial success.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	res := &Result{}

	fail := func(step string, err error) (*Result, error) {
		res.Elapsed = time.Since(started)
		res.WithinRTO = res.Elapsed <= o.opts.RTOBudget
		o.event(step, started, "failed", "error", err.Error())
		o.failRestoreLog(ctx, res.RestoreLog, step, err)
		o.alerts.Raise(ctx, metadata.AlertFailure, metadata.SeverityCritical,
			fmt.Sprintf("disaster recovery aborted at step %s: %v", step, err))
		return res, fmt.Errorf("%w: %s: %v", ErrStepFailed, step, err)
	}

	// Step 1: latest verified full-store backup.
	o.event("select_backup", started, "started")
	rec, err := o.repo.LatestRestorable(ctx, time.Time{})
	if err != nil {
		return fail("select_backup", err)
	}
	res.BackupID = rec.ID
	o.event("select_backup", started, "done", "backup_id", rec.ID)
	o.checkRPO(ctx, rec)

	// Steps 2-4: download (primary with automatic failover to secondary),
	// decode, and apply in full mode. The restore engine owns failover.
	o.event("restore_full", started, "started", "parallelism", o.opts.RestoreParallelism)
	rlog, err := o.engine.Restore(ctx, rec.ID, restore.Options{
		Mode:     metadata.ModeFull,
		Reason:   "automated disaster recovery",
		Parallel: o.opts.RestoreParallelism,
	})
	res.RestoreLog = rlog
	if err != nil {
		return fail("restore_full", err)
	}
	o.event("restore_full", started, "done", "rows", rlog.RowsRestored)

	// Step 5: worker restart signal.
	o.event("restart_workers", started, "started")
	if o.hooks.RestartWorkers != nil {
		if err := o.hooks.RestartWorkers(ctx); err != nil {
			return fail("restart_workers", err)
		}
	}
	o.event("restart_workers", started, "done")

	// Step 6: health polling.
	o.event("health_check", started, "started")
	if err := o.pollHealth(ctx); err != nil {
		return fail("health_check", err)
	}
	o.event("health_check", started, "done")

	// Step 7: traffic re-route signal.
	o.event("reroute_traffic", started, "started")
	if o.hooks.RerouteTraffic != nil {
		if err := o.hooks.RerouteTraffic(ctx); err != nil {
			return fail("reroute_traffic", err)
		}
	}
	o.event("reroute_traffic", started, "done")

	res.Elapsed = time.Since(started)
	res.WithinRTO = res.Elapsed <= o.opts.RTOBudget
	if !res.WithinRTO {
		o.alerts.Raise(ctx, metadata.AlertDurationExceeded, metadata.SeverityCritical,
			fmt.Sprintf("disaster recovery completed in %s, over the %s RTO budget",
				res.Elapsed.Round(time.Second), o.opts.RTOBudget))
	}

	o.log.Info("disaster recovery completed",
		"backup_id", res.BackupID,
		"elapsed", res.Elapsed.Round(time.Second).String(),
		"within_rto", res.WithinRTO,
	)
	return res, nil
}

// checkRPO warns when the recovery point (base backup plus shipped WAL)
// leaves a data-loss window beyond the budget.
func (o *Orchestrator) checkRPO(ctx context.Context, rec *metadata.BackupRecord) {
	segments, err := o.repo.WALSegmentsBetween(ctx, rec.CreatedAt, time.Now())
	if err != nil {
		o.log.Warn("rpo check failed", "error", err.Error())
		return
	}
	newest := rec.CreatedAt
	for _, seg := range segments {
		if seg.CreatedAt.After(newest) {
			newest = seg.CreatedAt
		}
	}
	if window := time.Since(newest); window > o.opts.RPOBudget {
		o.alerts.Raise(ctx, metadata.AlertFailure, metadata.SeverityWarning,
			fmt.Sprintf("recovery point is %s old, beyond the %s RPO budget",
				window.Round(time.Minute), o.opts.RPOBudget))
	}
}

func (o *Orchestrator) pollHealth(ctx context.Context) error {
	if o.hooks.HealthCheck == nil {
		return nil
	}
	deadline := time.Now().Add(o.opts.HealthTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = o.hooks.HealthCheck(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.opts.HealthPollInterval):
		}
	}
	return fmt.Errorf("%w: %v", ErrUnhealthy, lastErr)
}

func (o *Orchestrator) failRestoreLog(ctx context.Context, rlog *metadata.RestoreLog, step string, cause error) {
	if rlog == nil || rlog.Status == metadata.RestoreFailed {
		return
	}
	now := time.Now()
	rlog.Status = metadata.RestoreFailed
	rlog.ErrorDetail = fmt.Sprintf("dr step %s: %v", step, cause)
	rlog.CompletedAt = &now
	if err := o.repo.SaveRestoreLog(ctx, rlog); err != nil {
		o.log.Error("persist failed restore log", "restore_id", rlog.ID, "error", err.Error())
	}
}

// event emits one structured DR-event log entry.
func (o *Orchestrator) event(step string, started time.Time, state string, kv ...any) {
	fields := append([]any{
		"step", step,
		"state", state,
		"elapsed", time.Since(started).Round(time.Millisecond).String(),
	}, kv...)
	o.log.Info("dr event", fields...)
}
