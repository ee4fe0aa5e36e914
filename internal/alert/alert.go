// Package alert evaluates backup and restore outcomes against configured
// thresholds and fans resulting alerts out to notification channels.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anisbkh/drbackup/internal/logger"
	"github.com/anisbkh/drbackup/internal/metadata"
)

// Notifier is one notification channel. The engine never depends on a
// concrete channel; anything that can deliver an AlertRecord qualifies.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert metadata.AlertRecord) error
}

// Thresholds configure when a completed job raises an alert.
type Thresholds struct {
	// SizeDeviationPct alerts when the artifact size deviates more than
	// this percentage from the trailing average for its kind.
	SizeDeviationPct float64
	// DurationCeiling alerts when a job runs longer than this.
	DurationCeiling time.Duration
	// CapacityPct alerts when a destination reports usage above this.
	CapacityPct float64
	// TrailingWindow is how many recent backups feed the size average.
	TrailingWindow int
}

// CapacityFunc reports a destination's used fraction (0..1). Supplied by
// the deployment; nil disables capacity checks for that destination.
type CapacityFunc func(ctx context.Context) (float64, error)

// Manager persists alerts and notifies all channels.
type Manager struct {
	repo       metadata.Repository
	notifiers  []Notifier
	thresholds Thresholds
	capacity   map[string]CapacityFunc
	log        logger.Logger
}

// NewManager wires the alert manager. Channels may be empty; alerts are
// still persisted for the admin panel.
func NewManager(repo metadata.Repository, thresholds Thresholds, notifiers ...Notifier) *Manager {
	return &Manager{
		repo:       repo,
		notifiers:  notifiers,
		thresholds: thresholds,
		capacity:   make(map[string]CapacityFunc),
		log:        logger.Global().With("component", "alerts"),
	}
}

// RegisterCapacity attaches a capacity probe for one destination.
func (m *Manager) RegisterCapacity(destination string, fn CapacityFunc) {
	m.capacity[destination] = fn
}

// Raise persists an alert and notifies every channel. Notification failures
// are logged, never fatal: the persisted record is the source of truth.
func (m *Manager) Raise(ctx context.Context, kind metadata.AlertKind, severity metadata.AlertSeverity, message string) *metadata.AlertRecord {
	alert := &metadata.AlertRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	var notified []string
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, *alert); err != nil {
			m.log.Warn("notification failed",
				"channel", n.Name(),
				"kind", string(kind),
				"error", err.Error(),
			)
			continue
		}
		notified = append(notified, n.Name())
	}
	alert.SetChannels(notified)

	if err := m.repo.SaveAlert(ctx, alert); err != nil {
		m.log.Error("persist alert failed",
			"kind", string(kind),
			"error", err.Error(),
		)
	}

	m.log.Info("alert raised",
		"kind", string(kind),
		"severity", string(severity),
		"message", message,
	)
	return alert
}

// EvaluateBackup checks a completed backup against the thresholds.
func (m *Manager) EvaluateBackup(ctx context.Context, rec *metadata.BackupRecord) {
	if rec.Status == metadata.StatusFailed {
		m.Raise(ctx, metadata.AlertFailure, metadata.SeverityCritical,
			fmt.Sprintf("backup %s (%s) failed: %s", rec.ID, rec.Kind, rec.Notes))
		return
	}

	m.checkSizeDeviation(ctx, rec)

	if m.thresholds.DurationCeiling > 0 {
		duration := time.Duration(rec.DurationSecs * float64(time.Second))
		if duration > m.thresholds.DurationCeiling {
			m.Raise(ctx, metadata.AlertDurationExceeded, metadata.SeverityWarning,
				fmt.Sprintf("backup %s took %s, ceiling is %s",
					rec.ID, duration.Round(time.Second), m.thresholds.DurationCeiling))
		}
	}

	m.checkCapacity(ctx)
}

// EvaluateRestore raises on any failed restore run.
func (m *Manager) EvaluateRestore(ctx context.Context, log *metadata.RestoreLog) {
	if log.Status != metadata.RestoreFailed {
		return
	}
	m.Raise(ctx, metadata.AlertFailure, metadata.SeverityCritical,
		fmt.Sprintf("restore %s of backup %s failed: %s", log.ID, log.BackupID, log.ErrorDetail))
}

// Acknowledge marks an alert as handled by the given operator.
func (m *Manager) Acknowledge(ctx context.Context, alertID, who string) error {
	alert, err := m.repo.FindAlert(ctx, alertID)
	if err != nil {
		return err
	}
	alert.Acknowledged = true
	alert.AcknowledgedBy = who
	return m.repo.SaveAlert(ctx, alert)
}

func (m *Manager) checkSizeDeviation(ctx context.Context, rec *metadata.BackupRecord) {
	if m.thresholds.SizeDeviationPct <= 0 || m.thresholds.TrailingWindow <= 0 {
		return
	}
	sizes, err := m.repo.RecentSizes(ctx, rec.Kind, m.thresholds.TrailingWindow+1)
	if err != nil || len(sizes) < 2 {
		return
	}
	// The newest entry is the record under evaluation; average the rest.
	var sum int64
	for _, s := range sizes[1:] {
		sum += s
	}
	avg := float64(sum) / float64(len(sizes)-1)
	if avg == 0 {
		return
	}
	deviation := (float64(rec.SizeBytes) - avg) / avg * 100
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > m.thresholds.SizeDeviationPct {
		m.Raise(ctx, metadata.AlertSizeDeviation, metadata.SeverityWarning,
			fmt.Sprintf("backup %s size %d deviates %.0f%% from trailing average %.0f",
				rec.ID, rec.SizeBytes, deviation, avg))
	}
}

func (m *Manager) checkCapacity(ctx context.Context) {
	if m.thresholds.CapacityPct <= 0 {
		return
	}
	for dest, probe := range m.capacity {
		if probe == nil {
			continue
		}
		used, err := probe(ctx)
		if err != nil {
			m.log.Warn("capacity probe failed", "destination", dest, "error", err.Error())
			continue
		}
		if used*100 > m.thresholds.CapacityPct {
			m.Raise(ctx, metadata.AlertStorageCapacity, metadata.SeverityWarning,
				fmt.Sprintf("destination %s at %.0f%% capacity", dest, used*100))
		}
	}
}
