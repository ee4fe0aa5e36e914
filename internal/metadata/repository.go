package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound indicates the requested row does not exist.
var ErrRecordNotFound = errors.New("metadata record not found")

// Repository is the narrow persistence boundary for engine metadata.
// Implementations must be safe for concurrent use; each record row is owned
// by exactly one job for its lifetime.
type Repository interface {
	SaveBackup(ctx context.Context, rec *BackupRecord) error
	FindBackup(ctx context.Context, id string) (*BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
	ListBackupsByStatus(ctx context.Context, status BackupStatus) ([]*BackupRecord, error)
	// LatestRestorable returns the newest verified full-store backup, or,
	// when before is non-zero, the newest one created at or before it.
	LatestRestorable(ctx context.Context, before time.Time) (*BackupRecord, error)
	// WALSegmentsBetween returns wal-segment records created in (from, to],
	// oldest first, for PITR replay.
	WALSegmentsBetween(ctx context.Context, from, to time.Time) ([]*BackupRecord, error)
	// BackupsOlderThan returns records of the given kind past the cutoff,
	// for retention cleanup.
	BackupsOlderThan(ctx context.Context, kind BackupKind, cutoff time.Time) ([]*BackupRecord, error)
	// RecentSizes returns the artifact sizes of the most recent completed
	// or verified backups of a kind, newest first, for deviation checks.
	RecentSizes(ctx context.Context, kind BackupKind, limit int) ([]int64, error)
	// SampleRestorable returns up to n completed/verified records for the
	// integrity sweep.
	SampleRestorable(ctx context.Context, n int) ([]*BackupRecord, error)

	SaveRestoreLog(ctx context.Context, log *RestoreLog) error
	FindRestoreLog(ctx context.Context, id string) (*RestoreLog, error)
	ListRestoreLogsByStatus(ctx context.Context, status RestoreStatus) ([]*RestoreLog, error)

	SaveAlert(ctx context.Context, alert *AlertRecord) error
	FindAlert(ctx context.Context, id string) (*AlertRecord, error)
	ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]*AlertRecord, error)
}
