package metadata

import (
	"strings"
	"time"
)

// BackupKind classifies an artifact.
type BackupKind string

const (
	KindFull   BackupKind = "full"
	KindTenant BackupKind = "tenant"
	KindWAL    BackupKind = "wal"
	KindConfig BackupKind = "config"
)

// BackupStatus is the lifecycle state of a BackupRecord.
type BackupStatus string

const (
	StatusInProgress BackupStatus = "in_progress"
	StatusCompleted  BackupStatus = "completed"
	StatusFailed     BackupStatus = "failed"
	StatusVerified   BackupStatus = "verified"
)

// BackupRecord is one completed or in-flight backup artifact.
// Checksum is set only once the artifact reaches completed; status becomes
// verified only after every uploaded destination matches that checksum.
type BackupRecord struct {
	ID            string       `gorm:"primaryKey" json:"id"`
	Kind          BackupKind   `gorm:"index"      json:"kind"`
	TenantID      string       `gorm:"index"      json:"tenant_id,omitempty"`
	Filename      string       `json:"filename"`
	SizeBytes     int64        `json:"size_bytes"`
	Checksum      string       `json:"checksum,omitempty"`
	LocalPath     string       `json:"local_path,omitempty"`
	PrimaryPath   string       `json:"primary_path,omitempty"`
	SecondaryPath string       `json:"secondary_path,omitempty"`
	Status        BackupStatus `gorm:"index" json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	VerifiedAt    *time.Time   `json:"verified_at,omitempty"`
	Compression   float64      `json:"compression_ratio"`
	DurationSecs  float64      `json:"duration_seconds"`
	Notes         string       `json:"notes,omitempty"`
	CreatedBy     string       `json:"created_by,omitempty"`
}

// RestoreMode selects the restore strategy.
type RestoreMode string

const (
	ModeFull        RestoreMode = "full"
	ModeMerge       RestoreMode = "merge"
	ModePointInTime RestoreMode = "point_in_time"
	ModeTenant      RestoreMode = "tenant"
)

// RestoreStatus is the lifecycle state of a RestoreLog.
type RestoreStatus string

const (
	RestoreInProgress RestoreStatus = "in_progress"
	RestoreCompleted  RestoreStatus = "completed"
	RestoreFailed     RestoreStatus = "failed"
	RestoreCancelled  RestoreStatus = "cancelled"
)

// RestoreLog is one restore or disaster-recovery operation. TargetTime is
// set if and only if Mode is point_in_time; CompletedAt is set only when the
// run leaves in_progress.
type RestoreLog struct {
	ID           string        `gorm:"primaryKey" json:"id"`
	BackupID     string        `gorm:"index"      json:"backup_id"`
	InitiatedBy  string        `json:"initiated_by,omitempty"`
	Tenants      string        `json:"tenants,omitempty"`
	Mode         RestoreMode   `json:"mode"`
	TargetTime   *time.Time    `json:"target_time,omitempty"`
	Status       RestoreStatus `gorm:"index" json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	RowsRestored int64         `json:"rows_restored,omitempty"`
	DurationSecs float64       `json:"duration_seconds"`
	Reason       string        `json:"reason,omitempty"`
	Notes        string        `json:"notes,omitempty"`
}

// SetTenants stores the affected tenant set; empty means all tenants.
func (r *RestoreLog) SetTenants(ids []string) {
	r.Tenants = strings.Join(ids, ",")
}

// TenantIDs returns the affected tenant set; nil means all tenants.
func (r *RestoreLog) TenantIDs() []string {
	if r.Tenants == "" {
		return nil
	}
	return strings.Split(r.Tenants, ",")
}

// AlertKind classifies a monitoring alert.
type AlertKind string

const (
	AlertFailure          AlertKind = "failure"
	AlertSizeDeviation    AlertKind = "size_deviation"
	AlertDurationExceeded AlertKind = "duration_exceeded"
	AlertStorageCapacity  AlertKind = "storage_capacity"
	AlertChecksumMismatch AlertKind = "checksum_mismatch"
)

// AlertSeverity orders alerts for routing.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertRecord is one monitoring alert. Records are never auto-deleted; the
// only mutation after creation is acknowledgment.
type AlertRecord struct {
	ID             string        `gorm:"primaryKey" json:"id"`
	Kind           AlertKind     `gorm:"index"      json:"kind"`
	Severity       AlertSeverity `json:"severity"`
	Message        string        `json:"message"`
	Channels       string        `json:"channels,omitempty"`
	Acknowledged   bool          `gorm:"index" json:"acknowledged"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SetChannels records which notification channels received the alert.
func (a *AlertRecord) SetChannels(names []string) {
	a.Channels = strings.Join(names, ",")
}
