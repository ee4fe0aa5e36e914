package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteRepository implements Repository on an embedded sqlite database.
type SQLiteRepository struct {
	db *gorm.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLite opens (or creates) the metadata database at path and migrates
// the schema.
func NewSQLite(path string) (*SQLiteRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("metadata store handle: %w", err)
	}
	// sqlite supports a single writer
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(&BackupRecord{}, &RestoreLog{}, &AlertRecord{}); err != nil {
		return nil, fmt.Errorf("migrate metadata schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) SaveBackup(ctx context.Context, rec *BackupRecord) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *SQLiteRepository) FindBackup(ctx context.Context, id string) (*BackupRecord, error) {
	var rec BackupRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: backup %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *SQLiteRepository) DeleteBackup(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&BackupRecord{}, "id = ?", id).Error
}

func (r *SQLiteRepository) ListBackupsByStatus(ctx context.Context, status BackupStatus) ([]*BackupRecord, error) {
	var recs []*BackupRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at desc").
		Find(&recs).Error
	return recs, err
}

func (r *SQLiteRepository) LatestRestorable(ctx context.Context, before time.Time) (*BackupRecord, error) {
	q := r.db.WithContext(ctx).
		Where("kind = ? AND status = ?", KindFull, StatusVerified)
	if !before.IsZero() {
		q = q.Where("created_at <= ?", before)
	}
	var rec BackupRecord
	err := q.Order("created_at desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no verified full backup", ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *SQLiteRepository) WALSegmentsBetween(ctx context.Context, from, to time.Time) ([]*BackupRecord, error) {
	var recs []*BackupRecord
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status IN ? AND created_at > ? AND created_at <= ?",
			KindWAL, []BackupStatus{StatusCompleted, StatusVerified}, from, to).
		Order("created_at asc").
		Find(&recs).Error
	return recs, err
}

func (r *SQLiteRepository) BackupsOlderThan(ctx context.Context, kind BackupKind, cutoff time.Time) ([]*BackupRecord, error) {
	var recs []*BackupRecord
	err := r.db.WithContext(ctx).
		Where("kind = ? AND created_at < ?", kind, cutoff).
		Order("created_at asc").
		Find(&recs).Error
	return recs, err
}

func (r *SQLiteRepository) RecentSizes(ctx context.Context, kind BackupKind, limit int) ([]int64, error) {
	var sizes []int64
	err := r.db.WithContext(ctx).
		Model(&BackupRecord{}).
		Where("kind = ? AND status IN ?", kind, []BackupStatus{StatusCompleted, StatusVerified}).
		Order("created_at desc").
		Limit(limit).
		Pluck("size_bytes", &sizes).Error
	return sizes, err
}

func (r *SQLiteRepository) SampleRestorable(ctx context.Context, n int) ([]*BackupRecord, error) {
	var recs []*BackupRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []BackupStatus{StatusCompleted, StatusVerified}).
		Order("RANDOM()").
		Limit(n).
		Find(&recs).Error
	return recs, err
}

func (r *SQLiteRepository) SaveRestoreLog(ctx context.Context, log *RestoreLog) error {
	return r.db.WithContext(ctx).Save(log).Error
}

func (r *SQLiteRepository) FindRestoreLog(ctx context.Context, id string) (*RestoreLog, error) {
	var log RestoreLog
	err := r.db.WithContext(ctx).First(&log, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: restore log %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *SQLiteRepository) ListRestoreLogsByStatus(ctx context.Context, status RestoreStatus) ([]*RestoreLog, error) {
	var logs []*RestoreLog
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("started_at desc").
		Find(&logs).Error
	return logs, err
}

func (r *SQLiteRepository) SaveAlert(ctx context.Context, alert *AlertRecord) error {
	return r.db.WithContext(ctx).Save(alert).Error
}

func (r *SQLiteRepository) FindAlert(ctx context.Context, id string) (*AlertRecord, error) {
	var alert AlertRecord
	err := r.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: alert %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *SQLiteRepository) ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]*AlertRecord, error) {
	q := r.db.WithContext(ctx).Model(&AlertRecord{})
	if unacknowledgedOnly {
		q = q.Where("acknowledged = ?", false)
	}
	var alerts []*AlertRecord
	err := q.Order("created_at desc").Find(&alerts).Error
	return alerts, err
}
