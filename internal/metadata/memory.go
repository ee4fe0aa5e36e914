package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded in-memory Repository used in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	backups  map[string]BackupRecord
	restores map[string]RestoreLog
	alerts   map[string]AlertRecord
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		backups:  make(map[string]BackupRecord),
		restores: make(map[string]RestoreLog),
		alerts:   make(map[string]AlertRecord),
	}
}

func (m *MemoryRepository) SaveBackup(ctx context.Context, rec *BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[rec.ID] = *rec
	return nil
}

func (m *MemoryRepository) FindBackup(ctx context.Context, id string) (*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.backups[id]
	if !ok {
		return nil, fmt.Errorf("%w: backup %s", ErrRecordNotFound, id)
	}
	out := rec
	return &out, nil
}

func (m *MemoryRepository) DeleteBackup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backups, id)
	return nil
}

func (m *MemoryRepository) ListBackupsByStatus(ctx context.Context, status BackupStatus) ([]*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []*BackupRecord
	for _, rec := range m.backups {
		if rec.Status == status {
			out := rec
			recs = append(recs, &out)
		}
	}
	sortByCreatedDesc(recs)
	return recs, nil
}

func (m *MemoryRepository) LatestRestorable(ctx context.Context, before time.Time) (*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *BackupRecord
	for _, rec := range m.backups {
		if rec.Kind != KindFull || rec.Status != StatusVerified {
			continue
		}
		if !before.IsZero() && rec.CreatedAt.After(before) {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			out := rec
			latest = &out
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no verified full backup", ErrRecordNotFound)
	}
	return latest, nil
}

func (m *MemoryRepository) WALSegmentsBetween(ctx context.Context, from, to time.Time) ([]*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []*BackupRecord
	for _, rec := range m.backups {
		if rec.Kind != KindWAL {
			continue
		}
		if rec.Status != StatusCompleted && rec.Status != StatusVerified {
			continue
		}
		if rec.CreatedAt.After(from) && !rec.CreatedAt.After(to) {
			out := rec
			recs = append(recs, &out)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

func (m *MemoryRepository) BackupsOlderThan(ctx context.Context, kind BackupKind, cutoff time.Time) ([]*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []*BackupRecord
	for _, rec := range m.backups {
		if rec.Kind == kind && rec.CreatedAt.Before(cutoff) {
			out := rec
			recs = append(recs, &out)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

func (m *MemoryRepository) RecentSizes(ctx context.Context, kind BackupKind, limit int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []*BackupRecord
	for _, rec := range m.backups {
		if rec.Kind != kind {
			continue
		}
		if rec.Status != StatusCompleted && rec.Status != StatusVerified {
			continue
		}
		out := rec
		recs = append(recs, &out)
	}
	sortByCreatedDesc(recs)
	var sizes []int64
	for i := 0; i < len(recs) && i < limit; i++ {
		sizes = append(sizes, recs[i].SizeBytes)
	}
	return sizes, nil
}

func (m *MemoryRepository) SampleRestorable(ctx context.Context, n int) ([]*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []*BackupRecord
	for _, rec := range m.backups {
		if rec.Status == StatusCompleted || rec.Status == StatusVerified {
			out := rec
			recs = append(recs, &out)
		}
	}
	sortByCreatedDesc(recs)
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

func (m *MemoryRepository) SaveRestoreLog(ctx context.Context, log *RestoreLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores[log.ID] = *log
	return nil
}

func (m *MemoryRepository) FindRestoreLog(ctx context.Context, id string) (*RestoreLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.restores[id]
	if !ok {
		return nil, fmt.Errorf("%w: restore log %s", ErrRecordNotFound, id)
	}
	out := log
	return &out, nil
}

func (m *MemoryRepository) ListRestoreLogsByStatus(ctx context.Context, status RestoreStatus) ([]*RestoreLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var logs []*RestoreLog
	for _, log := range m.restores {
		if log.Status == status {
			out := log
			logs = append(logs, &out)
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].StartedAt.After(logs[j].StartedAt)
	})
	return logs, nil
}

func (m *MemoryRepository) SaveAlert(ctx context.Context, alert *AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.ID] = *alert
	return nil
}

func (m *MemoryRepository) FindAlert(ctx context.Context, id string) (*AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrRecordNotFound, id)
	}
	out := alert
	return &out, nil
}

func (m *MemoryRepository) ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]*AlertRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var alerts []*AlertRecord
	for _, alert := range m.alerts {
		if unacknowledgedOnly && alert.Acknowledged {
			continue
		}
		out := alert
		alerts = append(alerts, &out)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts, nil
}

func sortByCreatedDesc(recs []*BackupRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
