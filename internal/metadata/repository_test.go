package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	runRepositorySuite(t, func(t *testing.T) Repository {
		return NewMemory()
	})
}

func TestSQLiteRepository(t *testing.T) {
	runRepositorySuite(t, func(t *testing.T) Repository {
		repo, err := NewSQLite(filepath.Join(t.TempDir(), "meta.db"))
		require.NoError(t, err)
		return repo
	})
}

func runRepositorySuite(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("backup lifecycle", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)

		rec := &BackupRecord{
			ID:        uuid.NewString(),
			Kind:      KindFull,
			Filename:  "20250101_030000_full.sql.gz.enc",
			SizeBytes: 1024,
			Checksum:  "abc",
			Status:    StatusInProgress,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.SaveBackup(ctx, rec))

		got, err := repo.FindBackup(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, rec.Filename, got.Filename)

		rec.Status = StatusCompleted
		require.NoError(t, repo.SaveBackup(ctx, rec))
		completed, err := repo.ListBackupsByStatus(ctx, StatusCompleted)
		require.NoError(t, err)
		require.Len(t, completed, 1)

		require.NoError(t, repo.DeleteBackup(ctx, rec.ID))
		_, err = repo.FindBackup(ctx, rec.ID)
		require.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("latest restorable", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		base := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

		older := seedBackup(t, repo, KindFull, StatusVerified, base)
		newest := seedBackup(t, repo, KindFull, StatusVerified, base.Add(48*time.Hour))
		seedBackup(t, repo, KindFull, StatusCompleted, base.Add(72*time.Hour)) // unverified
		seedBackup(t, repo, KindTenant, StatusVerified, base.Add(96*time.Hour))

		got, err := repo.LatestRestorable(ctx, time.Time{})
		require.NoError(t, err)
		require.Equal(t, newest.ID, got.ID)

		got, err = repo.LatestRestorable(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Equal(t, older.ID, got.ID)

		_, err = repo.LatestRestorable(ctx, base.Add(-time.Hour))
		require.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("wal segments between", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		base := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

		seedBackup(t, repo, KindWAL, StatusCompleted, base) // exactly at from: excluded
		mid := seedBackup(t, repo, KindWAL, StatusCompleted, base.Add(5*time.Minute))
		atTo := seedBackup(t, repo, KindWAL, StatusCompleted, base.Add(10*time.Minute))
		seedBackup(t, repo, KindWAL, StatusCompleted, base.Add(15*time.Minute))
		seedBackup(t, repo, KindWAL, StatusFailed, base.Add(7*time.Minute))

		segments, err := repo.WALSegmentsBetween(ctx, base, base.Add(10*time.Minute))
		require.NoError(t, err)
		require.Len(t, segments, 2, "interval is half-open: (from, to]")
		require.Equal(t, mid.ID, segments[0].ID)
		require.Equal(t, atTo.ID, segments[1].ID)
	})

	t.Run("backups older than", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		now := time.Now().UTC()

		old := seedBackup(t, repo, KindFull, StatusVerified, now.AddDate(0, 0, -40))
		seedBackup(t, repo, KindFull, StatusVerified, now.AddDate(0, 0, -5))
		seedBackup(t, repo, KindWAL, StatusCompleted, now.AddDate(0, 0, -40))

		recs, err := repo.BackupsOlderThan(ctx, KindFull, now.AddDate(0, 0, -30))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, old.ID, recs[0].ID)
	})

	t.Run("recent sizes newest first", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		base := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

		for i, size := range []int64{100, 200, 300, 400} {
			rec := seedBackup(t, repo, KindFull, StatusCompleted, base.Add(time.Duration(i)*time.Hour))
			rec.SizeBytes = size
			require.NoError(t, repo.SaveBackup(ctx, rec))
		}
		failed := seedBackup(t, repo, KindFull, StatusFailed, base.Add(10*time.Hour))
		failed.SizeBytes = 999
		require.NoError(t, repo.SaveBackup(ctx, failed))

		sizes, err := repo.RecentSizes(ctx, KindFull, 3)
		require.NoError(t, err)
		require.Equal(t, []int64{400, 300, 200}, sizes)
	})

	t.Run("sample restorable skips unusable records", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)
		now := time.Now().UTC()

		seedBackup(t, repo, KindFull, StatusVerified, now)
		seedBackup(t, repo, KindWAL, StatusCompleted, now.Add(time.Minute))
		seedBackup(t, repo, KindFull, StatusFailed, now.Add(2*time.Minute))
		seedBackup(t, repo, KindFull, StatusInProgress, now.Add(3*time.Minute))

		sample, err := repo.SampleRestorable(ctx, 10)
		require.NoError(t, err)
		require.Len(t, sample, 2)
		for _, rec := range sample {
			require.Contains(t, []BackupStatus{StatusCompleted, StatusVerified}, rec.Status)
		}
	})

	t.Run("restore logs", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)

		rlog := &RestoreLog{
			ID:        uuid.NewString(),
			BackupID:  uuid.NewString(),
			Mode:      ModePointInTime,
			Status:    RestoreInProgress,
			StartedAt: time.Now().UTC(),
		}
		target := time.Now().Add(-time.Hour).UTC()
		rlog.TargetTime = &target
		rlog.SetTenants([]string{"acme", "globex"})
		require.NoError(t, repo.SaveRestoreLog(ctx, rlog))

		got, err := repo.FindRestoreLog(ctx, rlog.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"acme", "globex"}, got.TenantIDs())
		require.NotNil(t, got.TargetTime)

		active, err := repo.ListRestoreLogsByStatus(ctx, RestoreInProgress)
		require.NoError(t, err)
		require.Len(t, active, 1)

		_, err = repo.FindRestoreLog(ctx, "missing")
		require.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("alerts", func(t *testing.T) {
		ctx := context.Background()
		repo := open(t)

		a1 := &AlertRecord{
			ID:        uuid.NewString(),
			Kind:      AlertFailure,
			Severity:  SeverityCritical,
			Message:   "backup failed",
			CreatedAt: time.Now().UTC(),
		}
		a2 := &AlertRecord{
			ID:           uuid.NewString(),
			Kind:         AlertSizeDeviation,
			Severity:     SeverityWarning,
			Message:      "size jumped",
			Acknowledged: true,
			CreatedAt:    time.Now().Add(time.Minute).UTC(),
		}
		require.NoError(t, repo.SaveAlert(ctx, a1))
		require.NoError(t, repo.SaveAlert(ctx, a2))

		all, err := repo.ListAlerts(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 2)

		unacked, err := repo.ListAlerts(ctx, true)
		require.NoError(t, err)
		require.Len(t, unacked, 1)
		require.Equal(t, a1.ID, unacked[0].ID)

		_, err = repo.FindAlert(ctx, "missing")
		require.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func seedBackup(t *testing.T, repo Repository, kind BackupKind, status BackupStatus, created time.Time) *BackupRecord {
	t.Helper()
	rec := &BackupRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Filename:  created.Format("20060102_150405") + "_" + string(kind),
		SizeBytes: 1,
		Status:    status,
		CreatedAt: created.UTC(),
	}
	require.NoError(t, repo.SaveBackup(context.Background(), rec))
	return rec
}
