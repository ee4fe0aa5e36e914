package verify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/codec"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/storage"
)

type harness struct {
	verifier  *Verifier
	codec     *codec.Codec
	repo      *metadata.MemoryRepository
	local     *storage.MemBackend
	primary   *storage.MemBackend
	secondary *storage.MemBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cdc, err := codec.New(hex.EncodeToString(key))
	require.NoError(t, err)

	repo := metadata.NewMemory()
	local := storage.NewMem("local")
	primary := storage.NewMem("primary")
	secondary := storage.NewMem("secondary")
	alerts := alert.NewManager(repo, alert.Thresholds{})

	return &harness{
		verifier:  New(repo, alerts, local, primary, secondary),
		codec:     cdc,
		repo:      repo,
		local:     local,
		primary:   primary,
		secondary: secondary,
	}
}

func (h *harness) seed(t *testing.T, data []byte, created time.Time) *metadata.BackupRecord {
	t.Helper()
	ctx := context.Background()
	artifact, checksum, _, err := h.codec.Encode(bytes.NewReader(data))
	require.NoError(t, err)

	remotePath := "database/" + uuid.NewString() + ".sql.gz.enc"
	rec := &metadata.BackupRecord{
		ID:            uuid.NewString(),
		Kind:          metadata.KindFull,
		Filename:      remotePath,
		Checksum:      checksum,
		SizeBytes:     int64(len(artifact)),
		Status:        metadata.StatusCompleted,
		CreatedAt:     created.UTC(),
		LocalPath:     remotePath,
		PrimaryPath:   remotePath,
		SecondaryPath: remotePath,
	}
	require.NoError(t, h.local.Put(ctx, remotePath, artifact))
	require.NoError(t, h.primary.Put(ctx, remotePath, artifact))
	require.NoError(t, h.secondary.Put(ctx, remotePath, artifact))
	require.NoError(t, h.repo.SaveBackup(ctx, rec))
	return rec
}

func TestVerifyRecord_PromotesCompletedToVerified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.seed(t, []byte("dump"), time.Now())

	require.NoError(t, h.verifier.VerifyRecord(ctx, rec))
	require.Equal(t, metadata.StatusVerified, rec.Status)
	require.NotNil(t, rec.VerifiedAt)

	stored, err := h.repo.FindBackup(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusVerified, stored.Status)
}

func TestVerifyRecord_MismatchFailsRecordAndAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.seed(t, []byte("dump"), time.Now())
	require.True(t, h.secondary.Corrupt(rec.SecondaryPath))

	err := h.verifier.VerifyRecord(ctx, rec)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	stored, err := h.repo.FindBackup(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFailed, stored.Status)
	require.Contains(t, stored.Notes, "secondary")

	alerts, err := h.repo.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, metadata.AlertChecksumMismatch, alerts[0].Kind)
	require.Equal(t, metadata.SeverityCritical, alerts[0].Severity)
}

func TestVerifyRecord_RequiresChecksum(t *testing.T) {
	h := newHarness(t)
	err := h.verifier.VerifyRecord(context.Background(), &metadata.BackupRecord{ID: "x"})
	require.Error(t, err)
}

func TestSweep_DetectsSilentCorruption(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	good1 := h.seed(t, []byte("dump one"), time.Now().Add(-2*time.Hour))
	bad := h.seed(t, []byte("dump two"), time.Now().Add(-time.Hour))
	good2 := h.seed(t, []byte("dump three"), time.Now())
	require.True(t, h.primary.Corrupt(bad.PrimaryPath))

	err := h.verifier.Sweep(ctx, 10)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	stored, err := h.repo.FindBackup(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFailed, stored.Status)

	// Healthy artifacts keep moving through the sweep.
	for _, id := range []string{good1.ID, good2.ID} {
		stored, err := h.repo.FindBackup(ctx, id)
		require.NoError(t, err)
		require.Equal(t, metadata.StatusVerified, stored.Status)
	}
}

func TestSweep_EmptyStoreIsClean(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.verifier.Sweep(context.Background(), 10))
}
