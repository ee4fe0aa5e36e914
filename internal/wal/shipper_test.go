package wal

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anisbkh/drbackup/internal/alert"
	"github.com/anisbkh/drbackup/internal/codec"
	"github.com/anisbkh/drbackup/internal/metadata"
	"github.com/anisbkh/drbackup/internal/source"
	"github.com/anisbkh/drbackup/internal/storage"
)

type fakeWALSource struct {
	mu       sync.Mutex
	segments map[string][]byte
	created  map[string]time.Time
	archived map[string]bool
}

func newFakeWAL() *fakeWALSource {
	return &fakeWALSource{
		segments: make(map[string][]byte),
		created:  make(map[string]time.Time),
		archived: make(map[string]bool),
	}
}

func (f *fakeWALSource) add(name string, data []byte, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[name] = data
	f.created[name] = created
}

func (f *fakeWALSource) ListReady(ctx context.Context) ([]source.WALSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.WALSegment
	for name := range f.segments {
		if f.archived[name] {
			continue
		}
		out = append(out, source.WALSegment{Name: name, Created: f.created[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (f *fakeWALSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.segments[name]
	if !ok {
		return nil, errors.New("segment missing")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeWALSource) MarkArchived(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[name] = true
	return nil
}

func (f *fakeWALSource) isArchived(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived[name]
}

type harness struct {
	shipper   *Shipper
	wal       *fakeWALSource
	repo      *metadata.MemoryRepository
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
	primary := storage.NewMem("primary")
	secondary := storage.NewMem("secondary")
	alerts := alert.NewManager(repo, alert.Thresholds{})
	wal := newFakeWAL()

	return &harness{
		shipper:   NewShipper(cdc, repo, wal, primary, secondary, alerts, ""),
		wal:       wal,
		repo:      repo,
		primary:   primary,
		secondary: secondary,
	}
}

func TestRunCycle_ShipsReadySegments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sealed := time.Now().Add(-time.Minute)
	h.wal.add("000000010000000000000001", []byte("wal bytes 1"), sealed)
	h.wal.add("000000010000000000000002", []byte("wal bytes 2"), sealed.Add(10*time.Second))

	require.NoError(t, h.shipper.RunCycle(ctx))
	require.True(t, h.wal.isArchived("000000010000000000000001"))
	require.True(t, h.wal.isArchived("000000010000000000000002"))
	require.Equal(t, 2, h.primary.PutCount())
	require.Equal(t, 2, h.secondary.PutCount())

	recs, err := h.repo.ListBackupsByStatus(ctx, metadata.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.Equal(t, metadata.KindWAL, rec.Kind)
		require.NotEmpty(t, rec.Checksum)
		require.NotEmpty(t, rec.PrimaryPath)
		require.Equal(t, rec.PrimaryPath, rec.SecondaryPath)
		require.Empty(t, rec.LocalPath, "wal artifacts skip the local tier")

		ok, err := h.primary.Exists(ctx, rec.PrimaryPath)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// Record time is the segment seal time, which bounds PITR coverage.
	require.Equal(t, sealed.UTC().Truncate(time.Second),
		recs[1].CreatedAt.Truncate(time.Second))
}

func TestRunCycle_FailedSegmentRetriesNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.wal.add("000000010000000000000003", []byte("wal bytes"), time.Now())
	h.secondary.FailWith(errors.New("remote unavailable"))

	err := h.shipper.RunCycle(ctx)
	require.Error(t, err)
	require.False(t, h.wal.isArchived("000000010000000000000003"),
		"a failed segment must stay ready")

	failed, err := h.repo.ListBackupsByStatus(ctx, metadata.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	alerts, err := h.repo.ListAlerts(ctx, false)
	require.NoError(t, err)
	require.NotEmpty(t, alerts)

	// Remote recovers; the next cycle ships the segment.
	h.secondary.FailWith(nil)
	require.NoError(t, h.shipper.RunCycle(ctx))
	require.True(t, h.wal.isArchived("000000010000000000000003"))

	completed, err := h.repo.ListBackupsByStatus(ctx, metadata.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
}

type savedState struct {
	status   metadata.BackupStatus
	checksum string
}

type trackingRepo struct {
	metadata.Repository
	mu    sync.Mutex
	saves []savedState
}

func (r *trackingRepo) SaveBackup(ctx context.Context, rec *metadata.BackupRecord) error {
	r.mu.Lock()
	r.saves = append(r.saves, savedState{rec.Status, rec.Checksum})
	r.mu.Unlock()
	return r.Repository.SaveBackup(ctx, rec)
}

func TestRunCycle_ChecksumOnlyPersistedOnceCompleted(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cdc, err := codec.New(hex.EncodeToString(key))
	require.NoError(t, err)

	repo := &trackingRepo{Repository: metadata.NewMemory()}
	walSrc := newFakeWAL()
	walSrc.add("0000000100000000000000AA", []byte("wal bytes"), time.Now())
	shipper := NewShipper(cdc, repo, walSrc,
		storage.NewMem("primary"), storage.NewMem("secondary"),
		alert.NewManager(repo, alert.Thresholds{}), "")

	require.NoError(t, shipper.RunCycle(ctx))

	require.Len(t, repo.saves, 2)
	require.Equal(t, metadata.StatusInProgress, repo.saves[0].status)
	require.Empty(t, repo.saves[0].checksum, "in-flight rows must not carry a checksum")
	require.Equal(t, metadata.StatusCompleted, repo.saves[1].status)
	require.NotEmpty(t, repo.saves[1].checksum)
}

func TestRunCycle_NoSegmentsIsANoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.shipper.RunCycle(context.Background()))
	require.Zero(t, h.primary.PutCount())
}
