package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anisbkh/drbackup/internal/logger"
)

func TestLocalBackend_PutGetExistsDelete(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	payload := []byte("artifact bytes")
	require.NoError(t, l.Put(ctx, "database/20250101_030000_full.sql.gz.enc", payload))

	got, err := l.Get(ctx, "database/20250101_030000_full.sql.gz.enc")
	require.NoError(t, err)
	require.Equal(t, payload, got)

	ok, err := l.Exists(ctx, "database/20250101_030000_full.sql.gz.enc")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Delete(ctx, "database/20250101_030000_full.sql.gz.enc"))
	ok, err = l.Exists(ctx, "database/20250101_030000_full.sql.gz.enc")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = l.Get(ctx, "database/20250101_030000_full.sql.gz.enc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalBackend_ListOlderThan(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(root)
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "wal/old.wal.gz.enc", []byte("old")))
	require.NoError(t, l.Put(ctx, "wal/new.wal.gz.enc", []byte("new")))

	// Age one file past the cutoff.
	aged := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(filepath.Join(root, "wal/old.wal.gz.enc"), aged, aged))

	paths, err := l.ListOlderThan(ctx, "wal", 7)
	require.NoError(t, err)
	require.Equal(t, []string{"wal/old.wal.gz.enc"}, paths)

	// Missing prefix is not an error, just empty.
	paths, err = l.ListOlderThan(ctx, "tenants", 7)
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := NewMem("primary")
	wrapped := WithRetry(mem, RetryOptions{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	}, logger.Global())

	boom := errors.New("connection reset")
	mem.FailWith(boom)

	// Heal the backend after the first failed attempt.
	go func() {
		time.Sleep(5 * time.Millisecond)
		mem.FailWith(nil)
	}()

	err := wrapped.Put(ctx, "database/a.sql.gz.enc", []byte("x"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, mem.PutCount(), 2)
}

func TestWithRetry_ExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	mem := NewMem("secondary")
	wrapped := WithRetry(mem, RetryOptions{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
	}, logger.Global())

	boom := errors.New("destination 503")
	mem.FailWith(boom)

	err := wrapped.Put(ctx, "database/a.sql.gz.enc", []byte("x"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, mem.PutCount(), "initial attempt plus two retries")
}

func TestWithRetry_NotFoundIsPermanent(t *testing.T) {
	ctx := context.Background()
	mem := NewMem("primary")
	wrapped := WithRetry(mem, RetryOptions{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
	}, logger.Global())

	_, err := wrapped.Get(ctx, "database/missing.sql.gz.enc")
	require.ErrorIs(t, err, ErrNotFound)
}
