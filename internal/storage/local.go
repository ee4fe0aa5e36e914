package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LocalBackend stores artifacts on the local filesystem under a root
// directory. It is the fast, short-retention destination.
type LocalBackend struct {
	root string
}

var (
	_ Backend    = (*LocalBackend)(nil)
	_ Enumerator = (*LocalBackend)(nil)
)

// NewLocal creates the root directory if needed and returns the backend.
func NewLocal(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root %q: %w", root, err)
	}
	return &LocalBackend{root: root}, nil
}

func (l *LocalBackend) Name() string { return "local" }

func (l *LocalBackend) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := filepath.Join(l.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(full), err)
	}
	// Write to a temp name first so a crash never leaves a half-written
	// artifact at the final path.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %q: %w", full, err)
	}
	return nil
}

func (l *LocalBackend) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.root, path))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return data, nil
}

func (l *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(l.root, path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %q: %w", path, err)
	}
	return true, nil
}

func (l *LocalBackend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.root, path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	return nil
}

// ListOlderThan walks prefix under the root and returns relative paths of
// files older than cutoffDays.
func (l *LocalBackend) ListOlderThan(ctx context.Context, prefix string, cutoffDays int) ([]string, error) {
	cutoff := time.Now().AddDate(0, 0, -cutoffDays)
	base := filepath.Join(l.root, prefix)

	var aged []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			rel, err := filepath.Rel(l.root, path)
			if err != nil {
				return err
			}
			aged = append(aged, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q older than %dd: %w", prefix, cutoffDays, err)
	}
	return aged, nil
}
