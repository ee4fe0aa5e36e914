package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the artifact does not exist at the destination.
var ErrNotFound = errors.New("artifact not found")

// ErrCapacity indicates the destination rejected a write for quota reasons.
// Callers degrade to a warning and fail over to the alternate remote.
var ErrCapacity = errors.New("destination over capacity")

// Backend is one backup destination. Implementations must be safe for
// concurrent use; all calls honor ctx cancellation and deadlines.
type Backend interface {
	// Name identifies the destination in logs and metadata ("local",
	// "primary", "secondary").
	Name() string
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
}

// Enumerator is implemented by destinations that can list artifacts by age.
// The retention-cleanup job uses it on the local store.
type Enumerator interface {
	// ListOlderThan returns relative paths of artifacts whose modification
	// time is older than the cutoff.
	ListOlderThan(ctx context.Context, prefix string, cutoffDays int) ([]string, error)
}
