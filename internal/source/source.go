// Package source defines the engine's boundary with the backed-up data
// store. The engine never reaches into the store directly: exports, restore
// application, and write-ahead-log access all go through these interfaces.
package source

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrExportFailed indicates the external dump call failed.
var ErrExportFailed = errors.New("export failed")

// ErrApplyFailed indicates the external restore/apply call failed.
var ErrApplyFailed = errors.New("apply failed")

// Exporter produces consistent dumps of the data store. Tenant scoping is
// the store's responsibility (row-security-aware dump role); the engine only
// passes the tenant id through.
type Exporter interface {
	ExportFull(ctx context.Context) (io.ReadCloser, error)
	ExportTenant(ctx context.Context, tenantID string) (io.ReadCloser, error)
	ExportConfig(ctx context.Context) (io.ReadCloser, error)
}

// Applier loads decoded backup streams back into the data store. Every
// method either commits the whole stream or nothing; partial application is
// the store's transaction boundary to prevent, not the engine's.
type Applier interface {
	// ApplyFull drops and recreates target objects from a full dump.
	// parallel is a hint for bulk-load parallelism.
	ApplyFull(ctx context.Context, dump io.Reader, parallel int) (rows int64, err error)
	// ApplyMerge applies into existing objects without dropping. A row
	// conflict aborts the whole apply; nothing is partially committed.
	ApplyMerge(ctx context.Context, dump io.Reader) (rows int64, err error)
	// ApplyTenants restricts application to the given tenant ids.
	ApplyTenants(ctx context.Context, dump io.Reader, tenantIDs []string) (rows int64, err error)
	// ApplyWAL replays one write-ahead-log segment.
	ApplyWAL(ctx context.Context, segment io.Reader) error
}

// TenantLister enumerates tenant ids for the tenant-scoped backup job.
// Tenants are owned by the surrounding application; the engine only reads
// their identifiers.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// WALSegment is one shippable log chunk.
type WALSegment struct {
	// Name is the segment filename, unique and ordered per the store.
	Name string
	// Created is when the store sealed the segment.
	Created time.Time
}

// WALSource exposes the data store's write-ahead-log directory.
type WALSource interface {
	// ListReady returns sealed segments that have not been archived yet,
	// oldest first.
	ListReady(ctx context.Context) ([]WALSegment, error)
	// Open returns the segment contents.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// MarkArchived records that the segment was shipped; the store may
	// recycle it afterwards.
	MarkArchived(ctx context.Context, name string) error
}
