package source

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anisbkh/drbackup/internal/logger"
)

// PostgresOption overrides default settings on a Postgres source.
type PostgresOption func(*Postgres)

// Postgres implements Exporter, Applier, and WALSource against a PostgreSQL
// instance using its native tooling (pg_dump/psql). Consistency comes from
// pg_dump's snapshot semantics; the engine holds no lock on the store.
type Postgres struct {
	Username  string
	Password  string
	Database  string
	Host      string
	Port      string
	WALDir    string
	ConfigDir string
	Timeout   time.Duration
	Logger    logger.Logger
}

var (
	_ Exporter     = (*Postgres)(nil)
	_ Applier      = (*Postgres)(nil)
	_ WALSource    = (*Postgres)(nil)
	_ TenantLister = (*Postgres)(nil)
)

// NewPostgres returns a Postgres source configured through options.
func NewPostgres(opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Host:    "localhost",
		Port:    "5432",
		Timeout: 30 * time.Minute,
		Logger:  logger.Global(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHost overrides the host.
func WithHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPort overrides the port.
func WithPort(port string) PostgresOption {
	return func(p *Postgres) {
		if port != "" {
			p.Port = port
		}
	}
}

// WithCredentials sets username and password.
func WithCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithDatabase overrides the database name.
func WithDatabase(db string) PostgresOption {
	return func(p *Postgres) {
		if db != "" {
			p.Database = db
		}
	}
}

// WithWALDir points at the archived-WAL directory the shipper polls.
func WithWALDir(dir string) PostgresOption {
	return func(p *Postgres) {
		if dir != "" {
			p.WALDir = dir
		}
	}
}

// WithConfigDir points at the configuration directory for config backups.
func WithConfigDir(dir string) PostgresOption {
	return func(p *Postgres) {
		if dir != "" {
			p.ConfigDir = dir
		}
	}
}

// WithTimeout bounds every external call.
func WithTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.Timeout = d
		}
	}
}

// ExportFull runs pg_dump in plain format and streams the dump.
func (p *Postgres) ExportFull(ctx context.Context) (io.ReadCloser, error) {
	return p.dump(ctx, nil)
}

// ExportTenant runs pg_dump under the row-security dump role so only the
// tenant's rows appear in the output.
func (p *Postgres) ExportTenant(ctx context.Context, tenantID string) (io.ReadCloser, error) {
	return p.dump(ctx, []string{"PGOPTIONS=-c app.tenant_id=" + tenantID})
}

func (p *Postgres) dump(ctx context.Context, extraEnv []string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)

	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", p.Host,
		"-p", p.Port,
		"-U", p.Username,
		"-d", p.Database,
		"-F", "plain",
		"--no-owner",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.Password)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrExportFailed, err)
	}

	p.Logger.Info("export started",
		"database", p.Database,
		"host", p.Host,
	)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: pg_dump: %v", ErrExportFailed, err)
	}

	return &cmdStream{r: stdout, cmd: cmd, cancel: cancel}, nil
}

// ExportConfig tars the configuration directory into a single stream.
func (p *Postgres) ExportConfig(ctx context.Context) (io.ReadCloser, error) {
	if p.ConfigDir == "" {
		return nil, fmt.Errorf("%w: config directory not set", ErrExportFailed)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(p.ConfigDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.ConfigDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: archive config: %v", ErrExportFailed, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("%w: close archive: %v", ErrExportFailed, err)
	}
	return io.NopCloser(&buf), nil
}

// ApplyFull feeds the dump to psql in a single transaction after dropping
// the public schema, so a failed apply never partially commits.
func (p *Postgres) ApplyFull(ctx context.Context, dump io.Reader, parallel int) (int64, error) {
	pre := "DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;"
	if err := p.psql(ctx, bytes.NewReader([]byte(pre)), nil); err != nil {
		return 0, err
	}
	env := []string{"PGOPTIONS=-c max_parallel_workers_per_gather=" + strconv.Itoa(parallel)}
	if err := p.psql(ctx, dump, env); err != nil {
		return 0, err
	}
	return p.countRows(ctx)
}

// ApplyMerge applies without dropping existing objects. The dump runs in a
// single transaction with ON_ERROR_STOP, so a duplicate key aborts the
// whole apply rather than partially committing.
func (p *Postgres) ApplyMerge(ctx context.Context, dump io.Reader) (int64, error) {
	if err := p.psql(ctx, dump, nil); err != nil {
		return 0, err
	}
	return p.countRows(ctx)
}

// ApplyTenants applies under the row-security role so writes stay inside
// the given tenants. psql consumes its stdin, so the dump is buffered once
// and every tenant gets a fresh reader over the full contents.
func (p *Postgres) ApplyTenants(ctx context.Context, dump io.Reader, tenantIDs []string) (int64, error) {
	data, err := io.ReadAll(dump)
	if err != nil {
		return 0, fmt.Errorf("%w: read dump: %v", ErrApplyFailed, err)
	}
	for _, id := range tenantIDs {
		env := []string{"PGOPTIONS=-c app.tenant_id=" + id}
		if err := p.psql(ctx, bytes.NewReader(data), env); err != nil {
			return 0, err
		}
	}
	return p.countRows(ctx)
}

// ApplyWAL replays one shipped segment.
func (p *Postgres) ApplyWAL(ctx context.Context, segment io.Reader) error {
	return p.psql(ctx, segment, nil)
}

func (p *Postgres) psql(ctx context.Context, stdin io.Reader, extraEnv []string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "psql",
		"-h", p.Host,
		"-p", p.Port,
		"-U", p.Username,
		"-d", p.Database,
		"-v", "ON_ERROR_STOP=1",
		"--single-transaction",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.Password)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdin = stdin
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: psql: %v", ErrApplyFailed, err)
	}
	return nil
}

// countRows asks the store for its live row estimate after an apply, for
// the restore log.
func (p *Postgres) countRows(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "psql",
		"-h", p.Host,
		"-p", p.Port,
		"-U", p.Username,
		"-d", p.Database,
		"-At",
		"-c", "SELECT COALESCE(SUM(n_live_tup), 0) FROM pg_stat_user_tables",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.Password)
	out, err := cmd.Output()
	if err != nil {
		// Row count is informational only.
		return 0, nil
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(out)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ListTenants reads tenant ids from the store's tenants table.
func (p *Postgres) ListTenants(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "psql",
		"-h", p.Host,
		"-p", p.Port,
		"-U", p.Username,
		"-d", p.Database,
		"-At",
		"-c", "SELECT id FROM tenants ORDER BY id",
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.Password)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var ids []string
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		if len(line) > 0 {
			ids = append(ids, string(line))
		}
	}
	return ids, nil
}

// ListReady scans the archived-WAL directory for segments without an
// .archived marker.
func (p *Postgres) ListReady(ctx context.Context) ([]WALSegment, error) {
	entries, err := os.ReadDir(p.WALDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wal dir %q: %w", p.WALDir, err)
	}

	var segments []WALSegment
	for _, e := range entries {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if e.IsDir() || filepath.Ext(e.Name()) == ".archived" {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.WALDir, e.Name()+".archived")); err == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		segments = append(segments, WALSegment{Name: e.Name(), Created: info.ModTime()})
	}
	return segments, nil
}

// Open returns the segment contents.
func (p *Postgres) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(p.WALDir, name))
	if err != nil {
		return nil, fmt.Errorf("open wal segment %q: %w", name, err)
	}
	return f, nil
}

// MarkArchived drops a marker file next to the segment.
func (p *Postgres) MarkArchived(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	marker := filepath.Join(p.WALDir, name+".archived")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("mark segment %q archived: %w", name, err)
	}
	return nil
}

// cmdStream wraps a command's stdout; Close waits for the process so a
// broken dump surfaces as an error, not a truncated artifact.
type cmdStream struct {
	r      io.Reader
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (s *cmdStream) Read(b []byte) (int, error) { return s.r.Read(b) }

func (s *cmdStream) Close() error {
	defer s.cancel()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	return nil
}
