// Package sqlite is the durable credential store and the single-node
// accounting mirror. It keeps users, API keys, usage days, quotas, and
// conversion-rate overrides in one SQLite file via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/eugener/warden/internal/storage"
)

var _ storage.Store = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// pragmas applied to every connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Store implements storage.Store. Writes go through a single connection so
// SQLite never sees competing writers; reads use a separate pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// dataSource builds the driver DSN for path. ":memory:" maps to a named
// shared-cache database so both pools see the same data.
func dataSource(path string) string {
	q := make([]string, 0, len(pragmas)+2)
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	if path == ":memory:" {
		return "file::memory:?mode=memory&cache=shared&" + strings.Join(q, "&")
	}
	return "file:" + path + "?" + strings.Join(q, "&")
}

// New opens the database at path, applies pending migrations, and returns
// the Store.
func New(path string) (*Store, error) {
	dsn := dataSource(path)

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("sqlite: open reader: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))
	read.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{write: write, read: read}
	if err := s.migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded goose migrations on the writer.
func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: migrations fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.write, fsys)
	if err != nil {
		return fmt.Errorf("sqlite: migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	for _, r := range results {
		slog.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Ping checks both connection pools.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Join(s.write.PingContext(ctx), s.read.PingContext(ctx))
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
