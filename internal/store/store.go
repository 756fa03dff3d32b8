// Package store implements the versioned relational record store described
// by the orchestration kernel: ACID transactions with automatic
// per-transaction snapshotting, named snapshots, and read-only time-travel.
//
// A single SQLite connection per Store serializes every write; concurrent
// readers go through the same connection too, by design, so that a
// transaction's automatic snapshot always reflects a state no other writer
// can be mutating underneath it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/loomwork/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// StoreMode distinguishes the live, writable root store from a store
// pinned to a historical snapshot file. It replaces the source's
// readonly-method-override trick with an explicit sum type: every record
// handle checks the mode before any write.
type StoreMode int

const (
	ModeLive StoreMode = iota
	ModePinned
)

// snapshotMutexes serializes the commit-then-copy-file sequence per
// directory, process-wide, exactly as the design calls for: any two Store
// instances opened against the same directory in this process share one
// mutex keyed by the live database's absolute path.
var (
	snapshotMutexesMu sync.Mutex
	snapshotMutexes   = map[string]*sync.Mutex{}
)

func snapshotMutexFor(liveDBPath string) *sync.Mutex {
	snapshotMutexesMu.Lock()
	defer snapshotMutexesMu.Unlock()
	m, ok := snapshotMutexes[liveDBPath]
	if !ok {
		m = &sync.Mutex{}
		snapshotMutexes[liveDBPath] = m
	}
	return m
}

// Store is a versioned relational database bound to a directory.
type Store struct {
	dir        string
	dbFilename string
	logger     *slog.Logger
	versioned  bool
	mode       StoreMode
	pinnedFile string // only set when mode == ModePinned

	db      *sql.DB
	bus     *bus.Bus
	classes map[string]*recordClass
	snapMu  *sync.Mutex
}

// Builder accumulates record definitions and migrations before Open
// materializes them against a database file. Record classes are
// constructed once, at Open, and shared by every subsequent handle lookup
// — the equivalent of the source's lazy-at-open record class assembly.
type Builder struct {
	dir        string
	dbFilename string
	versioned  bool
	logger     *slog.Logger
	bus        *bus.Bus
	defs       []RecordDef
	migrations []Migration
}

func NewBuilder(dir, dbFilename string) *Builder {
	return &Builder{dir: dir, dbFilename: dbFilename, logger: slog.Default()}
}

func (b *Builder) Logger(l *slog.Logger) *Builder { b.logger = l; return b }
func (b *Builder) Bus(bs *bus.Bus) *Builder        { b.bus = bs; return b }
func (b *Builder) Versioned(v bool) *Builder       { b.versioned = v; return b }

// Define registers (additively) a record type's schema and behaviors.
// Calling Define more than once for the same Name unions the columns and
// concatenates the behaviors, matching the source's additive redeclaration
// semantics.
func (b *Builder) Define(def RecordDef) *Builder {
	b.defs = append(b.defs, def)
	return b
}

// Migration registers an explicit, caller-authored migration. Schema-
// derived ("table_<name>") migrations are always run first, regardless of
// how many explicit migrations are registered or in what order.
func (b *Builder) Migration(m Migration) *Builder {
	b.migrations = append(b.migrations, m)
	return b
}

func (b *Builder) liveDBPath() string {
	return filepath.Join(b.dir, b.dbFilename)
}

// Open creates the directory structure if absent, opens (and if needed
// creates) the live database, and runs any pending migrations. Only a
// root (live-mode) store ever reaches this path; pinned stores are
// constructed via Store.Versions / Store.Snapshots.
func (b *Builder) Open(ctx context.Context) (*Store, error) {
	if b.dir == "" || b.dbFilename == "" {
		return nil, fmt.Errorf("store: both dir and dbFilename are required")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", b.dir, err)
	}
	classes, err := mergeRecordDefs(b.defs)
	if err != nil {
		return nil, fmt.Errorf("store: merge record definitions: %w", err)
	}

	livePath := b.liveDBPath()
	db, err := openSQLite(livePath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        b.dir,
		dbFilename: b.dbFilename,
		logger:     b.logger,
		versioned:  b.versioned,
		mode:       ModeLive,
		db:         db,
		bus:        b.bus,
		classes:    classes,
		snapMu:     snapshotMutexFor(livePath),
	}

	if err := retryOnBusy(ctx, 5, func() error {
		return s.configurePragmas(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: configure pragmas: %w", err)
	}

	migrations := buildMigrationList(classes, b.migrations)
	if err := s.runMigrations(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single shared connection serializes every statement onto one
	// SQLite handle. This is what makes "commit, then copy the file"
	// race-free without any extra application-level read lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// configurePragmas sets the pragmas required for file-copy-based
// snapshotting to be safe. journal_mode=DELETE (not WAL) is deliberate:
// WAL leaves a -wal/-shm sidecar that a plain file copy would not capture,
// silently truncating the version trail.
func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA locking_mode=NORMAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries f with exponential backoff and jitter while f fails
// with a SQLITE_BUSY/SQLITE_LOCKED condition. The single shared connection
// makes contention rare in-process, but a concurrent external reader (e.g.
// a version store opened mid-write) can still see a transient lock.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	var lastErr error
	base := 20 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) {
			return lastErr
		}
		delay := base * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)") ||
		strings.Contains(msg, "busy")
}

// Close releases the underlying connection. Pinned (version/snapshot)
// stores opened via Versions/Snapshots own their own connection and must
// be closed independently of the root store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

// Bus returns the event bus passed to Builder.Bus, or nil if none was
// configured. Callers publish on it directly rather than going through a
// Store method, since the store itself has no notion of which topics a
// caller's domain types warrant.
func (s *Store) Bus() *bus.Bus { return s.bus }

// Mode reports whether this store accepts writes.
func (s *Store) Mode() StoreMode { return s.mode }

func (s *Store) readonly() bool { return s.mode == ModePinned }

func (s *Store) Dir() string { return s.dir }

func (s *Store) livePath() string { return filepath.Join(s.dir, s.dbFilename) }

func (s *Store) versionsDir() string {
	return filepath.Join(s.dir, strings.TrimSuffix(s.dbFilename, filepath.Ext(s.dbFilename))+"_versions")
}

func (s *Store) snapshotsDir() string {
	return filepath.Join(s.dir, strings.TrimSuffix(s.dbFilename, filepath.Ext(s.dbFilename))+"_snapshots")
}
