package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/basket/loomwork/internal/orcherr"
)

// writeVersionSnapshot copies the live database file into the versions
// directory under a nanosecond-timestamp, string-sortable filename. The
// process-wide mutex ensures the file is stable and fully committed at the
// moment of the copy: Store.Transaction always calls this after its own
// sqlTx.Commit has returned successfully.
func (s *Store) writeVersionSnapshot() error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	dir := s.versionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}
	name := strconv.FormatInt(time.Now().UnixNano(), 10) + ".sqlite3"
	return copyFile(s.livePath(), filepath.Join(dir, name))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Versions returns the automatic snapshots in chronological order. Each
// entry is a Store pinned to that snapshot file: every accessor returns
// read-only rows, and writes fail with ErrReadOnly. Time-travel and
// restore operations are only valid from the root (live) store.
func (s *Store) Versions(ctx context.Context) ([]*Store, error) {
	if s.mode != ModeLive {
		return nil, fmt.Errorf("store: Versions is only valid on the root store")
	}
	dir := s.versionsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // nanosecond filenames are string-sortable by construction
	out := make([]*Store, 0, len(names))
	for _, name := range names {
		pinned, err := s.openPinned(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, pinned)
	}
	return out, nil
}

func (s *Store) openPinned(path string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := retryOnBusy(context.Background(), 5, func() error {
		_, err := db.Exec("PRAGMA journal_mode=DELETE")
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		dir:        s.dir,
		dbFilename: s.dbFilename,
		logger:     s.logger,
		versioned:  false,
		mode:       ModePinned,
		pinnedFile: path,
		db:         db,
		bus:        s.bus,
		classes:    s.classes,
		snapMu:     s.snapMu,
	}, nil
}

// Snapshot copies the live database to a named file under the snapshots
// directory. Unlike automatic versions, named snapshots are never deleted
// except by an explicit Restore to an earlier version.
func (s *Store) Snapshot(ctx context.Context, label string) error {
	if s.mode != ModeLive {
		return &orcherr.ErrReadOnly{Store: s.dir}
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	dir := s.snapshotsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return copyFile(s.livePath(), filepath.Join(dir, label+".sqlite3"))
}

// Restore overwrites the live database with a named snapshot and appends
// one new automatic version reflecting the restore, so the restore itself
// is captured in the version trail. The connection is closed and reopened
// afterward: copyFile replaces the live file via rename, which leaves any
// already-open file handle pointing at the old inode's data.
func (s *Store) Restore(ctx context.Context, label string) error {
	if s.mode != ModeLive {
		return &orcherr.ErrReadOnly{Store: s.dir}
	}
	snapPath := filepath.Join(s.snapshotsDir(), label+".sqlite3")
	if _, err := os.Stat(snapPath); err != nil {
		return fmt.Errorf("restore: snapshot %q: %w", label, err)
	}
	if err := s.restoreFrom(snapPath); err != nil {
		return err
	}
	return s.reopen(ctx)
}

// reopen closes and reopens the live connection, reapplying pragmas —
// foreign_keys is per-connection, not persisted in the file, so skipping
// this after a restore would silently drop referential integrity checks.
func (s *Store) reopen(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return err
	}
	db, err := openSQLite(s.livePath())
	if err != nil {
		return err
	}
	s.db = db
	return retryOnBusy(ctx, 5, func() error {
		return s.configurePragmas(ctx)
	})
}

// RestoreToVersion overwrites the live database with the Nth version (as
// returned by Versions, 0-indexed), deletes every version file with a
// later index, appends one new version reflecting the restore, and
// returns a fresh root store handle. The caller must close the old root
// store handle; RestoreToVersion reopens the connection.
func (s *Store) RestoreToVersion(ctx context.Context, index int) (*Store, error) {
	if s.mode != ModeLive {
		return nil, &orcherr.ErrReadOnly{Store: s.dir}
	}
	dir := s.versionsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if index < 0 || index >= len(names) {
		return nil, fmt.Errorf("restore: version index %d out of range (have %d)", index, len(names))
	}

	s.snapMu.Lock()
	target := filepath.Join(dir, names[index])
	for _, later := range names[index+1:] {
		_ = os.Remove(filepath.Join(dir, later))
	}
	s.snapMu.Unlock()

	if err := s.restoreFrom(target); err != nil {
		return nil, err
	}
	if err := s.reopen(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) restoreFrom(path string) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if err := copyFile(path, s.livePath()); err != nil {
		return err
	}
	if !s.versioned {
		return nil
	}
	dir := s.versionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strconv.FormatInt(time.Now().UnixNano(), 10) + ".sqlite3"
	return copyFile(s.livePath(), filepath.Join(dir, name))
}
