package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
)

// buildMigrationList prepends one schema-derived "table_<name>" migration
// per defined record class — sorted by name for determinism — ahead of the
// caller's explicit migrations, exactly as the design requires: tables
// must exist before any user migration runs.
func buildMigrationList(classes map[string]*recordClass, explicit []Migration) []Migration {
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names)+len(explicit)+1)
	out = append(out, taskEventsMigration())
	for _, name := range names {
		out = append(out, schemaMigrationFor(classes[name]))
	}
	out = append(out, explicit...)
	return out
}

// checksumOf hashes arbitrary migration content — the actual DDL text for
// the built-in schema and task_events migrations, or whatever a caller
// migration passes as Migration.Checksum.
func checksumOf(content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return strconv.FormatUint(h.Sum64(), 16)
}

// expectedChecksum returns m's real identity hash, falling back to hashing
// the version string when the migration supplied no content checksum.
func expectedChecksum(m Migration) string {
	if m.Checksum != "" {
		return m.Checksum
	}
	return checksumOf(m.Version)
}

// runMigrations applies every pending migration inside its own transaction
// against the ledger table schema_migrations. A migration error aborts
// Open entirely; nothing partially applied is left uncommitted.
func (s *Store) runMigrations(ctx context.Context, migrations []Migration) error {
	if err := s.ensureLedger(ctx); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		want := expectedChecksum(m)
		if appliedChecksum, ok := applied[m.Version]; ok {
			if appliedChecksum != want {
				return fmt.Errorf("migration %q: recorded checksum %q does not match expected %q — the migration's identity changed after it was already applied", m.Version, appliedChecksum, want)
			}
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %q: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) ensureLedger(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT NOT NULL UNIQUE,
			checksum   TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (s *Store) appliedVersions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	return retryOnBusy(ctx, 5, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = sqlTx.Rollback() }()

		tx := &Tx{ctx: ctx, store: s, sqlTx: sqlTx}
		if err := m.Up(tx); err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`,
			m.Version, expectedChecksum(m)); err != nil {
			return err
		}
		return sqlTx.Commit()
	})
}
