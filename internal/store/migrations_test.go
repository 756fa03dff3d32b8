package store

import (
	"context"
	"testing"
)

func openMigrationTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := NewBuilder(dir, "orch.db").Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestChecksumOf_VariesWithContent(t *testing.T) {
	a := checksumOf("CREATE TABLE widgets (id INTEGER)")
	b := checksumOf("CREATE TABLE widgets (id INTEGER, name TEXT)")
	if a == b {
		t.Fatal("want different checksums for different DDL text")
	}
}

func TestRunMigrations_DetectsChangedIdentityUnderSameVersion(t *testing.T) {
	st := openMigrationTestStore(t)
	ctx := context.Background()

	first := Migration{
		Version:  "table_widgets",
		Checksum: checksumOf("CREATE TABLE widgets (id INTEGER)"),
		Up: func(tx *Tx) error {
			_, err := tx.sqlTx.ExecContext(tx.ctx, "CREATE TABLE IF NOT EXISTS widgets (id INTEGER)")
			return err
		},
	}
	if err := st.runMigrations(ctx, []Migration{first}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	changed := Migration{
		Version:  "table_widgets",
		Checksum: checksumOf("CREATE TABLE widgets (id INTEGER, name TEXT)"),
		Up: func(tx *Tx) error {
			_, err := tx.sqlTx.ExecContext(tx.ctx, "CREATE TABLE IF NOT EXISTS widgets (id INTEGER, name TEXT)")
			return err
		},
	}
	err := st.runMigrations(ctx, []Migration{changed})
	if err == nil {
		t.Fatal("want an error when a migration's content checksum changed under the same version")
	}
}

func TestRunMigrations_SameContentReappliesCleanly(t *testing.T) {
	st := openMigrationTestStore(t)
	ctx := context.Background()

	m := Migration{
		Version:  "table_widgets",
		Checksum: checksumOf("CREATE TABLE widgets (id INTEGER)"),
		Up: func(tx *Tx) error {
			_, err := tx.sqlTx.ExecContext(tx.ctx, "CREATE TABLE IF NOT EXISTS widgets (id INTEGER)")
			return err
		},
	}
	if err := st.runMigrations(ctx, []Migration{m}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := st.runMigrations(ctx, []Migration{m}); err != nil {
		t.Fatalf("second run with identical content: %v", err)
	}
}
