package store

import (
	"context"
	"database/sql"

	"github.com/basket/loomwork/internal/orcherr"
)

// Tx is the transaction-scoped handle passed to Store.Transaction's body.
// Every record mutation inside the body must go through Tx.Record so that
// behaviors run, and so a nested Transaction call on the same context
// joins this transaction instead of opening a second one.
type Tx struct {
	ctx   context.Context
	store *Store
	sqlTx *sql.Tx
}

func (tx *Tx) Context() context.Context { return tx.ctx }
func (tx *Tx) Store() *Store            { return tx.store }

type txKey struct{}

// Transaction executes fn atomically. If ctx already carries an open
// transaction against this same store, fn joins it — no new snapshot is
// taken, matching the source's "nesting joins the outer transaction"
// semantics. Otherwise a new SQL transaction is opened, fn runs, and on a
// successful commit — only if the store is versioned — the live database
// file is copied into the versions directory under the process-wide
// snapshot mutex.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	if existing, ok := ctx.Value(txKey{}).(*Tx); ok && existing.store == s {
		return fn(existing)
	}
	if s.readonly() {
		return &orcherr.ErrReadOnly{Store: s.dir}
	}

	committed := false
	err := retryOnBusy(ctx, 5, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		tx := &Tx{store: s, sqlTx: sqlTx}
		tx.ctx = context.WithValue(ctx, txKey{}, tx)

		if err := fn(tx); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil || !committed || !s.versioned {
		return err
	}
	// The snapshot copy runs outside retryOnBusy: the transaction it covers
	// has already committed, so retrying fn here on a copy-error classified
	// as transient would re-run the step body a second time. File-copy
	// errors are surfaced to the caller without compensation — the live
	// database is already committed and consistent, but the version trail
	// may end up one entry short.
	return s.writeVersionSnapshot()
}
