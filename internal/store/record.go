package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/loomwork/internal/orcherr"
)

// Row is one materialized record: the generic record handle the design
// calls for, carrying its class's merged schema and whether it came from a
// pinned (read-only) store.
type Row struct {
	class    *recordClass
	id       int64
	values   map[string]any
	readonly bool
	createdAt time.Time
	updatedAt time.Time
}

func (r *Row) ID() int64              { return r.id }
func (r *Row) Table() string          { return r.class.table }
func (r *Row) ClassName() string      { return r.class.name }
func (r *Row) Get(col string) any     { return r.values[col] }
func (r *Row) CreatedAt() time.Time   { return r.createdAt }
func (r *Row) UpdatedAt() time.Time   { return r.updatedAt }
func (r *Row) Readonly() bool         { return r.readonly }

func (r *Row) GetString(col string) string {
	v, _ := r.values[col].(string)
	return v
}

func (r *Row) GetInt64(col string) int64 {
	switch v := r.values[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (r *Row) GetBool(col string) bool {
	v, _ := r.values[col].(bool)
	return v
}

// Values returns a copy of every non-id column value, keyed by column name.
func (r *Row) Values() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// RecordHandle is the per-record-type query/mutation surface, bound either
// to a read-only Store (queries only) or to an in-flight Tx (queries and
// mutations). It is looked up by name at every operation, per the design's
// "generic record handle + map name -> (schema, vtable)" translation of
// the source's dynamic record classes.
type RecordHandle struct {
	store *Store
	tx    *Tx
	class *recordClass
}

// Record returns the handle for a read-only query against the current
// store state (no open transaction; a consistent read of whatever is
// currently committed).
func (s *Store) Record(name string) (*RecordHandle, error) {
	cls, ok := s.classes[name]
	if !ok {
		return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("unknown record %q", name)}
	}
	return &RecordHandle{store: s, class: cls}, nil
}

// Record returns the handle bound to this transaction. Mutations made
// through it are only visible to other readers after the transaction
// commits (and, if the store is versioned, are captured in the resulting
// snapshot).
func (tx *Tx) Record(name string) (*RecordHandle, error) {
	cls, ok := tx.store.classes[name]
	if !ok {
		return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("unknown record %q", name)}
	}
	return &RecordHandle{store: tx.store, tx: tx, class: cls}, nil
}

func (h *RecordHandle) querier() interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if h.tx != nil {
		return h.tx.sqlTx
	}
	return h.store.db
}

func (h *RecordHandle) execer() interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if h.tx != nil {
		return h.tx.sqlTx
	}
	return h.store.db
}

func (h *RecordHandle) context(ctx context.Context) context.Context {
	if h.tx != nil {
		return h.tx.ctx
	}
	return ctx
}

func (h *RecordHandle) columnNames() []string {
	names := make([]string, 0, len(h.class.columns)+3)
	names = append(names, "id")
	for _, c := range h.class.columns {
		names = append(names, c.Name)
	}
	names = append(names, "created_at", "updated_at")
	return names
}

// Create inserts a new row and runs any AfterCreate behaviors registered
// for this record type, in declaration order, inside the same transaction.
// Create requires a write-capable handle (obtained via Tx.Record).
func (h *RecordHandle) Create(ctx context.Context, attrs map[string]any) (*Row, error) {
	if h.tx == nil {
		return nil, fmt.Errorf("store: Create on %q requires a transaction (use Tx.Record)", h.class.name)
	}
	if h.store.readonly() {
		return nil, &orcherr.ErrReadOnly{Store: h.store.dir}
	}
	cols := make([]string, 0, len(attrs))
	placeholders := make([]string, 0, len(attrs))
	vals := make([]any, 0, len(attrs))
	for name := range attrs {
		if _, ok := h.class.columnIdx[name]; !ok {
			return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("%s: unknown column %q", h.class.name, name)}
		}
	}
	for _, c := range h.class.columns {
		v, present := attrs[c.Name]
		if !present {
			if c.Default != nil {
				v = c.Default
			} else if c.NotNull {
				return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("%s: missing required column %q", h.class.name, c.Name)}
			} else {
				continue
			}
		}
		cols = append(cols, c.Name)
		placeholders = append(placeholders, "?")
		vals = append(vals, encodeValue(c, v))
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", h.class.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	res, err := h.tx.sqlTx.ExecContext(ctx, stmt, vals...)
	if err != nil {
		return nil, fmt.Errorf("%s: create: %w", h.class.name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	row, err := h.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, b := range h.class.behaviors {
		if b.AfterCreate != nil {
			if err := b.AfterCreate(h.tx, row); err != nil {
				return nil, err
			}
		}
	}
	return row, nil
}

// Update applies a partial attribute set to an existing row, bumps
// updated_at, and runs AfterUpdate behaviors. Requires a write-capable
// handle.
func (h *RecordHandle) Update(ctx context.Context, id int64, attrs map[string]any) (*Row, error) {
	if h.tx == nil {
		return nil, fmt.Errorf("store: Update on %q requires a transaction (use Tx.Record)", h.class.name)
	}
	if h.store.readonly() {
		return nil, &orcherr.ErrReadOnly{Store: h.store.dir}
	}
	if len(attrs) == 0 {
		return h.Find(ctx, id)
	}
	sets := make([]string, 0, len(attrs)+1)
	vals := make([]any, 0, len(attrs)+1)
	for name, v := range attrs {
		c, ok := h.class.columnIdx[name]
		if !ok {
			return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("%s: unknown column %q", h.class.name, name)}
		}
		sets = append(sets, name+" = ?")
		vals = append(vals, encodeValue(c, v))
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	vals = append(vals, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", h.class.table, strings.Join(sets, ", "))
	if _, err := h.tx.sqlTx.ExecContext(ctx, stmt, vals...); err != nil {
		return nil, fmt.Errorf("%s: update: %w", h.class.name, err)
	}
	row, err := h.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, b := range h.class.behaviors {
		if b.AfterUpdate != nil {
			if err := b.AfterUpdate(h.tx, row); err != nil {
				return nil, err
			}
		}
	}
	return row, nil
}

func (h *RecordHandle) Delete(ctx context.Context, id int64) error {
	if h.tx == nil {
		return fmt.Errorf("store: Delete on %q requires a transaction (use Tx.Record)", h.class.name)
	}
	if h.store.readonly() {
		return &orcherr.ErrReadOnly{Store: h.store.dir}
	}
	_, err := h.tx.sqlTx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", h.class.table), id)
	return err
}

// Find fetches a single row by id. Works against either a Store (plain
// read) or a Tx (read-your-writes within the transaction).
func (h *RecordHandle) Find(ctx context.Context, id int64) (*Row, error) {
	cols := h.columnNames()
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), h.class.table)
	row := h.querier().QueryRowContext(h.context(ctx), q, id)
	return h.scanRow(row.Scan, cols)
}

// FindOrCreateBy looks up a row matching attrs exactly; if none exists it
// creates one. The lookup-then-create is wrapped in its own transaction
// when the handle was not already inside one, so concurrent callers never
// race into duplicate rows.
func (h *RecordHandle) FindOrCreateBy(ctx context.Context, attrs map[string]any) (*Row, error) {
	if h.tx != nil {
		return h.findOrCreateByTx(ctx, attrs)
	}
	var out *Row
	err := h.store.Transaction(ctx, func(tx *Tx) error {
		inTx, err := tx.Record(h.class.name)
		if err != nil {
			return err
		}
		row, err := inTx.findOrCreateByTx(ctx, attrs)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

func (h *RecordHandle) findOrCreateByTx(ctx context.Context, attrs map[string]any) (*Row, error) {
	existing, err := h.Where(attrs).First(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return h.Create(ctx, attrs)
}

// Query is a lazily-built filter over one record type.
type Query struct {
	h        *RecordHandle
	where    map[string]any
	orderCol string
	orderDir string
	limit    int
}

func (h *RecordHandle) Where(conds map[string]any) *Query {
	return &Query{h: h, where: conds}
}

func (q *Query) Order(col, dir string) *Query {
	q.orderCol, q.orderDir = col, dir
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) build(selectClause string) (string, []any) {
	cols := strings.Join(q.h.columnNames(), ", ")
	if selectClause != "" {
		cols = selectClause
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", cols, q.h.class.table)
	var args []any
	if len(q.where) > 0 {
		conds := make([]string, 0, len(q.where))
		for col, v := range q.where {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	if q.orderCol != "" {
		dir := "ASC"
		if strings.EqualFold(q.orderDir, "desc") {
			dir = "DESC"
		}
		stmt += fmt.Sprintf(" ORDER BY %s %s", q.orderCol, dir)
	}
	if q.limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	return stmt, args
}

func (q *Query) First(ctx context.Context) (*Row, error) {
	stmt, args := q.Limit(1).build("")
	cols := q.h.columnNames()
	row := q.h.querier().QueryRowContext(q.h.context(ctx), stmt, args...)
	r, err := q.h.scanRow(row.Scan, cols)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q *Query) All(ctx context.Context) ([]*Row, error) {
	stmt, args := q.build("")
	cols := q.h.columnNames()
	rows, err := q.h.querier().QueryContext(q.h.context(ctx), stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		r, err := q.h.scanRow(rows.Scan, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Query) Count(ctx context.Context) (int, error) {
	stmt, args := q.build("COUNT(*)")
	var n int
	err := q.h.querier().QueryRowContext(q.h.context(ctx), stmt, args...).Scan(&n)
	return n, err
}

func (q *Query) DeleteAll(ctx context.Context) error {
	if q.h.tx == nil {
		return fmt.Errorf("store: DeleteAll on %q requires a transaction (use Tx.Record)", q.h.class.name)
	}
	stmt := fmt.Sprintf("DELETE FROM %s", q.h.class.table)
	var args []any
	if len(q.where) > 0 {
		conds := make([]string, 0, len(q.where))
		for col, v := range q.where {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	_, err := q.h.tx.sqlTx.ExecContext(ctx, stmt, args...)
	return err
}

func (h *RecordHandle) All(ctx context.Context) ([]*Row, error) {
	return h.Where(nil).All(ctx)
}

func (h *RecordHandle) Count(ctx context.Context) (int, error) {
	return h.Where(nil).Count(ctx)
}

// scanRow decodes a *sql.Row/*sql.Rows Scan into a Row using the class's
// column order. scanFn is either (*sql.Row).Scan or (*sql.Rows).Scan.
func (h *RecordHandle) scanRow(scanFn func(dest ...any) error, cols []string) (*Row, error) {
	dest := make([]any, len(cols))
	raw := make([]any, len(cols))
	for i := range dest {
		dest[i] = &raw[i]
	}
	if err := scanFn(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	row := &Row{class: h.class, values: make(map[string]any), readonly: h.store.readonly()}
	for i, col := range cols {
		switch col {
		case "id":
			row.id = toInt64(raw[i])
		case "created_at":
			row.createdAt = toTime(raw[i])
		case "updated_at":
			row.updatedAt = toTime(raw[i])
		default:
			c := h.class.columnIdx[col]
			row.values[col] = decodeValue(c, raw[i])
		}
	}
	return row, nil
}

func encodeValue(c Column, v any) any {
	if c.Type == TypeJSON {
		if s, ok := v.(string); ok {
			return s // already-encoded JSON text passed through
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	}
	if c.Type == TypeBool {
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
	}
	if c.Type == TypeTime {
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return v
}

func decodeValue(c Column, raw any) any {
	switch c.Type {
	case TypeJSON:
		s, _ := raw.(string)
		var out any
		if s != "" {
			_ = json.Unmarshal([]byte(s), &out)
		}
		return out
	case TypeBool:
		return toInt64(raw) != 0
	case TypeTime:
		return toTime(raw)
	case TypeInt:
		return toInt64(raw)
	case TypeFloat:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
		return 0.0
	default:
		switch v := raw.(type) {
		case []byte:
			return string(v)
		case string:
			return v
		case nil:
			return ""
		default:
			return fmt.Sprintf("%v", v)
		}
	}
}

func toInt64(raw any) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case []byte:
		var n int64
		_, _ = fmt.Sscanf(string(v), "%d", &n)
		return n
	}
	return 0
}

func toTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case []byte:
		t, _ := time.Parse(time.RFC3339Nano, string(v))
		if t.IsZero() {
			t, _ = time.Parse("2006-01-02 15:04:05", string(v))
		}
		return t
	case string:
		t, _ := time.Parse(time.RFC3339Nano, v)
		return t
	}
	return time.Time{}
}
