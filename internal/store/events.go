package store

import (
	"context"
	"encoding/json"
	"time"
)

// TaskEvent is one row of the append-only task_events audit trail: every
// status transition a task goes through, independent of and alongside the
// mutable tasks row itself.
type TaskEvent struct {
	EventID   int64
	TaskID    int64
	StateFrom string
	StateTo   string
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

const taskEventsMigrationVersion = "table_task_events"

const taskEventsTableSQL = `
	CREATE TABLE IF NOT EXISTS task_events (
		event_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      INTEGER NOT NULL,
		state_from   TEXT,
		state_to     TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload_json TEXT,
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

func taskEventsMigration() Migration {
	return Migration{
		Version:  taskEventsMigrationVersion,
		Checksum: checksumOf(taskEventsTableSQL),
		Up: func(tx *Tx) error {
			_, err := tx.sqlTx.ExecContext(tx.ctx, taskEventsTableSQL)
			return err
		},
	}
}

// AppendTaskEvent records one transition in the audit trail, inside the
// same transaction as the status change it documents — a crash between the
// two would otherwise leave the trail one entry short of the tasks row.
func (tx *Tx) AppendTaskEvent(taskID int64, stateFrom, stateTo, eventType string, payload any) error {
	var payloadJSON []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		payloadJSON = b
	}
	_, err := tx.sqlTx.ExecContext(tx.ctx, `
		INSERT INTO task_events (task_id, state_from, state_to, event_type, payload_json)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, stateFrom, stateTo, eventType, string(payloadJSON))
	return err
}

// TaskEvents returns every recorded transition for taskID, oldest first.
// The trail has no update or delete path.
func (s *Store) TaskEvents(ctx context.Context, taskID int64) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, state_from, state_to, event_type, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var stateFrom, payload *string
		var createdAt any
		if err := rows.Scan(&e.EventID, &e.TaskID, &stateFrom, &e.StateTo, &e.EventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		if stateFrom != nil {
			e.StateFrom = *stateFrom
		}
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		e.CreatedAt = toTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
