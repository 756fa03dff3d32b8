// Package chatlog persists the audit trail of LLM interactions: which
// model answered, the chat it answered in, every message exchanged, and
// every tool call a backend reports. These records are never read by the
// pipeline runtime or the processor — they exist for the cost oracle and
// for callers inspecting what a run actually said.
package chatlog

import (
	"context"
	"log/slog"

	"github.com/basket/loomwork/internal/chatgw"
	"github.com/basket/loomwork/internal/store"
)

// Defs returns the record definitions for the model, chat, message, and
// tool_call tables. Callers pass every entry to store.Builder.Define once
// per store, the same way task.Def and workspace.Def are registered.
func Defs() []store.RecordDef {
	return []store.RecordDef{modelDef(), chatDef(), messageDef(), toolCallDef()}
}

func modelDef() store.RecordDef {
	return store.RecordDef{
		Name:  "model",
		Table: "models",
		Columns: []store.Column{
			{Name: "name", Type: store.TypeString, NotNull: true, Unique: true},
		},
	}
}

func chatDef() store.RecordDef {
	return store.RecordDef{
		Name:  "chat",
		Table: "chats",
		Columns: []store.Column{
			{Name: "project", Type: store.TypeString},
			{Name: "run_id", Type: store.TypeString},
			{Name: "model_id", Type: store.TypeInt},
		},
	}
}

func messageDef() store.RecordDef {
	return store.RecordDef{
		Name:  "message",
		Table: "messages",
		Columns: []store.Column{
			{Name: "chat_id", Type: store.TypeInt, NotNull: true},
			{Name: "role", Type: store.TypeString, NotNull: true},
			{Name: "content", Type: store.TypeString},
			{Name: "content_raw", Type: store.TypeJSON},
			{Name: "input_tokens", Type: store.TypeInt},
			{Name: "output_tokens", Type: store.TypeInt},
			{Name: "cached_tokens", Type: store.TypeInt},
			{Name: "cache_creation_tokens", Type: store.TypeInt},
		},
	}
}

func toolCallDef() store.RecordDef {
	return store.RecordDef{
		Name:  "tool_call",
		Table: "tool_calls",
		Columns: []store.Column{
			{Name: "message_id", Type: store.TypeInt, NotNull: true},
			{Name: "tool_call_id", Type: store.TypeString},
			{Name: "name", Type: store.TypeString, NotNull: true},
			{Name: "arguments", Type: store.TypeJSON},
		},
	}
}

// Recorder persists one chat's lifecycle: the model row (created once per
// distinct name, reused after), the chat row for (project, runID), and
// every message and tool call reported through Attach's hooks.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger

	chatID        int64
	lastMessageID int64
}

// NewRecorder resolves or creates the model row for modelName (skipped
// when modelName is empty) and opens a new chat row for (project, runID).
func NewRecorder(ctx context.Context, st *store.Store, logger *slog.Logger, project, runID, modelName string) (*Recorder, error) {
	r := &Recorder{store: st, logger: logger}
	err := st.Transaction(ctx, func(tx *store.Tx) error {
		var modelID int64
		if modelName != "" {
			id, err := ensureModel(ctx, tx, modelName)
			if err != nil {
				return err
			}
			modelID = id
		}
		chats, err := tx.Record("chat")
		if err != nil {
			return err
		}
		attrs := map[string]any{"project": project, "run_id": runID}
		if modelID != 0 {
			attrs["model_id"] = modelID
		}
		row, err := chats.Create(ctx, attrs)
		if err != nil {
			return err
		}
		r.chatID = row.ID()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func ensureModel(ctx context.Context, tx *store.Tx, name string) (int64, error) {
	models, err := tx.Record("model")
	if err != nil {
		return 0, err
	}
	row, err := models.FindOrCreateBy(ctx, map[string]any{"name": name})
	if err != nil {
		return 0, err
	}
	return row.ID(), nil
}

// ChatID is the row id of the chat this recorder is logging to.
func (r *Recorder) ChatID() int64 { return r.chatID }

// Attach registers hooks on backend that write every message, and every
// tool call the backend actually reports, to this chat's audit trail as
// the conversation proceeds. A write failure is logged and otherwise
// swallowed — the hook signatures the gateway boundary declares have no
// error return, so audit persistence can never block or fail a chat.
//
// onEndMessage, if non-nil, runs after the audit write on every end-of-
// message completion. Backend's hook setters each hold a single callback,
// not a subscriber list, so a caller with its own per-completion work
// (spend gating, in session.Session.Prompt) passes it here rather than
// calling backend.OnEndMessage itself and silently overwriting this one.
func (r *Recorder) Attach(ctx context.Context, backend chatgw.Backend, onEndMessage func(chatgw.Message)) {
	backend.OnNewMessage(func(m chatgw.Message) { r.recordMessage(ctx, m) })
	backend.OnEndMessage(func(m chatgw.Message) {
		r.recordMessage(ctx, m)
		if onEndMessage != nil {
			onEndMessage(m)
		}
	})
	backend.OnToolCall(func(name string, args map[string]any) { r.recordToolCall(ctx, name, args) })
}

func (r *Recorder) recordMessage(ctx context.Context, m chatgw.Message) {
	err := r.store.Transaction(ctx, func(tx *store.Tx) error {
		messages, err := tx.Record("message")
		if err != nil {
			return err
		}
		row, err := messages.Create(ctx, map[string]any{
			"chat_id":               r.chatID,
			"role":                  m.Role,
			"content":               m.Content,
			"input_tokens":          m.InputTokens,
			"output_tokens":         m.OutputTokens,
			"cached_tokens":         m.CachedTokens,
			"cache_creation_tokens": m.CacheCreationTokens,
		})
		if err != nil {
			return err
		}
		r.lastMessageID = row.ID()
		return nil
	})
	if err != nil && r.logger != nil {
		r.logger.Error("chatlog: record message", "chat_id", r.chatID, "error", err)
	}
}

func (r *Recorder) recordToolCall(ctx context.Context, name string, args map[string]any) {
	err := r.store.Transaction(ctx, func(tx *store.Tx) error {
		calls, err := tx.Record("tool_call")
		if err != nil {
			return err
		}
		_, err = calls.Create(ctx, map[string]any{
			"message_id": r.lastMessageID,
			"name":       name,
			"arguments":  args,
		})
		return err
	})
	if err != nil && r.logger != nil {
		r.logger.Error("chatlog: record tool call", "message_id", r.lastMessageID, "name", name, "error", err)
	}
}
