package chatlog

import (
	"context"
	"testing"

	"github.com/basket/loomwork/internal/chatgw"
	"github.com/basket/loomwork/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	builder := store.NewBuilder(dir, "orch.db")
	for _, def := range Defs() {
		builder = builder.Define(def)
	}
	st, err := builder.Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeBackend struct {
	onNewMessage func(chatgw.Message)
	onEndMessage func(chatgw.Message)
	onToolCall   func(string, map[string]any)
}

func (f *fakeBackend) Ask(ctx context.Context, prompt string) (chatgw.Message, error) {
	return chatgw.Message{}, nil
}
func (f *fakeBackend) WithTools(tools []any) chatgw.Backend { return f }
func (f *fakeBackend) OnNewMessage(fn func(chatgw.Message)) { f.onNewMessage = fn }
func (f *fakeBackend) OnEndMessage(fn func(chatgw.Message)) { f.onEndMessage = fn }
func (f *fakeBackend) OnToolCall(fn func(string, map[string]any)) { f.onToolCall = fn }
func (f *fakeBackend) OnToolResult(func(string, any))             {}
func (f *fakeBackend) ID() string                                  { return "chat-1" }
func (f *fakeBackend) Messages() []chatgw.Message                  { return nil }

func TestRecorder_NewRecorderCreatesModelAndChatRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec, err := NewRecorder(ctx, st, nil, "proj", "run-1", "gpt-test")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if rec.ChatID() == 0 {
		t.Fatal("want a non-zero chat id")
	}

	models, err := st.Record("model")
	if err != nil {
		t.Fatalf("Record(model): %v", err)
	}
	n, err := models.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("model rows = %d, want 1", n)
	}

	rec2, err := NewRecorder(ctx, st, nil, "proj", "run-2", "gpt-test")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if rec2.ChatID() == rec.ChatID() {
		t.Fatal("want a distinct chat id per recorder")
	}
	n, err = models.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("model rows = %d after second recorder, want 1 (same model name)", n)
	}
}

func TestRecorder_AttachPersistsMessagesAndToolCalls(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec, err := NewRecorder(ctx, st, nil, "proj", "run-1", "gpt-test")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	backend := &fakeBackend{}
	var extraCalls int
	rec.Attach(ctx, backend, func(chatgw.Message) { extraCalls++ })

	backend.onNewMessage(chatgw.Message{Role: "user", Content: "hi"})
	backend.onEndMessage(chatgw.Message{Role: "assistant", Content: "hello", InputTokens: 3, OutputTokens: 5})
	backend.onToolCall("search", map[string]any{"query": "weather"})

	if extraCalls != 1 {
		t.Fatalf("extra onEndMessage callback ran %d times, want 1", extraCalls)
	}

	messages, err := st.Record("message")
	if err != nil {
		t.Fatalf("Record(message): %v", err)
	}
	rows, err := messages.Where(map[string]any{"chat_id": rec.ChatID()}).Order("id", "asc").All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("messages = %d, want 2", len(rows))
	}
	if rows[0].GetString("role") != "user" || rows[1].GetString("role") != "assistant" {
		t.Fatalf("roles = %q, %q", rows[0].GetString("role"), rows[1].GetString("role"))
	}
	if rows[1].GetInt64("input_tokens") != 3 || rows[1].GetInt64("output_tokens") != 5 {
		t.Fatalf("token counts = %+v", rows[1].Values())
	}

	calls, err := st.Record("tool_call")
	if err != nil {
		t.Fatalf("Record(tool_call): %v", err)
	}
	callRows, err := calls.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(callRows) != 1 || callRows[0].GetString("name") != "search" {
		t.Fatalf("tool calls = %+v", callRows)
	}
	if callRows[0].GetInt64("message_id") != rows[1].ID() {
		t.Fatalf("tool call message_id = %d, want %d (the assistant message)", callRows[0].GetInt64("message_id"), rows[1].ID())
	}
}
