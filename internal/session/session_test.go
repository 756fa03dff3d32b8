package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/basket/loomwork/internal/chatgw"
	"github.com/basket/loomwork/internal/orcherr"
)

type fakeBackend struct {
	id       string
	replies  []chatgw.Message
	messages []chatgw.Message

	onNewMessage func(chatgw.Message)
	onEndMessage func(chatgw.Message)
}

// Ask fires onNewMessage/onEndMessage around the exchange the same way
// genkitbackend.Backend.Ask does, so a test registering an end-of-message
// hook (via Session.Prompt) sees it actually invoked once per reply, not
// just recorded and ignored.
func (f *fakeBackend) Ask(ctx context.Context, prompt string) (chatgw.Message, error) {
	userMsg := chatgw.Message{Role: "user", Content: prompt}
	f.messages = append(f.messages, userMsg)
	if f.onNewMessage != nil {
		f.onNewMessage(userMsg)
	}
	if len(f.replies) == 0 {
		return chatgw.Message{}, errors.New("fakeBackend: no replies queued")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	f.messages = append(f.messages, reply)
	if f.onEndMessage != nil {
		f.onEndMessage(reply)
	}
	return reply, nil
}
func (f *fakeBackend) WithTools(tools []any) chatgw.Backend    { return f }
func (f *fakeBackend) OnNewMessage(fn func(chatgw.Message))    { f.onNewMessage = fn }
func (f *fakeBackend) OnEndMessage(fn func(chatgw.Message))    { f.onEndMessage = fn }
func (f *fakeBackend) OnToolCall(func(string, map[string]any)) {}
func (f *fakeBackend) OnToolResult(func(string, any))          {}
func (f *fakeBackend) ID() string                               { return f.id }
func (f *fakeBackend) Messages() []chatgw.Message                { return f.messages }

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	return New(cfg, nil)
}

func TestSession_Resolve_BuiltinByName(t *testing.T) {
	s := newTestSession(t, Config{
		BuiltinTools: map[string]ToolFactory{
			"echo": func(args map[string]any) (any, error) { return args, nil },
		},
	})
	got, err := s.Resolve("echo", map[string]any{"x": 1}, "/ws")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := got.(map[string]any)
	if m["x"] != 1 || m["workspace_dir"] != "/ws" {
		t.Fatalf("got %v", m)
	}
}

func TestSession_Resolve_UnknownNameListsRegistry(t *testing.T) {
	s := newTestSession(t, Config{})
	_, err := s.Resolve("nope", nil, "")
	var cfgErr *orcherr.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestSession_Resolve_InstancePassesThrough(t *testing.T) {
	s := newTestSession(t, Config{})
	instance := struct{ Name string }{Name: "tool"}
	got, err := s.Resolve(instance, nil, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != instance {
		t.Fatalf("got %v, want passthrough instance", got)
	}
}

func TestSession_Prompt_Success(t *testing.T) {
	backend := &fakeBackend{id: "chat-1", replies: []chatgw.Message{
		{Role: "assistant", Content: `{"answer": "42"}`},
	}}
	s := newTestSession(t, Config{})

	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`)
	var createdID string
	resp, err := s.Prompt(context.Background(), PromptInput{
		Prompt: "what is the answer",
		Schema: schema,
		OnChatCreated: func(id string) { createdID = id },
		NewBackend: func() (chatgw.Backend, error) { return backend, nil },
	})
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if !resp.Success {
		t.Fatalf("resp = %+v, want success", resp)
	}
	if resp.Data["answer"] != "42" {
		t.Fatalf("data = %v", resp.Data)
	}
	if createdID != "chat-1" {
		t.Fatalf("OnChatCreated got %q, want chat-1", createdID)
	}
}

func TestSession_Prompt_SpendGateRaisesAbort(t *testing.T) {
	backend := &fakeBackend{id: "chat-2", replies: []chatgw.Message{
		{Role: "assistant", Content: `{}`},
	}}
	s := newTestSession(t, Config{
		Project:         "proj",
		RunID:           "run",
		MaxSpendProject: 1.0,
		Cost: func(project, runID string) (float64, float64) {
			return 1.8, 0.2
		},
	})

	_, err := s.Prompt(context.Background(), PromptInput{
		Prompt:     "do something",
		NewBackend: func() (chatgw.Backend, error) { return backend, nil },
	})
	var abort *orcherr.AbortCostExceeded
	if !errors.As(err, &abort) {
		t.Fatalf("want AbortCostExceeded, got %v", err)
	}
	want := "Abort: project cost $1.80 exceeds threshold $1.00"
	if abort.Error() != want {
		t.Fatalf("message = %q, want %q", abort.Error(), want)
	}
}

func TestSession_Prompt_UnableToFulfill(t *testing.T) {
	backend := &fakeBackend{id: "chat-3", replies: []chatgw.Message{
		{Role: "assistant", Content: `{"unable_to_fulfill_request_error": "missing required context"}`},
	}}
	s := newTestSession(t, Config{})

	resp, err := s.Prompt(context.Background(), PromptInput{
		Prompt:     "do something impossible",
		Schema:     json.RawMessage(`{"type":"object"}`),
		NewBackend: func() (chatgw.Backend, error) { return backend, nil },
	})
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if resp.Success {
		t.Fatalf("resp = %+v, want failure", resp)
	}
	if resp.ErrMessage != "missing required context" {
		t.Fatalf("ErrMessage = %q", resp.ErrMessage)
	}
}
