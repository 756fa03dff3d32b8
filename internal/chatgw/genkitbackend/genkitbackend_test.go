package genkitbackend

import (
	"context"
	"testing"

	"github.com/basket/loomwork/internal/chatgw"
)

func TestNew_WithoutAPIKeyFallsBackToDeterministicReply(t *testing.T) {
	ctx := context.Background()
	b := New(ctx, Config{Provider: "google"})

	msg, err := b.Ask(ctx, "hello")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if msg.Role != "assistant" {
		t.Fatalf("role = %q", msg.Role)
	}
	if msg.Content == "" {
		t.Fatal("expected a non-empty fallback reply")
	}
}

func TestAsk_RecordsTranscriptAndFiresHooks(t *testing.T) {
	ctx := context.Background()
	b := New(ctx, Config{Provider: "google"})

	var newCount, endCount int
	b.OnNewMessage(func(m chatgw.Message) { newCount++ })
	b.OnEndMessage(func(m chatgw.Message) { endCount++ })

	if _, err := b.Ask(ctx, "first"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if _, err := b.Ask(ctx, "second"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	msgs := b.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 recorded messages (2 user + 2 assistant), got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "first" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[2].Content != "second" {
		t.Fatalf("unexpected third message: %+v", msgs[2])
	}
	if newCount != 2 || endCount != 2 {
		t.Fatalf("expected 2 new + 2 end hook calls, got new=%d end=%d", newCount, endCount)
	}
}

func TestID_IsStableAcrossAsks(t *testing.T) {
	ctx := context.Background()
	b := New(ctx, Config{Provider: "google"})
	id := b.ID()
	if _, err := b.Ask(ctx, "hi"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if b.ID() != id {
		t.Fatal("ID changed across Ask calls")
	}
}
