// Package chatgw wraps a conversational LLM backend into a typed
// request/response gateway: structured JSON output with schema
// validation, retry-on-malformed-output, optional N-of-M confirmation,
// and iterative self-refinement.
package chatgw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/telemetry"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Message is the minimal message shape the gateway deals in. The token
// fields are best-effort: a backend that cannot report usage for a turn
// just leaves them at zero.
type Message struct {
	Role    string
	Content string

	InputTokens         int
	OutputTokens        int
	CachedTokens        int
	CacheCreationTokens int
}

// Backend is the narrow boundary the gateway requires of any vendor chat
// client adapter: ask a question, optionally bind tools, observe the
// exchange, and answer for the chat's id and transcript.
type Backend interface {
	Ask(ctx context.Context, prompt string) (Message, error)
	WithTools(tools []any) Backend
	OnNewMessage(func(Message))
	OnEndMessage(func(Message))
	OnToolCall(func(name string, args map[string]any))
	OnToolResult(func(name string, result any))
	ID() string
	Messages() []Message
}

// Chat is a conversation buffer over an injected Backend.
type Chat struct {
	backend Backend
	tracer  *telemetry.Tracer
}

func New(backend Backend) *Chat {
	return &Chat{backend: backend}
}

// WithTracer attaches a tracer that answerOnce spans every round trip
// with. Nil is fine and leaves Get untraced.
func (c *Chat) WithTracer(t *telemetry.Tracer) *Chat {
	c.tracer = t
	return c
}

func (c *Chat) ID() string          { return c.backend.ID() }
func (c *Chat) Messages() []Message { return c.backend.Messages() }

// Ask is a pass-through to the backend.
func (c *Chat) Ask(ctx context.Context, prompt string) (Message, error) {
	return c.backend.Ask(ctx, prompt)
}

const (
	defaultMaxAttempts = 5
	jsonFenceOpen      = "```json"
	fenceClose         = "```"
)

// Get is the primary structured-output operation. It builds a wrapper
// message requiring a strict JSON reply (embedding schemaJSON when
// present), asks up to 5 attempts per answer, validates against the
// schema, and collects out_of answers looking for a confirm-way
// consensus.
func (c *Chat) Get(ctx context.Context, prompt string, schemaJSON []byte, confirm, outOf int) (map[string]any, error) {
	if confirm <= 0 {
		confirm = 1
	}
	if outOf <= 0 {
		outOf = 1
	}

	var validator *jsonschema.Schema
	if len(schemaJSON) > 0 {
		v, err := compileSchema(schemaJSON)
		if err != nil {
			return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("chatgw: compile schema: %v", err)}
		}
		validator = v
	}

	counts := map[string]int{}
	answers := map[string]map[string]any{}

	for i := 0; i < outOf; i++ {
		answer, err := c.answerOnce(ctx, prompt, schemaJSON, validator)
		if err != nil {
			return nil, err
		}
		key := canonicalKey(answer)
		counts[key]++
		answers[key] = answer
		if counts[key] >= confirm {
			return answer, nil
		}
	}
	return nil, &orcherr.ErrNoConfirmation{Confirm: confirm, OutOf: outOf}
}

// answerOnce runs the ask/strip/parse/validate loop for a single answer,
// retrying up to defaultMaxAttempts times on parse or validation failure.
func (c *Chat) answerOnce(ctx context.Context, prompt string, schemaJSON []byte, validator *jsonschema.Schema) (map[string]any, error) {
	wrapper := buildWrapper(prompt, schemaJSON)
	var lastErr string

	for attempt := 0; attempt < defaultMaxAttempts; attempt++ {
		spanCtx, span := c.tracer.StartChatSpan(ctx, attempt)
		msg, err := c.backend.Ask(spanCtx, wrapper)
		span.End()
		if err != nil {
			return nil, fmt.Errorf("chatgw: ask: %w", err)
		}
		stripped := stripFence(msg.Content)

		var parsed map[string]any
		if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
			lastErr = err.Error()
			wrapper = "Your previous reply was not valid JSON. Reply with valid JSON only.\n\nError: " + lastErr
			continue
		}

		if validator != nil {
			if err := validator.Validate(toValidatable(parsed)); err != nil {
				lastErr = err.Error()
				wrapper = "Your previous reply did not match the required schema. Errors:\n" + lastErr +
					"\n\nReply again with strict JSON matching the schema."
				continue
			}
		}
		return parsed, nil
	}
	return nil, &orcherr.ErrInvalidResponse{Attempts: defaultMaxAttempts, LastError: lastErr}
}

// Refine runs Get `times` times, feeding the previous answer back into the
// prompt for self-critique on every call after the first, and returns the
// last answer.
func (c *Chat) Refine(ctx context.Context, prompt string, schemaJSON []byte, times int) (map[string]any, error) {
	if times <= 0 {
		times = 2
	}
	var last map[string]any
	for i := 0; i < times; i++ {
		p := prompt
		if i > 0 {
			prevJSON, _ := json.Marshal(last)
			p = fmt.Sprintf("Here is your previous answer:\n%s\n\nImprove it.\n\n%s", string(prevJSON), prompt)
		}
		answer, err := c.Get(ctx, p, schemaJSON, 1, 1)
		if err != nil {
			return nil, err
		}
		last = answer
	}
	return last, nil
}

func buildWrapper(prompt string, schemaJSON []byte) string {
	var b strings.Builder
	b.WriteString("Reply with strict JSON only. Do not include any text outside the JSON object.\n")
	if len(schemaJSON) > 0 {
		b.WriteString("\nThe JSON must validate against this schema:\n")
		b.Write(schemaJSON)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// stripFence removes exactly one leading ```json fence and one trailing
// ``` fence, if present. Deeper or alternate fences are intentionally left
// untouched — a narrower rule than most LLM-response extractors use.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, jsonFenceOpen) {
		t = strings.TrimPrefix(t, jsonFenceOpen)
		t = strings.TrimPrefix(t, "\n")
		t = strings.TrimSuffix(strings.TrimSpace(t), fenceClose)
		return strings.TrimSpace(t)
	}
	return t
}

func compileSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// toValidatable round-trips the parsed map through jsonschema.UnmarshalJSON
// so numbers stay json.Number (the validator's required number encoding),
// rather than the float64 encoding map[string]any scanning would give it.
func toValidatable(v map[string]any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return v
	}
	return doc
}

// canonicalKey hashes an answer for consensus counting. encoding/json
// sorts map keys on marshal, so two semantically identical answers
// produce the same key regardless of original key order.
func canonicalKey(m map[string]any) string {
	b, _ := json.Marshal(m)
	return string(b)
}

// ResultSchema wraps a caller's success schema in a oneOf with a generic
// failure shape, matching the gateway's "never silently degrade" contract:
// the model can answer an explicit inability-to-fulfill instead of
// fabricating a success payload.
func ResultSchema(successSchema json.RawMessage) json.RawMessage {
	env := map[string]any{
		"oneOf": []any{
			json.RawMessage(successSchema),
			map[string]any{
				"type":     "object",
				"required": []string{"unable_to_fulfill_request_error"},
				"properties": map[string]any{
					"unable_to_fulfill_request_error": map[string]any{"type": "string"},
				},
			},
		},
	}
	b, _ := json.Marshal(env)
	return b
}
