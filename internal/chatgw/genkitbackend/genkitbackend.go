// Package genkitbackend adapts github.com/firebase/genkit/go into a
// concrete chatgw.Backend: one genkit.Genkit per provider, built from a
// provider/model/API key triple.
package genkitbackend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"

	"github.com/basket/loomwork/internal/chatgw"
)

// Config selects the provider, model, and credentials for one backend
// instance.
type Config struct {
	Provider string // "google", "anthropic", "openai", "openai_compatible", "openrouter"
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	System string
}

// Backend adapts one genkit.Genkit instance, configured for a single
// provider, into a chatgw.Backend. Each call constructs its own Backend
// — session.Config.NewBackend is the factory a caller supplies.
type Backend struct {
	g         *genkit.Genkit
	modelName string
	system    string
	id        string

	tools []ai.ToolRef

	mu       sync.Mutex
	messages []chatgw.Message

	onNewMessage func(chatgw.Message)
	onEndMessage func(chatgw.Message)
	onToolCall   func(name string, args map[string]any)
	onToolResult func(name string, result any)
}

// New initializes genkit with the configured provider's plugin. An unset
// or unreachable API key falls back to an LLM-off genkit instance rather
// than erroring, so a misconfigured backend degrades instead of
// panicking the pipeline.
func New(ctx context.Context, cfg Config) *Backend {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
	}

	modelName := modelNameForProvider(provider, model)
	if !llmOn {
		modelName = ""
	}

	return &Backend{
		g:         g,
		modelName: modelName,
		system:    cfg.System,
		id:        uuid.NewString(),
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "openrouter/auto"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "google":
		return "googleai/" + model
	default:
		return model
	}
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) Messages() []chatgw.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]chatgw.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// WithTools binds tool refs for the next Ask call. tools must be
// []ai.ToolRef — genkit's own tool handle type, produced by
// genkit.DefineTool.
func (b *Backend) WithTools(tools []any) chatgw.Backend {
	refs := make([]ai.ToolRef, 0, len(tools))
	for _, t := range tools {
		if ref, ok := t.(ai.ToolRef); ok {
			refs = append(refs, ref)
		}
	}
	b.tools = refs
	return b
}

func (b *Backend) OnNewMessage(fn func(chatgw.Message))                { b.onNewMessage = fn }
func (b *Backend) OnEndMessage(fn func(chatgw.Message))                { b.onEndMessage = fn }
func (b *Backend) OnToolCall(fn func(name string, args map[string]any)) { b.onToolCall = fn }
func (b *Backend) OnToolResult(fn func(name string, result any))       { b.onToolResult = fn }

// Ask sends prompt as a new user turn, appends it and the assistant's
// reply to the running transcript, and fires the new/end message hooks
// around the exchange. Tool-call/tool-result hooks are registered for
// forward compatibility with a genkit version that exposes per-call tool
// introspection; genkit.Generate's public API resolves tool turns
// internally (ai.WithMaxTurns), so this adapter cannot observe individual
// tool invocations today and never fires OnToolCall/OnToolResult itself.
func (b *Backend) Ask(ctx context.Context, prompt string) (chatgw.Message, error) {
	userMsg := chatgw.Message{Role: "user", Content: prompt}
	b.recordMessage(userMsg)
	if b.onNewMessage != nil {
		b.onNewMessage(userMsg)
	}

	if b.modelName == "" {
		reply := chatgw.Message{Role: "assistant", Content: "I can answer with full LLM reasoning after an API key is configured."}
		b.recordMessage(reply)
		if b.onEndMessage != nil {
			b.onEndMessage(reply)
		}
		return reply, nil
	}

	opts := []ai.GenerateOption{ai.WithModelName(b.modelName), ai.WithPrompt(prompt)}
	if b.system != "" {
		opts = append(opts, ai.WithSystem(b.system))
	}
	if history := b.history(); len(history) > 0 {
		opts = append(opts, ai.WithMessages(history...))
	}
	if len(b.tools) > 0 {
		opts = append(opts, ai.WithTools(b.tools...), ai.WithMaxTurns(3))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return chatgw.Message{}, fmt.Errorf("genkitbackend: generate: %w", err)
	}

	reply := chatgw.Message{Role: "assistant", Content: resp.Text()}
	if resp.Usage != nil {
		reply.InputTokens = resp.Usage.InputTokens
		reply.OutputTokens = resp.Usage.OutputTokens
	}
	b.recordMessage(reply)
	if b.onEndMessage != nil {
		b.onEndMessage(reply)
	}
	return reply, nil
}

func (b *Backend) recordMessage(m chatgw.Message) {
	b.mu.Lock()
	b.messages = append(b.messages, m)
	b.mu.Unlock()
}

func (b *Backend) history() []*ai.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	// The most recent message is the prompt just appended by Ask; genkit
	// takes it via ai.WithPrompt, so history excludes it.
	if len(b.messages) <= 1 {
		return nil
	}
	out := make([]*ai.Message, 0, len(b.messages)-1)
	for _, m := range b.messages[:len(b.messages)-1] {
		switch m.Role {
		case "user":
			out = append(out, ai.NewUserTextMessage(m.Content))
		case "assistant":
			out = append(out, ai.NewModelTextMessage(m.Content))
		}
	}
	return out
}
