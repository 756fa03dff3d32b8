// Package session aggregates the store handle, LLM transport, cost
// oracle, spend limits, and tool registry that every pipeline run shares.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/loomwork/internal/chatgw"
	"github.com/basket/loomwork/internal/chatlog"
	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/telemetry"
)

// CostOracle answers the running cost for a project and a single run. The
// core never computes prices itself — pricing tables are an external
// collaborator.
type CostOracle func(project, runID string) (projectTotal, runTotal float64)

// Tool is any of: a tool name (string), a tool factory, or a pre-built
// instance. Resolve walks all three forms to a concrete value.
type Tool any

// ToolFactory builds a tool instance given merged arguments, injecting
// workspace_dir when the caller didn't supply one.
type ToolFactory func(args map[string]any) (any, error)

// Config is the session's immutable configuration.
type Config struct {
	Project         string
	RunID           string
	WorkspaceDir    string
	MaxSpendProject float64
	MaxSpendRun     float64
	Logger          *slog.Logger
	Cost            CostOracle
	BuiltinTools    map[string]ToolFactory
	ExtraTools      map[string]Tool

	// ModelName identifies the model NewBackend talks to, for the chat
	// audit trail's model row. It is independent of the chatgw.Backend
	// boundary, which has no accessor for this — purely a label the
	// caller already knows from building NewBackend.
	ModelName string

	// Tracer spans every chat gateway round trip when set. Nil leaves
	// Prompt untraced.
	Tracer *telemetry.Tracer

	// NewBackend builds the default chat transport for every Prompt call
	// that doesn't supply its own. Pipeline steps never construct a
	// backend themselves; they all go through this one factory.
	NewBackend func() (chatgw.Backend, error)
}

// Session is the long-lived object a Batch constructs once and every
// pipeline invocation shares.
type Session struct {
	cfg   Config
	store *store.Store
}

func New(cfg Config, st *store.Store) *Session {
	if cfg.RunID == "" {
		cfg.RunID = fmt.Sprintf("%d", time.Now().Unix())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg, store: st}
}

func (s *Session) Store() *store.Store       { return s.store }
func (s *Session) Logger() *slog.Logger      { return s.cfg.Logger }
func (s *Session) Tracer() *telemetry.Tracer { return s.cfg.Tracer }

// Cost reports the current project and run totals from the configured
// cost oracle, for callers like Batch's report that need the number
// without triggering a spend check. Both are zero if no oracle is set.
func (s *Session) Cost() (projectTotal, runTotal float64) {
	if s.cfg.Cost == nil {
		return 0, 0
	}
	return s.cfg.Cost(s.cfg.Project, s.cfg.RunID)
}

// Resolve looks up a tool by name, factory, or pre-built instance, merging
// tool_args and injecting workspaceDir when the caller's args omit it.
// Unknown names fail with a configuration error listing the registry.
func (s *Session) Resolve(tool Tool, toolArgs map[string]any, workspaceDir string) (any, error) {
	switch v := tool.(type) {
	case string:
		if factory, ok := s.cfg.BuiltinTools[v]; ok {
			return instantiate(factory, toolArgs, workspaceDir)
		}
		if extra, ok := s.cfg.ExtraTools[v]; ok {
			return s.Resolve(extra, toolArgs, workspaceDir)
		}
		return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("unknown tool %q (known: %s)", v, s.knownToolNames())}
	case ToolFactory:
		return instantiate(v, toolArgs, workspaceDir)
	default:
		return v, nil
	}
}

func instantiate(factory ToolFactory, toolArgs map[string]any, workspaceDir string) (any, error) {
	merged := make(map[string]any, len(toolArgs)+1)
	for k, v := range toolArgs {
		merged[k] = v
	}
	if _, ok := merged["workspace_dir"]; !ok && workspaceDir != "" {
		merged["workspace_dir"] = workspaceDir
	}
	return factory(merged)
}

func (s *Session) knownToolNames() string {
	names := make([]string, 0, len(s.cfg.BuiltinTools)+len(s.cfg.ExtraTools))
	for n := range s.cfg.BuiltinTools {
		names = append(names, n)
	}
	for n := range s.cfg.ExtraTools {
		names = append(names, n)
	}
	return fmt.Sprintf("%v", names)
}

// ChatResponse is the sum type the gateway's result envelope collapses
// into: either a successful data payload or an error message, never both.
type ChatResponse struct {
	Success    bool
	Data       map[string]any
	ErrClass   string
	ErrMessage string
}

// PromptInput bundles prompt's arguments.
type PromptInput struct {
	Prompt        string
	Schema        json.RawMessage // caller's success schema, nil if none
	Tools         []Tool
	ToolArgs      map[string]any
	OnChatCreated func(chatID string)

	// NewBackend overrides the session-level default for this call only.
	// Leave nil to use Config.NewBackend.
	NewBackend func() (chatgw.Backend, error)
}

// Prompt creates a chat, invokes OnChatCreated with the new id, calls
// Get with ResultSchema(schema), and wraps the outcome in a ChatResponse.
// Any error from the backend or validator is captured as an error
// response rather than propagated — except AbortCostExceeded, raised by
// the end-of-message spend check on every completed model turn, which
// always propagates unwrapped so the pipeline's generic rescue cannot
// swallow it.
func (s *Session) Prompt(ctx context.Context, in PromptInput) (ChatResponse, error) {
	newBackend := in.NewBackend
	if newBackend == nil {
		newBackend = s.cfg.NewBackend
	}
	if newBackend == nil {
		return ChatResponse{}, &orcherr.ErrConfiguration{Reason: "session: no chat backend configured"}
	}
	backend, err := newBackend()
	if err != nil {
		return ChatResponse{}, fmt.Errorf("session: new backend: %w", err)
	}
	if len(in.Tools) > 0 {
		resolved := make([]any, 0, len(in.Tools))
		for _, t := range in.Tools {
			r, err := s.Resolve(t, in.ToolArgs, s.cfg.WorkspaceDir)
			if err != nil {
				return ChatResponse{}, err
			}
			resolved = append(resolved, r)
		}
		backend = backend.WithTools(resolved)
	}

	// promptCtx is cancelled the moment an end-of-message spend check trips,
	// so the next retry's backend.Ask call aborts quickly instead of
	// running another full billable attempt. spendErr, once set, takes
	// precedence over whatever chat.Get itself returns: real spend was
	// already incurred even if the eventual outcome is an ordinary parse
	// or validation failure.
	promptCtx := ctx
	var spendErr error
	cancel := context.CancelFunc(func() {})
	if s.cfg.Cost != nil {
		promptCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}
	onEndMessage := func(chatgw.Message) {
		if s.cfg.Cost == nil {
			return
		}
		if err := s.checkSpend(); err != nil {
			spendErr = err
			cancel()
		}
	}

	if s.store != nil {
		rec, err := chatlog.NewRecorder(ctx, s.store, s.cfg.Logger, s.cfg.Project, s.cfg.RunID, s.cfg.ModelName)
		if err != nil {
			s.cfg.Logger.Error("session: open chat audit recorder", "error", err)
		} else {
			rec.Attach(ctx, backend, onEndMessage)
		}
	} else if s.cfg.Cost != nil {
		backend.OnEndMessage(onEndMessage)
	}

	chat := chatgw.New(backend).WithTracer(s.cfg.Tracer)
	if in.OnChatCreated != nil {
		in.OnChatCreated(chat.ID())
	}

	var envelope json.RawMessage
	if in.Schema != nil {
		envelope = chatgw.ResultSchema(in.Schema)
	}

	data, err := chat.Get(promptCtx, in.Prompt, envelope, 1, 1)
	// spendErr, set by onEndMessage, takes precedence over whatever Get
	// itself returned: a cancelled promptCtx surfaces here as an ordinary
	// wrapped context.Canceled from chat.Get, not as AbortCostExceeded, so
	// it must be checked before err is classified.
	if spendErr != nil {
		return ChatResponse{}, spendErr
	}
	if err != nil {
		return ChatResponse{
			Success:    false,
			ErrClass:   fmt.Sprintf("%T", err),
			ErrMessage: err.Error(),
		}, nil
	}
	if msg, ok := data["unable_to_fulfill_request_error"]; ok {
		return ChatResponse{Success: false, ErrMessage: fmt.Sprintf("%v", msg)}, nil
	}

	return ChatResponse{Success: true, Data: data}, nil
}

// checkSpend is the end-of-message spend-gating hook: it consults the cost
// oracle and, if either limit is exceeded, raises AbortCostExceeded. This
// runs after every successful model completion, not just at prompt entry,
// so a single multi-call agent_step cannot blow through the budget
// between its own retries.
func (s *Session) checkSpend() error {
	projectTotal, runTotal := s.cfg.Cost(s.cfg.Project, s.cfg.RunID)
	if s.cfg.MaxSpendProject > 0 && projectTotal >= s.cfg.MaxSpendProject {
		return &orcherr.AbortCostExceeded{CostType: "project", CurrentCost: projectTotal, Threshold: s.cfg.MaxSpendProject}
	}
	if s.cfg.MaxSpendRun > 0 && runTotal >= s.cfg.MaxSpendRun {
		return &orcherr.AbortCostExceeded{CostType: "run", CurrentCost: runTotal, Threshold: s.cfg.MaxSpendRun}
	}
	return nil
}
