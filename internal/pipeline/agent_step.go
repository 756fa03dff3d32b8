package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/basket/loomwork/internal/i18n"
	"github.com/basket/loomwork/internal/session"
)

// AgentPromptPayload is the resolved shape of one chat invocation: what
// gets sent to session.Prompt once precedence has been applied.
type AgentPromptPayload struct {
	Prompt   string
	Tools    []session.Tool
	ToolArgs map[string]any
	Schema   json.RawMessage
}

// AgentStepParams configures one agent_step's parameter resolution.
//
// Prompt caching (the source's cached_prompts key) has no home here: the
// chat backend boundary (Ask, WithTools, the observer hooks, ID,
// Messages) never exposes cache control, so there is nothing for a
// resolved cached-prompt list to be handed to. It is treated as out of
// scope along with the rest of the concrete transport.
type AgentStepParams struct {
	// Block takes full control of payload construction, bypassing i18n
	// entirely. This is precedence case 1.
	Block func(sc *StepContext) (AgentPromptPayload, error)

	// The remaining fields are per-parameter overrides (precedence case
	// 3). Leaving all of them unset derives every value from i18n under
	// the step's own name (precedence case 2) — the two cases share one
	// code path here, since case 2 is exactly case 3 with no overrides.
	PromptKey string // overrides "<name>.prompt"
	Prompt    string // literal prompt text; wins over PromptKey
	Tools     []session.Tool
	ToolArgs  map[string]any
	SchemaKey string          // overrides "<name>.response_schema"
	Schema    json.RawMessage // literal schema; wins over SchemaKey
}

// AgentStep builds a step whose body resolves its prompt payload, calls
// the session's chat gateway, appends the chat id to the task, and
// updates the bound record on success.
func AgentStep(name string, catalog *i18n.Catalog, params AgentStepParams) Step {
	return Step{
		Name: name,
		Body: func(sc *StepContext) error {
			return runAgentPrompt(sc, name, catalog, params, nil)
		},
	}
}

// runAgentPrompt resolves params and invokes session.Prompt, appending
// the resulting chat id and either updating the bound record (success)
// or failing the task (ordinary gateway error). extraAttrs is merged
// into the i18n attribute set on top of the record's own attributes —
// agent_review_loop uses it to inject "feedback" and "diff".
func runAgentPrompt(sc *StepContext, name string, catalog *i18n.Catalog, params AgentStepParams, extraAttrs map[string]any) error {
	payload, err := resolvePayload(sc, name, catalog, params, extraAttrs)
	if err != nil {
		return err
	}

	var chatID string
	resp, err := sc.Session.Prompt(sc.Context(), session.PromptInput{
		Prompt:        payload.Prompt,
		Schema:        payload.Schema,
		Tools:         payload.Tools,
		ToolArgs:      payload.ToolArgs,
		OnChatCreated: func(id string) { chatID = id },
	})
	if err != nil {
		return err
	}
	if chatID != "" {
		if err := sc.AppendChatID(chatID); err != nil {
			return err
		}
	}
	if !resp.Success {
		return sc.Fail(resp.ErrMessage)
	}
	if sc.Record == nil {
		return nil
	}
	return sc.Record.Update(sc.Context(), sc.Tx, resp.Data)
}

func resolvePayload(sc *StepContext, name string, catalog *i18n.Catalog, params AgentStepParams, extraAttrs map[string]any) (AgentPromptPayload, error) {
	if params.Block != nil {
		return params.Block(sc)
	}

	attrs := map[string]any{}
	if sc.Record != nil {
		for k, v := range sc.Record.Attributes() {
			attrs[k] = v
		}
	}
	for k, v := range extraAttrs {
		attrs[k] = v
	}

	var payload AgentPromptPayload

	if params.Prompt != "" {
		payload.Prompt = params.Prompt
	} else {
		key := params.PromptKey
		if key == "" {
			key = i18n.Key(name, "prompt")
		}
		prompt, err := catalog.T(key, attrs)
		if err != nil {
			return payload, err
		}
		payload.Prompt = prompt
	}

	payload.Tools = params.Tools
	if payload.Tools == nil {
		if raw, ok := catalog.Raw(i18n.Key(name, "tools")); ok {
			payload.Tools = toToolList(raw)
		}
	}
	payload.ToolArgs = params.ToolArgs

	if params.Schema != nil {
		payload.Schema = params.Schema
	} else {
		key := params.SchemaKey
		if key == "" {
			key = i18n.Key(name, "response_schema")
		}
		if raw, ok := catalog.Raw(key); ok {
			b, err := json.Marshal(raw)
			if err != nil {
				return payload, fmt.Errorf("agent_step %q: marshal response_schema: %w", name, err)
			}
			payload.Schema = b
		}
	}
	return payload, nil
}

func toToolList(raw any) []session.Tool {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]session.Tool, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	return out
}
