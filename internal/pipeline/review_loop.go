package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/basket/loomwork/internal/bus"
	"github.com/basket/loomwork/internal/i18n"
	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/session"
)

// AgentInvocation is one implement/iterate/review entry in a review
// loop's declaration: its own i18n namespace (Name) plus the same
// per-parameter overrides an ordinary agent_step accepts.
type AgentInvocation struct {
	Name   string
	Params AgentStepParams
}

// ReviewLoopConfig declares one agent_review_loop. Iterate defaults to
// Implement when left empty, matching the source's iterate=implement
// default argument.
type ReviewLoopConfig struct {
	MaxTries  int
	Implement []AgentInvocation
	Iterate   []AgentInvocation
	Review    []AgentInvocation
}

var reviewResultSchema = json.RawMessage(`{"type":"object","properties":{"approved":{"type":"boolean"},"feedback":{"type":"string"}},"required":["approved","feedback"]}`)

// AgentReviewLoop builds the compound step described by the design: cycle
// implement (first try) or iterate (subsequent tries) against review,
// joining each round's rejection feedback into the next round's prompts,
// until every reviewer approves or max_tries is exhausted.
func AgentReviewLoop(name string, catalog *i18n.Catalog, cfg ReviewLoopConfig) Step {
	return Step{
		Name: name,
		Body: func(sc *StepContext) error {
			if len(cfg.Implement) == 0 && len(cfg.Iterate) == 0 {
				return &orcherr.ErrConfiguration{Reason: "agent_review_loop " + name + ": implement and iterate are both empty"}
			}
			iterate := cfg.Iterate
			if len(iterate) == 0 {
				iterate = cfg.Implement
			}
			maxTries := cfg.MaxTries
			if maxTries <= 0 {
				maxTries = 1
			}

			var feedbacks []string
			passed := false
			for tries := 0; tries < maxTries && !passed && !sc.Task.Failed(); tries++ {
				prompts := cfg.Implement
				if tries > 0 {
					prompts = iterate
				}
				extra := map[string]any{"feedback": strings.Join(feedbacks, "\n---\n")}
				for _, p := range prompts {
					if err := runAgentPrompt(sc, p.Name, catalog, p.Params, extra); err != nil {
						return err
					}
					if sc.Task.Failed() {
						break
					}
				}
				if sc.Task.Failed() {
					break
				}

				feedbacks = nil
				diff := ""
				if sc.Git != nil {
					d, err := sc.Git.Diff(sc.Context(), sc.Workspace.Dir)
					if err != nil {
						return err
					}
					diff = d
				}
				for _, r := range cfg.Review {
					approved, feedback, err := runReviewPrompt(sc, r.Name, catalog, r.Params, diff)
					if err != nil {
						return err
					}
					if sc.Task.Failed() {
						break
					}
					if !approved {
						feedbacks = append(feedbacks, feedback)
					}
				}
				if sc.Task.Failed() {
					break
				}
				if sc.Record != nil && sc.Record.AddReview != nil {
					if err := sc.Record.AddReview(sc.Context(), sc.Tx, diff, feedbacks); err != nil {
						return err
					}
				}
				passed = len(feedbacks) == 0
				if b := sc.Tx.Store().Bus(); b != nil {
					b.Publish(bus.TopicReviewRoundFinished, bus.ReviewRoundFinishedEvent{
						TaskID:   sc.Task.ID(),
						Step:     name,
						Round:    tries,
						Approved: passed,
					})
				}
			}
			return nil
		},
	}
}

// runReviewPrompt resolves r's payload under the fixed {approved,
// feedback} schema and reports the reviewer's verdict. A gateway failure
// fails the task, same as an ordinary agent_step, rather than returning a
// Go error.
func runReviewPrompt(sc *StepContext, name string, catalog *i18n.Catalog, params AgentStepParams, diff string) (approved bool, feedback string, err error) {
	payload, err := resolvePayload(sc, name, catalog, params, map[string]any{"diff": diff})
	if err != nil {
		return false, "", err
	}
	payload.Schema = reviewResultSchema

	var chatID string
	resp, err := sc.Session.Prompt(sc.Context(), session.PromptInput{
		Prompt:        payload.Prompt,
		Schema:        payload.Schema,
		Tools:         payload.Tools,
		ToolArgs:      payload.ToolArgs,
		OnChatCreated: func(id string) { chatID = id },
	})
	if err != nil {
		return false, "", err
	}
	if chatID != "" {
		if err := sc.AppendChatID(chatID); err != nil {
			return false, "", err
		}
	}
	if !resp.Success {
		return false, "", sc.Fail(resp.ErrMessage)
	}
	approved, _ = resp.Data["approved"].(bool)
	feedback, _ = resp.Data["feedback"].(string)
	return approved, feedback, nil
}
