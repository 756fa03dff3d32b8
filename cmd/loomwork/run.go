package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/loomwork/internal/batch"
	"github.com/basket/loomwork/internal/chatgw"
	"github.com/basket/loomwork/internal/chatgw/genkitbackend"
	"github.com/basket/loomwork/internal/config"
	"github.com/basket/loomwork/internal/pipeline"
	"github.com/basket/loomwork/internal/session"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/telemetry"
	"github.com/basket/loomwork/internal/vcs"
	"github.com/basket/loomwork/internal/workspace"
)

// noteRecordDef is the one concrete record type the CLI ships a pipeline
// family for: a single-column question and the answer the family's only
// step fills in. config.yaml has no notation for describing a pipeline
// family in data, so the binary carries exactly one, the way a thin CLI
// wrapping a library of Go pipeline code has to.
func noteRecordDef() store.RecordDef {
	return store.RecordDef{
		Name:  "note",
		Table: "notes",
		Columns: []store.Column{
			{Name: "input", Type: store.TypeString, NotNull: true},
			{Name: "output", Type: store.TypeString},
		},
	}
}

// noteFamily answers one note's input with a single agent_step call. The
// step builds its own prompt payload directly from the record's attributes
// instead of going through an i18n catalog — Block is precedence case 1,
// the escape hatch agent_step documents for callers with no catalog file.
func noteFamily() *pipeline.Family {
	return &pipeline.Family{
		Name: "note",
		Steps: []pipeline.Step{
			pipeline.AgentStep("answer", nil, pipeline.AgentStepParams{
				Block: func(sc *pipeline.StepContext) (pipeline.AgentPromptPayload, error) {
					input, _ := sc.Record.Attributes()["input"].(string)
					prompt := fmt.Sprintf(
						"Reply as JSON with exactly one field, \"output\", containing your answer.\n\n%s",
						input,
					)
					return pipeline.AgentPromptPayload{Prompt: prompt}, nil
				},
			}),
		},
	}
}

func runRunCommand(ctx context.Context, args []string, quiet bool) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputText := fs.String("input-text", "", "the question to answer (required)")
	provider := fs.String("provider", "google", "chat backend provider: google, anthropic, openai, openai_compatible, openrouter")
	model := fs.String("model", "", "model name override")
	apiKey := fs.String("api-key", "", "API key override (falls back to the provider's env var)")
	fs.Parse(args)

	if *inputText == "" {
		fmt.Fprintln(os.Stderr, "run: -input-text is required")
		return 2
	}

	cfg, logger, closeLogger, err := loadCfgAndLogger(quiet)
	defer closeLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.NeedsGenesis {
		fmt.Fprintln(os.Stderr, "no config.yaml yet — write one before running")
		return 1
	}

	key := *apiKey
	if key == "" {
		key = apiKeyFromEnv(*provider)
	}

	tracer, err := telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
		return 1
	}
	defer tracer.Shutdown(ctx)

	batchCfg := batch.Config{
		StoreConfig: &batch.StoreConfig{
			Dir:        cfg.Store.Dir,
			DBFilename: cfg.Store.DBFilename,
			Versioned:  cfg.Store.Versioned,
			Defines:    []store.RecordDef{noteRecordDef()},
		},
		SessionConfig: &session.Config{
			Project:         cfg.Project,
			MaxSpendProject: cfg.MaxSpendProject,
			MaxSpendRun:     cfg.MaxSpendRun,
			Logger:          logger,
			Tracer:          tracer,
			ModelName:       *model,
			NewBackend: func() (chatgw.Backend, error) {
				return genkitbackend.New(ctx, genkitbackend.Config{
					Provider: *provider,
					Model:    *model,
					APIKey:   key,
				}), nil
			},
		},
		Families: map[string]*pipeline.Family{"note": noteFamily()},
	}
	if cfg.Repo != nil {
		batchCfg.Git = vcs.New(cfg.Repo.RootDir)
		batchCfg.Repo = &batch.RepoConfig{
			RootDir:         cfg.Repo.RootDir,
			BranchPrefix:    cfg.Repo.BranchPrefix,
			WorkingSubdir:   cfg.Repo.WorkingSubdir,
			InitialRevision: cfg.Repo.InitialRevision,
			Envs:            cfg.Repo.Envs,
		}
	} else {
		batchCfg.Workspaces = workspacesFromConfig(cfg)
	}

	b, err := batch.New(ctx, batchCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assemble batch: %v\n", err)
		return 1
	}
	defer b.Store().Close()

	var noteID int64
	if err := b.Store().Transaction(ctx, func(tx *store.Tx) error {
		h, err := tx.Record("note")
		if err != nil {
			return err
		}
		row, err := h.Create(ctx, map[string]any{"input": *inputText})
		if err != nil {
			return err
		}
		noteID = row.ID()
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "create note: %v\n", err)
		return 1
	}

	if _, err := b.AddTask(ctx, "note", noteID); err != nil {
		fmt.Fprintf(os.Stderr, "add task: %v\n", err)
		return 1
	}

	if err := b.Call(ctx, nil); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	report, err := b.Report(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		return 1
	}
	fmt.Println(report)
	return 0
}

func workspacesFromConfig(cfg config.Config) []workspace.Workspace {
	out := make([]workspace.Workspace, len(cfg.Workspaces))
	for i, ws := range cfg.Workspaces {
		out[i] = workspace.Workspace{ID: int64(i + 1), Dir: ws.Dir, Env: ws.Env}
	}
	return out
}

func apiKeyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		return os.Getenv("GEMINI_API_KEY")
	}
}
