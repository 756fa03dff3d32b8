// Package doctor runs startup diagnostics against a loomwork config:
// config validity, store reachability, workspace directory health, the
// git binary, and home directory permissions.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/loomwork/internal/config"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/workspace"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkStore,
		checkWorkspaces,
		checkPermissions,
		checkGit,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

// checkStore opens the configured store and confirms its built-in tables
// are reachable, then closes it — Open alone already runs any pending
// migrations, so a clean Open/Close is sufficient evidence the schema is
// current.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "config missing"}
	}

	st, err := store.NewBuilder(cfg.Store.Dir, cfg.Store.DBFilename).
		Versioned(cfg.Store.Versioned).
		Define(task.Def()).
		Define(workspace.Def()).
		Open(ctx)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer st.Close()

	if _, err := task.All(ctx, st); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}

	return CheckResult{Name: "Store", Status: "PASS", Message: fmt.Sprintf("%s/%s reachable", cfg.Store.Dir, cfg.Store.DBFilename)}
}

// checkWorkspaces confirms every configured workspace directory exists
// and is a directory, since a pending task bound to a missing workspace
// would fail the moment a pipeline step tries to touch its files.
func checkWorkspaces(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Workspaces", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Repo != nil {
		return CheckResult{Name: "Workspaces", Status: "PASS", Message: fmt.Sprintf("repo-provisioned from %s (%d envs)", cfg.Repo.RootDir, len(cfg.Repo.Envs))}
	}
	if len(cfg.Workspaces) == 0 {
		return CheckResult{Name: "Workspaces", Status: "WARN", Message: "no workspaces configured"}
	}

	var missing []string
	for _, ws := range cfg.Workspaces {
		info, err := os.Stat(ws.Dir)
		if err != nil || !info.IsDir() {
			missing = append(missing, ws.Dir)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Workspaces",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d workspace directories missing", len(missing), len(cfg.Workspaces)),
			Detail:  fmt.Sprintf("%v", missing),
		}
	}
	return CheckResult{Name: "Workspaces", Status: "PASS", Message: fmt.Sprintf("%d workspace directories present", len(cfg.Workspaces))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

// checkGit confirms the git binary is on PATH, required whenever Repo is
// configured to provision worktrees.
func checkGit(ctx context.Context, cfg *config.Config) CheckResult {
	if _, err := exec.LookPath("git"); err != nil {
		status := "WARN"
		if cfg != nil && cfg.Repo != nil {
			status = "FAIL"
		}
		return CheckResult{Name: "Git", Status: status, Message: "git binary not found on PATH"}
	}
	return CheckResult{Name: "Git", Status: "PASS", Message: "git binary available"}
}
