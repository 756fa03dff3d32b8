// Package config loads the YAML file that describes a loomwork session:
// where the store lives, which workspaces or worktrees to run against,
// spend limits, and any recurring schedules.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/loomwork/internal/telemetry"
)

// StoreConfig describes where the versioned record store lives.
type StoreConfig struct {
	Dir        string `yaml:"dir"`
	DBFilename string `yaml:"db_filename"`
	Versioned  bool   `yaml:"versioned"`
}

// WorkspaceEntry is one plain, pre-existing working directory.
type WorkspaceEntry struct {
	Dir string            `yaml:"dir"`
	Env map[string]string `yaml:"env"`
}

// RepoConfig provisions one git worktree per entry in Envs, exclusive
// with a non-empty Workspaces list.
type RepoConfig struct {
	RootDir         string              `yaml:"root_dir"`
	BranchPrefix    string              `yaml:"branch_prefix"`
	WorkingSubdir   string              `yaml:"working_subdir"`
	InitialRevision string              `yaml:"initial_revision"`
	Envs            []map[string]string `yaml:"envs"`
}

// ScheduleEntry registers one recurring add_task call via internal/batch's
// optional cron wrapper.
type ScheduleEntry struct {
	Cron       string `yaml:"cron"`
	RecordType string `yaml:"record_type"`
	RecordID   int64  `yaml:"record_id"`
}

// Config is the session's on-disk configuration. Fields tagged yaml:"-"
// are filled in by Load from the environment, not from config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	Project         string  `yaml:"project"`
	MaxSpendProject float64 `yaml:"max_spend_project"`
	MaxSpendRun     float64 `yaml:"max_spend_run"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Store      StoreConfig      `yaml:"store"`
	Workspaces []WorkspaceEntry `yaml:"workspaces"`
	Repo       *RepoConfig      `yaml:"repo"`
	Schedules  []ScheduleEntry  `yaml:"schedules"`

	Tracing telemetry.TraceConfig `yaml:"tracing"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the loomwork home directory: LOOMWORK_HOME if set,
// otherwise ~/.loomwork.
func HomeDir() string {
	if override := os.Getenv("LOOMWORK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loomwork")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			DBFilename: "loomwork.sqlite3",
			Versioned:  true,
		},
	}
}

// Load reads config.yaml from the home directory, applies environment
// overrides, fills in defaults, and validates the mutually-exclusive
// workspace sources. A missing config.yaml is not an error — NeedsGenesis
// is set instead, matching a fresh loomwork home.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	cfg.Store.Dir = cfg.HomeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create loomwork home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = cfg.HomeDir
	}
	if cfg.Store.DBFilename == "" {
		cfg.Store.DBFilename = "loomwork.sqlite3"
	}
}

// validate rejects a config naming both or neither workspace source, the
// same mutually-exclusive rule internal/batch.Config enforces at
// assembly time — catching it here means a caller gets the error before
// ever opening the store.
func validate(cfg *Config) error {
	if len(cfg.Workspaces) > 0 && cfg.Repo != nil {
		return fmt.Errorf("config.yaml: workspaces and repo are mutually exclusive")
	}
	if len(cfg.Workspaces) == 0 && cfg.Repo == nil && !cfg.NeedsGenesis {
		return fmt.Errorf("config.yaml: one of workspaces or repo is required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LOOMWORK_PROJECT"); raw != "" {
		cfg.Project = raw
	}
	if raw := os.Getenv("LOOMWORK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LOOMWORK_STORE_DIR"); raw != "" {
		cfg.Store.Dir = raw
	}
	if raw := os.Getenv("LOOMWORK_MAX_SPEND_PROJECT"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.MaxSpendProject = v
		}
	}
	if raw := os.Getenv("LOOMWORK_MAX_SPEND_RUN"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.MaxSpendRun = v
		}
	}
	if raw := os.Getenv("LOOMWORK_QUIET"); raw != "" {
		cfg.Quiet = strings.EqualFold(raw, "true") || raw == "1"
	}
}

// Fingerprint returns a stable hash of the effective config, useful for a
// doctor command to report whether a running process's config matches
// what's on disk.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "project=%s|log=%s|store=%s/%s|versioned=%v|workspaces=%d|repo=%v",
		c.Project, c.LogLevel, c.Store.Dir, c.Store.DBFilename, c.Store.Versioned, len(c.Workspaces), c.Repo != nil)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
