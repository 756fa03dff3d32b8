// Command loomwork is the thin CLI front end over the engine packages:
// load config, open the store, and dispatch to one of a handful of
// subcommands. There is no daemon and no TUI — every invocation does its
// work and exits, the way a batch tool should.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/loomwork/internal/config"
	"github.com/basket/loomwork/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s status                  Show task and workspace counts
  %s doctor [-json]          Run startup diagnostics
  %s migrate                 Open the store, applying any pending schema
  %s run -input <text>       Add a note task and drain every workspace once

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LOOMWORK_HOME              Data directory (default: ~/.loomwork)
  LOOMWORK_LOG_LEVEL         Overrides config.yaml's log_level
  LOOMWORK_MAX_SPEND_PROJECT Overrides config.yaml's max_spend_project
  LOOMWORK_MAX_SPEND_RUN     Overrides config.yaml's max_spend_run
`)
}

func main() {
	loadDotEnv(".env")

	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:], quiet))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:], quiet))
	case "migrate":
		os.Exit(runMigrateCommand(ctx, args[1:], quiet))
	case "run":
		os.Exit(runRunCommand(ctx, args[1:], quiet))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// loadCfgAndLogger is the startup sequence every subcommand shares: load
// config.yaml, then wire the JSON logger against it.
func loadCfgAndLogger(quiet bool) (config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, func() {}, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet || cfg.Quiet)
	if err != nil {
		return cfg, nil, func() {}, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, func() { _ = closer.Close() }, nil
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
