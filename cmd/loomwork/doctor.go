package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/loomwork/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, quiet bool) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit JSON output")
	fs.Parse(args)

	cfg, _, closeLogger, err := loadCfgAndLogger(quiet)
	defer closeLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	diagnosis := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diagnosis); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return exitCodeFor(diagnosis)
	}

	fmt.Printf("loomwork %s (%s/%s, %s)\n", diagnosis.System.Version, diagnosis.System.OS, diagnosis.System.Arch, diagnosis.System.Go)
	for _, r := range diagnosis.Results {
		fmt.Printf("%s %-12s %s\n", icon(r.Status), r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("   %s\n", r.Detail)
		}
	}
	return exitCodeFor(diagnosis)
}

func icon(status string) string {
	switch status {
	case "PASS":
		return "[ok]"
	case "WARN":
		return "[warn]"
	case "SKIP":
		return "[skip]"
	default:
		return "[fail]"
	}
}

func exitCodeFor(d doctor.Diagnosis) int {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
