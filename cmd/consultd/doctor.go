package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	return doctorCommand(ctx, args, os.Stdout, os.Stderr, doctor.Options{})
}

func doctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer, opts doctor.Options) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		case "-offline", "--offline":
			opts.SkipNetwork = true
		default:
			fmt.Fprintln(stderr, "usage: consultd doctor [-json] [-offline]")
			return 2
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		// Keep going with a nil config; every check reports why it skipped.
		fmt.Fprintf(stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version, opts)
	exit := 0
	if diag.Failed() {
		exit = 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "encode json: %v\n", err)
			return 1
		}
		return exit
	}

	fmt.Fprintf(stdout, "consultd doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(stdout, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(stdout, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "       %s\n", res.Detail)
		}
	}
	return exit
}
