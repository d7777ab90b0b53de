package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clauditor/clauditor/internal/digest"
)

func newDigestCmd() *cobra.Command {
	var logPath, keyPath, format, since, until string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Replay a journal and report on what it contains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(logPath, keyPath, format, since, until, verbose)
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "path to the journal file (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the HMAC key file; enables chain verification")
	cmd.Flags().StringVar(&format, "format", "markdown", "report format: markdown or json")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp; excludes earlier alerts from the report")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 timestamp; excludes later alerts from the report")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print the full report even when clean")
	cmd.MarkFlagRequired("log")
	return cmd
}

// runDigest implements the exit-code rule directly: a clean, non-verbose
// run prints one line and exits 0; anything dirty, or --verbose, prints
// the full rendered report and exits 1 when dirty, 0 otherwise.
func runDigest(logPath, keyPath, format, since, until string, verbose bool) error {
	opts := digest.Options{LogPath: logPath}

	if keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		opts.Key = key
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		opts.Since = &t
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
		opts.Until = &t
	}

	report, err := digest.Replay(opts)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	if !verbose && !report.Dirty() {
		fmt.Println("clean")
		os.Exit(report.ExitCode())
	}

	var rendered string
	switch format {
	case "json":
		data, err := digest.RenderJSON(report)
		if err != nil {
			return err
		}
		rendered = string(data)
	case "markdown", "":
		rendered, err = digest.RenderMarkdown(report)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown --format %q, want markdown or json", format)
	}

	fmt.Println(rendered)
	os.Exit(report.ExitCode())
	return nil
}
