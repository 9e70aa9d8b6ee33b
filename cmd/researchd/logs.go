package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/detector"
	"github.com/spf13/cobra"
)

type logsOptions struct {
	file       string
	tail       int
	grep       string
	detailed   bool
	asJSON     bool
	threshold  int
	maxErrors  int
	researchID string
}

func logsCMD(cfgPath *string) *cobra.Command {
	var o logsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the API request audit log",
		Long: "Prints a summary of the audit log by default. --tail and --grep print matching records instead;\n" +
			"--summary adds the request-type breakdown and the first errors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.file == "" || o.threshold == 0 {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				if o.file == "" {
					o.file = cfg.Audit.LogFile
				}
				if o.threshold == 0 {
					o.threshold = cfg.Detector.IterationThreshold
				}
				o.maxErrors = cfg.Detector.MaxErrors
			}
			return runLogs(cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.file, "file", "", "audit log file (default audit.log_file)")
	f.IntVar(&o.tail, "tail", 0, "print the last N records")
	f.StringVar(&o.grep, "grep", "", "print records containing PATTERN (case-insensitive)")
	f.BoolVar(&o.detailed, "summary", false, "detailed summary with request types and first errors")
	f.BoolVar(&o.asJSON, "json", false, "emit JSON instead of text")
	f.IntVar(&o.threshold, "threshold", 0, "agent iteration count that signals a loop (default detector.iteration_threshold)")
	f.StringVar(&o.researchID, "research-id", "", "only consider records of this research task")
	return cmd
}

func runLogs(w io.Writer, o logsOptions) error {
	var (
		events []audit.Event
		err    error
	)
	switch {
	case o.grep != "":
		events, err = audit.Grep(o.file, o.grep)
	default:
		events, err = audit.ReadFile(o.file)
	}
	if errors.Is(err, audit.ErrNoLogs) {
		fmt.Fprintln(w, "No API log file found yet")
		return nil
	}
	if err != nil {
		return err
	}
	if o.researchID != "" {
		events = filterResearch(events, o.researchID)
	}

	if o.tail > 0 || o.grep != "" {
		if o.tail > 0 && len(events) > o.tail {
			events = events[len(events)-o.tail:]
		}
		if o.asJSON {
			enc := json.NewEncoder(w)
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}
		for _, e := range events {
			fmt.Fprintln(w, audit.Format(e))
		}
		return nil
	}

	rep := detector.Analyze(events, detector.Options{
		IterationThreshold: o.threshold,
		MaxErrors:          o.maxErrors,
		ResearchID:         o.researchID,
	})
	switch {
	case o.asJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case o.detailed:
		_, err = io.WriteString(w, detector.Detailed(rep))
	default:
		_, err = io.WriteString(w, detector.Summary(rep))
	}
	return err
}

func filterResearch(events []audit.Event, id string) []audit.Event {
	out := events[:0:0]
	for _, e := range events {
		if e.ResearchID == id {
			out = append(out, e)
		}
	}
	return out
}
