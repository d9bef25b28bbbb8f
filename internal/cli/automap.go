package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/omop-automapper/internal/mapping"
)

type automapOptions struct {
	vocabularyID string
	concurrency  int
	limit        int
	threshold    float64
	domains      []string
}

func (o *automapOptions) input(thresholdSet bool) (mapping.BatchInput, error) {
	if strings.TrimSpace(o.vocabularyID) == "" {
		return mapping.BatchInput{}, fmt.Errorf("--vocabulary is required")
	}
	in := mapping.BatchInput{
		VocabularyID: strings.TrimSpace(o.vocabularyID),
		Limit:        o.limit,
		Concurrency:  o.concurrency,
		Domains:      o.domains,
	}
	if thresholdSet {
		in.Threshold = &o.threshold
	}
	return in, nil
}

func automapCommand(e *env) *cobra.Command {
	opts := &automapOptions{}
	cmd := &cobra.Command{
		Use:   "automap",
		Short: "Map every unmapped source concept of a vocabulary",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := opts.input(cmd.Flags().Changed("threshold"))
			if err != nil {
				return err
			}

			a, err := e.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Services.Batch.Run(cmd.Context(), in)
			if err != nil && !report.Cancelled {
				return err
			}
			printReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.vocabularyID, "vocabulary", "", "Source vocabulary id to map")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Source concepts processed in parallel (default 4)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Map at most this many source concepts, most frequent first")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Auto-commit confidence threshold (default: mapping.auto_commit_threshold)")
	cmd.Flags().StringSliceVar(&opts.domains, "domain", nil, "Restrict candidates to these domain ids (repeatable or comma-separated)")
	return cmd
}

func printReport(cmd *cobra.Command, r mapping.BatchReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d source concepts in %s\n", r.RunID, r.Total, r.Duration.Round(time.Millisecond))
	for _, o := range []mapping.Outcome{
		mapping.OutcomeMapped,
		mapping.OutcomeSkippedLowConfidence,
		mapping.OutcomeNoMatch,
		mapping.OutcomeFailed,
	} {
		fmt.Fprintf(out, "  %-24s %d\n", o, r.Counts[o])
	}
	for _, f := range r.Failures() {
		fmt.Fprintf(out, "  failed source_id=%d code=%s retryable=%t: %s\n", f.SourceID, f.ErrorCode, f.Retryable, f.Error)
	}
	if r.Cancelled {
		fmt.Fprintln(out, "  run cancelled before completion")
	}
}
