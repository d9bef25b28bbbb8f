package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	dommapping "github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/mapping"
)

type embedOptions struct {
	conceptType  string
	domainID     string
	vocabularyID string
	batchSize    int
	limit        int
	status       bool
}

func embedCommand(e *env) *cobra.Command {
	opts := &embedOptions{}
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed concepts that are missing from the active collection",
		Long: "Embed every eligible standard concept (or every unmapped source concept with --type source) " +
			"that has no vector in the collection of the configured embedding model.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ct := dommapping.ConceptType(strings.ToLower(strings.TrimSpace(opts.conceptType)))
			if !opts.status && !ct.Valid() {
				return fmt.Errorf("--type must be standard or source, got %q", opts.conceptType)
			}
			a, err := e.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if opts.status {
				st, err := a.Services.Embeddings.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "model %s (%d dims)\n", st.Model, st.Dims)
				for _, c := range []mapping.CollectionStatus{st.Standard, st.Source} {
					fmt.Fprintf(out, "%-40s eligible=%d embedded=%d pending=%d indexed=%d\n",
						c.Collection, c.Eligible, c.Embedded, c.Pending, c.Indexed)
				}
				return nil
			}

			res, err := a.Services.Embeddings.EmbedPending(cmd.Context(), mapping.EmbedPendingInput{
				ConceptType:  ct,
				DomainID:     strings.TrimSpace(opts.domainID),
				VocabularyID: strings.TrimSpace(opts.vocabularyID),
				BatchSize:    opts.batchSize,
				Limit:        opts.limit,
				OnBatch: func(done int) {
					fmt.Fprintf(out, "embedded %d\n", done)
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d concepts in %d batches\n", res.Collection, res.Embedded, res.Batches)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.conceptType, "type", string(dommapping.ConceptTypeStandard), "Concept type: standard or source")
	cmd.Flags().StringVar(&opts.domainID, "domain", "", "Only embed standard concepts of this domain")
	cmd.Flags().StringVar(&opts.vocabularyID, "vocabulary", "", "Only embed source concepts of this vocabulary")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Concepts per embedding request (default 128)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Stop after this many concepts (0 = all)")
	cmd.Flags().BoolVar(&opts.status, "status", false, "Print embedding progress and exit")
	return cmd
}
