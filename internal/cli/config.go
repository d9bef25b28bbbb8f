package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yungbote/omop-automapper/internal/app"
)

func configCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change the pipeline configuration stored in app_config",
	}
	cmd.AddCommand(configShowCommand(e), configSetCommand(e), configSetModelCommand(e))
	return cmd
}

func configShowCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective pipeline configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, log, closeFn, err := e.openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			store, err := app.ConfigStore(cmd.Context(), log, conn)
			if err != nil {
				return err
			}
			values, err := store.Values(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, values[k])
			}
			return nil
		},
	}
}

func configSetCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "set key=value [key=value...]",
		Short: "Write pipeline settings; all pairs are validated before any is written",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parsePairs(args)
			if err != nil {
				return err
			}
			conn, log, closeFn, err := e.openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			store, err := app.ConfigStore(cmd.Context(), log, conn)
			if err != nil {
				return err
			}
			return store.Set(cmd.Context(), values)
		},
	}
}

func configSetModelCommand(e *env) *cobra.Command {
	var (
		model string
		dims  int
	)
	cmd := &cobra.Command{
		Use:   "set-model",
		Short: "Switch the embedding model; the new collection is created on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(model) == "" || dims <= 0 {
				return fmt.Errorf("--model and a positive --dims are required")
			}
			conn, log, closeFn, err := e.openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			store, err := app.ConfigStore(cmd.Context(), log, conn)
			if err != nil {
				return err
			}
			collection, err := store.SetEmbeddingModel(cmd.Context(), strings.TrimSpace(model), dims)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active standard collection: %s\n", collection)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Embedding model name, e.g. text-embedding-3-large")
	cmd.Flags().IntVar(&dims, "dims", 0, "Embedding dimensions")
	return cmd
}

func parsePairs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
