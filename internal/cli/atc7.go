package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/omop-automapper/internal/app"
)

func atc7Command(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "atc7",
		Short: "ATC7 code maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "derive",
		Short: "Rebuild ATC7 codes of standard drug concepts from relationships and ancestry",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, log, closeFn, err := e.openDB()
			if err != nil {
				return err
			}
			defer closeFn()
			n, err := app.DeriveAtc7(cmd.Context(), log, conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d drug concepts carry ATC7 codes\n", n)
			return nil
		},
	})
	return cmd
}
