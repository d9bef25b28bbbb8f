package cli

import (
	"github.com/spf13/cobra"
)

func serveCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "Listen address, e.g. :8080")
	bindFlag(e.v, "http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
