package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/enfalab/flowsync/internal/store"
)

// NewInitDBCommand creates the initdb command. It materializes the
// rule and audit tables so the external editor has something to write
// into before the controller ever runs.
func NewInitDBCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the rule database schema",
		Long: `Create the SQLite database with the reglas and logs tables.
Safe to run against an existing database; the schema is applied
idempotently.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("initialize %s: %w", dbPath, err)
			}
			if err := st.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready: %s\n", dbPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite rule database")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}
