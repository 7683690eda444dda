package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/enfalab/flowsync/internal/store"
)

// NewLogsCommand creates the logs command, the operator view onto the
// audit trail.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent audit log entries",
		Long: `Print the most recent rule installation, modification and deletion
events recorded by the controller, newest first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", dbPath, err)
			}
			defer st.Close()

			rows, err := st.ReadAuditTail(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printAudit(cmd, rootOpts.Format, rows)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "path to SQLite rule database")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func printAudit(cmd *cobra.Command, format string, rows []store.AuditRow) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		type jsonRow struct {
			Timestamp time.Time `json:"timestamp"`
			Dpid      uint64    `json:"dpid"`
			RuleID    int64     `json:"rule_id"`
			Action    string    `json:"action"`
			Priority  uint16    `json:"priority,omitempty"`
			Actions   string    `json:"actions,omitempty"`
		}
		enc := make([]jsonRow, 0, len(rows))
		for _, r := range rows {
			enc = append(enc, jsonRow{
				Timestamp: r.Timestamp,
				Dpid:      uint64(r.Dpid),
				RuleID:    int64(r.RuleID),
				Action:    string(r.Kind),
				Priority:  r.Priority,
				Actions:   r.Actions,
			})
		}
		b, err := json.MarshalIndent(enc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDPID\tRULE\tACTION\tPRIO\tACTIONS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%s\n",
			r.Timestamp.Format(time.RFC3339), r.Dpid, r.RuleID, r.Kind, r.Priority, r.Actions)
	}
	return w.Flush()
}
