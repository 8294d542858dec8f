package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/envirocomply/envirocomply-core/internal/alerts"
	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/knowledge"
)

func newAlertsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and acknowledge deadline alerts",
	}

	var listFlags struct {
		unacked  bool
		facility string
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored alerts, most urgent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := db.NewSQLiteStore(c.cfg.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := store.ListAlerts(cmd.Context(), knowledge.AlertFilter{
				UnacknowledgedOnly: listFlags.unacked,
				FacilityID:         listFlags.facility,
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSEVERITY\tDEADLINE\tDAYS\tACK\tTITLE")
			for _, a := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
					a.AlertID, a.Severity, a.Deadline.Format("2006-01-02"), a.DaysUntilDeadline, a.Acknowledged, a.Title)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&listFlags.unacked, "unacked", false, "Only unacknowledged alerts")
	list.Flags().StringVar(&listFlags.facility, "facility", "", "Only alerts for this facility")

	var by string
	ack := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewSQLiteStore(c.cfg.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			engine := alerts.NewEngine(alerts.DefaultConfig(), store, c.logger)
			a, err := engine.Acknowledge(cmd.Context(), args[0], by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %s (%s) by %s\n", a.AlertID, a.Title, a.AcknowledgedBy)
			return nil
		},
	}
	ack.Flags().StringVar(&by, "by", defaultActor(), "Who is acknowledging")

	cmd.AddCommand(list, ack)
	return cmd
}
