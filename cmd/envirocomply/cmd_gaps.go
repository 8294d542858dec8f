package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
)

func newGapsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List and resolve compliance gaps",
	}

	var listFlags struct {
		facilities []string
		statuses   []string
		active     bool
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List gaps by risk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := knowledge.GapFilter{FacilityIDs: listFlags.facilities, ActiveOnly: listFlags.active}
			for _, s := range listFlags.statuses {
				st := models.GapStatus(s)
				if !st.Valid() {
					return &models.ValidationError{Field: "status", Message: fmt.Sprintf("unknown gap status %q", s)}
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			store, err := db.NewSQLiteStore(c.cfg.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			gaps, err := store.FindGaps(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFACILITY\tSEVERITY\tRISK\tSTATUS\tFINDING")
			for _, g := range gaps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
					g.GapID, g.FacilityID, g.Severity, g.RiskScore, g.Status, g.FindingKey)
			}
			return tw.Flush()
		},
	}
	lf := list.Flags()
	lf.StringSliceVar(&listFlags.facilities, "facility", nil, "Only gaps for these facilities")
	lf.StringSliceVar(&listFlags.statuses, "status", nil, "Only gaps in these statuses")
	lf.BoolVar(&listFlags.active, "active", false, "Exclude closed gaps")

	var resolveFlags struct {
		status string
		by     string
		notes  string
	}
	resolve := &cobra.Command{
		Use:   "resolve <gap-id>",
		Short: "Move a gap to another lifecycle status (default closed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewSQLiteStore(c.cfg.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			g, err := store.TransitionGap(cmd.Context(), args[0], models.GapStatus(resolveFlags.status),
				resolveFlags.by, resolveFlags.notes, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Gap %s is now %s\n", g.GapID, g.Status)
			return nil
		},
	}
	rf := resolve.Flags()
	rf.StringVar(&resolveFlags.status, "status", string(models.GapClosed), "Target status (open, in_progress, closed, deferred)")
	rf.StringVar(&resolveFlags.by, "by", defaultActor(), "Who is resolving")
	rf.StringVar(&resolveFlags.notes, "notes", "", "Resolution notes")

	cmd.AddCommand(list, resolve)
	return cmd
}

// defaultActor names the local user for audit fields.
func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
