package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
)

func newRunCmd(c *cli) *cobra.Command {
	var flags struct {
		mode       string
		facilities []string
		lookback   int
		json       bool
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run and print its result",
		Example: "  envirocomply run --mode gaps --facility permian-001 --lookback 30\n" +
			"  envirocomply run --mode full --json",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(context.Background()); err != nil {
					c.logger.Warn("shutdown", zap.Error(err))
				}
			}()

			res, err := a.orch.Run(ctx, orchestrator.RunRequest{
				Mode:         orchestrator.Mode(flags.mode),
				FacilityIDs:  flags.facilities,
				LookbackDays: flags.lookback,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.json {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printRun(out, res)
			}
			if res.Status == orchestrator.RunFailed {
				return fmt.Errorf("run %s failed", res.RunID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.mode, "mode", string(orchestrator.ModeFull), fmt.Sprintf("Pipeline mode %v", orchestrator.Modes()))
	f.StringSliceVar(&flags.facilities, "facility", nil, "Facility id to include (repeatable; default all)")
	f.IntVar(&flags.lookback, "lookback", 0, "Days of regulatory changes to scan (0 uses the configured default)")
	f.BoolVar(&flags.json, "json", false, "Print the full run result as JSON")
	return cmd
}

func printRun(out io.Writer, res *orchestrator.RunResult) {
	fmt.Fprintf(out, "Run:     %s\n", res.RunID)
	fmt.Fprintf(out, "Mode:    %s\n", res.Mode)
	fmt.Fprintf(out, "Status:  %s\n", res.Status)
	fmt.Fprintf(out, "Elapsed: %s\n\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tCONFIDENCE\tDETAIL")
	for _, s := range res.Stages {
		detail := s.Error
		if s.SkipReason != "" {
			detail = s.SkipReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", s.Stage, s.Status, s.Confidence, detail)
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\nGaps created: %d, updated: %d\n", len(res.GapsCreated), len(res.GapsUpdated))
	for _, id := range res.ReportIDs {
		fmt.Fprintf(out, "Report: %s\n", id)
	}
	if len(res.Alerts) > 0 {
		fmt.Fprintf(out, "Alerts: %d\n", len(res.Alerts))
		for _, al := range res.Alerts {
			fmt.Fprintf(out, "  [%s] %s\n", al.Severity, al.Title)
		}
	}
}
