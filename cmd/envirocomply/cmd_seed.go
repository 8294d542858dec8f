package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/envirocomply/envirocomply-core/internal/db"
	"github.com/envirocomply/envirocomply-core/internal/fixtures"
)

func newSeedCmd(c *cli) *cobra.Command {
	var flags struct {
		file   string
		rebase bool
	}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load facilities and regulations from a fixture file",
		Long: "Loads a YAML fixture into the knowledge store. Without --file the built-in\n" +
			"demo portfolio is loaded. Records are upserted by id, so seeding is repeatable.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				set *fixtures.Set
				err error
			)
			if flags.file != "" {
				set, err = fixtures.LoadFile(flags.file)
			} else {
				set, err = fixtures.Demo()
			}
			if err != nil {
				return err
			}
			if flags.rebase {
				set = set.Rebase(time.Now().UTC())
			}

			store, err := db.NewSQLiteStore(c.cfg.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := fixtures.Apply(cmd.Context(), store, set)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d facilities and %d regulations into %s\n",
				sum.Facilities, sum.Regulations, c.cfg.Database.SQLitePath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.file, "file", "", "Fixture YAML file (default: built-in demo)")
	f.BoolVar(&flags.rebase, "rebase", true, "Shift fixture dates so its as_of date becomes today")
	return cmd
}
