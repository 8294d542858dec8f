package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/config"
)

// cli carries state shared by all subcommands.
type cli struct {
	configPath string
	envFile    string

	cfg    config.Config
	mgr    config.ConfigManager
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "envirocomply",
		Short: "Environmental compliance monitoring pipeline",
		Long: "envirocomply tracks regulatory changes, assesses which rules apply to each\n" +
			"facility, scores compliance gaps and produces audited reports.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.configPath, "config", "envirocomply.yaml", "Path to the YAML config file")
	f.StringVar(&c.envFile, "env-file", ".env", "Optional dotenv file loaded before the config")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newSeedCmd(c),
		newAlertsCmd(c),
		newGapsCmd(c),
	)
	return root
}

func (c *cli) init(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}

	mgr, err := config.NewConfigManager(c.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	c.mgr = mgr
	c.cfg = mgr.Get(ctx)

	logger, err := buildLogger(c.cfg.Logging.Level, c.cfg.Logging.Format)
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}
