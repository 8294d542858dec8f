package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/envirocomply/envirocomply-core/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, run streaming and the gRPC health service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(context.Background()); err != nil {
					c.logger.Warn("shutdown", zap.Error(err))
				}
			}()

			srv, err := server.NewServer(server.ConfigFrom(&c.cfg), server.Deps{
				Pipeline:  a.orch,
				Decisions: a.recorder,
				Store:     a.store,
				Alerts:    a.alerts,
				Logger:    c.logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			changes := c.mgr.Watch(ctx)
		wait:
			for {
				select {
				case path := <-changes:
					c.logger.Warn("config file changed; restart to apply", zap.String("path", path))
				case <-ctx.Done():
					break wait
				}
			}

			c.logger.Info("Received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}
}
