package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/deepnoodle-ai/hitlflow/server"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow and review API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(os.Stderr)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			restored, err := a.engine.RestoreReviewQueue(ctx)
			if err != nil {
				return err
			}
			if restored > 0 {
				logger.Info("restored pending reviews", "count", restored)
			}

			if !root.verbose {
				gin.SetMode(gin.ReleaseMode)
			}
			srv, err := server.New(server.Options{
				Engine:    a.engine,
				Logger:    logger,
				PublicURL: cfg.Server.BaseURL(),
				Metrics:   a.collector.Handler(),
			})
			if err != nil {
				return err
			}
			color.Green("Serving %s on %s", cfg.Workflow.Name, cfg.Server.BaseURL())
			return srv.Run(ctx, cfg.Server.Address())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override the configured port")
	return cmd
}
