package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification worker and scheduled audit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if listen != "" {
				cfg.HTTP.Listen = listen
			}

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			logger.Info("starting votechain", zap.String("listen", cfg.HTTP.Listen))
			if err := app.Run(ctx); err != nil {
				return exitError(ExitCommandError, "server stopped", err)
			}
			logger.Info("votechain stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address override")

	return cmd
}
