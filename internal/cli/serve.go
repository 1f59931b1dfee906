package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/service"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background delivery",
		Long: `Serve the HTTP API and run publishing, archiving and projection updates
under one supervisor until interrupted.

Examples:
  chronicle serve --config chronicle.yaml
  CHRONICLE_STORE__DRIVER=sqlite CHRONICLE_STORE__DSN=./chronicle.db chronicle serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := opts.buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := service.Serve(ctx, app); err != nil {
		return WrapExitError(ExitCommandError, "server stopped", err)
	}
	return nil
}
