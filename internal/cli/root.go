// Package cli implements the chronicle command line.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/config"
	"github.com/roach88/chronicle/internal/logging"
	"github.com/roach88/chronicle/internal/service"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// build replaces service.Build in tests.
	build func(ctx context.Context, cfg *config.Config) (*service.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Chronicle - tamper-evident event store",
		Long: `An append-only, hash-chained store of domain events with replay,
projections and causal tracing.

Configuration is read from --config (or $CHRONICLE_CONFIG) and overridden
by CHRONICLE_* environment variables, e.g. CHRONICLE_STORE__DRIVER=sqlite.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewCycleCheckCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// loadConfig reads configuration and sets up process logging. Logs go to
// the command's error stream so JSON output stays parseable.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Output = cmd.ErrOrStderr()
	logging.Init(cfg.Logging)
	return cfg, nil
}

// openApp builds the app for a one-shot command. Nothing runs in the
// background, so publishing and archiving are switched off.
func (o *RootOptions) openApp(cmd *cobra.Command) (*service.App, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Publish.Driver = "none"
	cfg.Archive.Enabled = false
	return o.buildApp(cmd.Context(), cfg)
}

func (o *RootOptions) buildApp(ctx context.Context, cfg *config.Config) (*service.App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	build := o.build
	if build == nil {
		build = func(ctx context.Context, cfg *config.Config) (*service.App, error) {
			return service.Build(ctx, cfg, logging.NewSlogLogger())
		}
	}
	app, err := build(ctx, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return app, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
