package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/harness"
	"github.com/roach88/chronicle/internal/logging"
)

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario PATH",
		Short: "Run conformance scenarios",
		Long: `Run YAML scenarios against an in-memory store with a fixed clock and
sequential event ids. PATH is a scenario file or a directory searched
recursively for *.yaml files (golden/ directories are skipped).

Scenarios do not use the configured store.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (path not found)

Examples:
  chronicle scenario ./scenarios
  chronicle scenario ./scenarios/order_lifecycle.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runScenario(opts *RootOptions, cmd *cobra.Command, path string) error {
	out := opts.formatter(cmd)
	if _, err := opts.loadConfig(cmd); err != nil {
		return err
	}

	var runOpts []harness.Option
	if opts.Verbose {
		runOpts = append(runOpts, harness.WithLogger(logging.NewSlogLogger()))
	}
	suite, err := harness.RunSuite(cmd.Context(), path, runOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenarios", err)
	}

	text := func(w io.Writer) { printSuite(w, suite) }
	if !suite.OK() {
		if err := out.Failure("SCENARIO_FAILED", "scenarios failed", suite, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", suite.Failed, suite.Total))
	}
	return out.Success(suite, text)
}

func printSuite(w io.Writer, s harness.SuiteResult) {
	for _, f := range s.Failures {
		fmt.Fprintf(w, "FAIL  %s (%s)\n", f.Name, f.Path)
		for _, e := range f.Errors {
			fmt.Fprintf(w, "      %s\n", e)
		}
	}
	fmt.Fprintf(w, "%d scenarios: %d passed, %d failed\n", s.Total, s.Passed, s.Failed)
}
