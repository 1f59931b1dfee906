package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/correlation"
	"github.com/roach88/chronicle/internal/event"
)

// NewCycleCheckCommand creates the cycle-check command.
func NewCycleCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle-check",
		Short: "Check the causation graph for loops",
		Long: `Scan every stored event and report loops in the causation graph. A loop
can only come from corrupted or hand-edited data. Causation links to events
that are not stored are listed but are not errors.

Exit codes:
  0 - No cycles
  1 - At least one cycle found
  2 - Command error

Examples:
  chronicle cycle-check
  chronicle cycle-check --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycleCheck(rootOpts, cmd)
		},
	}
	return cmd
}

func runCycleCheck(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Tracker.CycleCheck(cmd.Context())
	if err != nil && !event.IsCorruption(err) {
		return out.fail("cycle check failed", err)
	}
	text := func(w io.Writer) { printCycles(w, report, opts.Verbose) }
	if !report.OK() {
		if err := out.Failure(string(event.CodeCorruption), "causation graph contains cycles", report, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d causation cycles found", len(report.Cycles)))
	}
	return out.Success(report, text)
}

func printCycles(w io.Writer, r correlation.CycleReport, verbose bool) {
	fmt.Fprintf(w, "Checked %d events\n", r.Checked)
	for _, c := range r.Cycles {
		fmt.Fprintf(w, "  CYCLE %s\n", strings.Join(c.Path, " -> "))
	}
	if len(r.Dangling) > 0 {
		fmt.Fprintf(w, "  %d causation links point outside the store\n", len(r.Dangling))
		if verbose {
			for _, d := range r.Dangling {
				fmt.Fprintf(w, "    %s <- %s\n", d.EventID, d.CausationID)
			}
		}
	}
	if r.OK() {
		fmt.Fprintln(w, "No cycles found.")
	}
}
