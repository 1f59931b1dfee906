package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/integrity"
)

// VerifyResult is the output of the verify command.
type VerifyResult struct {
	OK         bool               `json:"ok"`
	Aggregates int                `json:"aggregates"`
	Checked    int64              `json:"checked"`
	Reports    []integrity.Report `json:"reports"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [AGGREGATE_ID...]",
		Short: "Verify hash chains and signatures",
		Long: `Recompute the hash chain of every aggregate (or only those named) and
check signatures against the configured keys. Every broken link is reported
with the first divergent version of its aggregate.

Exit codes:
  0 - All chains verified
  1 - At least one chain is broken
  2 - Command error

Examples:
  chronicle verify
  chronicle verify order-1 order-2 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd, args)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, cmd *cobra.Command, aggregateIDs []string) error {
	out := opts.formatter(cmd)
	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	reports, err := app.Store.Verify(cmd.Context(), app.Config.Store.PageSize, aggregateIDs...)
	if err != nil {
		return out.fail("verify failed", err)
	}

	result := VerifyResult{OK: true, Aggregates: len(reports), Reports: reports}
	for _, rep := range reports {
		result.Checked += rep.Checked
		result.OK = result.OK && rep.OK()
	}
	text := func(w io.Writer) { printVerify(w, result, opts.Verbose) }

	if !result.OK {
		if err := out.Failure("INTEGRITY", "chain verification failed", result, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "chain verification failed")
	}
	return out.Success(result, text)
}

func printVerify(w io.Writer, r VerifyResult, verbose bool) {
	if r.Aggregates == 0 {
		fmt.Fprintln(w, "No aggregates found.")
		return
	}
	for _, rep := range r.Reports {
		if rep.OK() {
			if verbose {
				fmt.Fprintf(w, "ok      %s  %d events  head v%d %s\n", rep.AggregateID, rep.Checked, rep.Head.Version, rep.Head.ChainHash)
			}
			continue
		}
		fmt.Fprintf(w, "BROKEN  %s  first divergent version %d\n", rep.AggregateID, rep.FirstDivergentVersion())
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "        v%d %s: %s\n", f.Version, f.EventID, f.Reason)
		}
	}
	status := "verified"
	if !r.OK {
		status = "FAILED"
	}
	fmt.Fprintf(w, "\n%d aggregates, %d events: %s\n", r.Aggregates, r.Checked, status)
}
