package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/projection"
)

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild PROJECTION AGGREGATE_ID",
		Short: "Rebuild a projection from the event stream",
		Long: `Discard a projection's state for one aggregate and rebuild it by replaying
the verified stream. This clears the stale flag.

Projections:
  aggregate_summary - event counts per type and first/last occurrence

Examples:
  chronicle rebuild aggregate_summary order-1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(rootOpts, cmd, args[0], args[1])
		},
	}
	return cmd
}

func runRebuild(opts *RootOptions, cmd *cobra.Command, name, aggregateID string) error {
	out := opts.formatter(cmd)
	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	snap, err := app.Projections.Rebuild(cmd.Context(), name, aggregateID)
	if errors.Is(err, projection.ErrUnknownProjection) {
		return WrapExitError(ExitCommandError,
			fmt.Sprintf("available projections: %v", app.Projections.Names()), err)
	}
	if err != nil {
		return out.fail("rebuild failed", err)
	}
	return out.Success(snap, func(w io.Writer) {
		if snap.LastAppliedVersion == 0 {
			fmt.Fprintf(w, "%s has no events; %s snapshot cleared.\n", aggregateID, name)
			return
		}
		fmt.Fprintf(w, "Rebuilt %s for %s through version %d\n", name, aggregateID, snap.LastAppliedVersion)
		fmt.Fprintf(w, "  state: %s\n", snap.State)
	})
}
