package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/event"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Transaction bool
}

// TraceResult is the output of the trace command.
type TraceResult struct {
	EventID       string           `json:"event_id"`
	Chain         []event.Envelope `json:"chain"`
	DanglingCause string           `json:"dangling_cause,omitempty"`
	Descendants   []event.Envelope `json:"descendants"`
	Transaction   []event.Envelope `json:"transaction,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace EVENT_ID",
		Short: "Show what caused an event and what it caused",
		Long: `Follow causation links from an event back to its root cause, then list
every event it caused, directly or not.

With --transaction every event sharing the event's correlation id is
listed as well.

Examples:
  chronicle trace 0192...
  chronicle trace 0192... --transaction --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Transaction, "transaction", false, "also list the whole correlated transaction")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command, eventID string) error {
	out := opts.formatter(cmd)
	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	chain, err := app.Tracker.CausalChain(ctx, eventID)
	if err != nil {
		return out.fail("trace failed", err)
	}
	descendants, err := app.Tracker.Descendants(ctx, eventID)
	if err != nil {
		return out.fail("trace failed", err)
	}
	result := TraceResult{
		EventID:       eventID,
		Chain:         chain.Events,
		DanglingCause: chain.DanglingCause,
		Descendants:   descendants,
	}
	if opts.Transaction {
		target := chain.Events[len(chain.Events)-1]
		if result.Transaction, err = app.Tracker.Correlated(ctx, target.CorrelationID); err != nil {
			return out.fail("trace failed", err)
		}
	}

	return out.Success(result, func(w io.Writer) { printTrace(w, result) })
}

func printTrace(w io.Writer, r TraceResult) {
	fmt.Fprintln(w, "Causal chain:")
	if r.DanglingCause != "" {
		fmt.Fprintf(w, "  (caused by %s, not stored)\n", r.DanglingCause)
	}
	for i, env := range r.Chain {
		marker := "  "
		if env.EventID == r.EventID {
			marker = "> "
		}
		fmt.Fprintf(w, "%s%*s%s %s v%d %s\n", marker, 2*i, "", env.EventID, env.AggregateID, env.Version, env.Type)
	}

	fmt.Fprintf(w, "\nCaused (%d):\n", len(r.Descendants))
	for _, env := range r.Descendants {
		fmt.Fprintf(w, "  %s %s v%d %s <- %s\n", env.EventID, env.AggregateID, env.Version, env.Type, env.CausationID)
	}

	if r.Transaction != nil {
		fmt.Fprintf(w, "\nTransaction (%d):\n", len(r.Transaction))
		for _, env := range r.Transaction {
			fmt.Fprintf(w, "  %s %s v%d %s\n", env.EventID, env.AggregateID, env.Version, env.Type)
		}
	}
}
