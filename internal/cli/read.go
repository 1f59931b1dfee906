package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/query"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	From int64
	To   int64
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read AGGREGATE_ID",
		Short: "Print the event stream of an aggregate",
		Long: `Print the events of one aggregate in version order.

Examples:
  chronicle read order-1
  chronicle read order-1 --from 3 --to 5 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, cmd, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 1, "first version")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last version (0 = latest)")

	return cmd
}

func runRead(opts *ReadOptions, cmd *cobra.Command, aggregateID string) error {
	out := opts.formatter(cmd)
	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	envs, err := app.Store.Read(cmd.Context(), aggregateID, opts.From, opts.To)
	if err != nil {
		return out.fail("read failed", err)
	}
	return out.Success(envs, func(w io.Writer) { printEnvelopes(w, envs) })
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	AggregateID   string
	Type          string
	CorrelationID string
	Since         string
	Until         string
	Limit         int
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search the event log",
		Long: `Search events across aggregates by type, correlation id and recorded time.

Results are in recorded order, or version order when --aggregate is given.
--since is inclusive and --until exclusive; both are RFC 3339.

Examples:
  chronicle query --type OrderPaid
  chronicle query --correlation-id 0192... --format json
  chronicle query --since 2026-01-01T00:00:00Z --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.AggregateID, "aggregate", "", "only this aggregate")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only this event type")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "only this correlation id")
	cmd.Flags().StringVar(&opts.Since, "since", "", "recorded at or after")
	cmd.Flags().StringVar(&opts.Until, "until", "", "recorded before")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of events (0 = no limit)")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	f := query.Filter{
		AggregateID:   opts.AggregateID,
		EventType:     opts.Type,
		CorrelationID: opts.CorrelationID,
		Limit:         opts.Limit,
	}
	var err error
	if f.TimeRange.Since, err = parseTimeFlag("since", opts.Since); err != nil {
		return err
	}
	if f.TimeRange.Until, err = parseTimeFlag("until", opts.Until); err != nil {
		return err
	}

	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	var envs []event.Envelope
	for env, err := range app.Query.Query(cmd.Context(), f) {
		if err != nil {
			return out.fail("query failed", err)
		}
		envs = append(envs, env)
	}
	if envs == nil {
		envs = []event.Envelope{}
	}
	return out.Success(envs, func(w io.Writer) { printEnvelopes(w, envs) })
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid --%s", name), err)
	}
	return t, nil
}
