package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/event"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	AggregateID     string
	Type            string
	SchemaVersion   int
	Payload         string
	ExpectedVersion int64
	EventID         string
	CausationID     string
	CorrelationID   string
	OccurredAt      string
	Actor           string
	Metadata        map[string]string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to an aggregate",
		Long: `Validate an event against the registry and append it to its aggregate.

The payload is inline JSON, @path to read a file, or - to read stdin.
--expected-version is the version the aggregate must be at; 0 for a new
aggregate. Re-running with the same --event-id returns the stored event.

Exit codes:
  0 - Event appended (or already stored)
  1 - Rejected (validation failure or concurrency conflict)
  2 - Command error

Examples:
  chronicle append --aggregate order-1 --type OrderCreated \
    --payload '{"order_id":"order-1","total":40}' --expected-version 0
  chronicle append --aggregate order-1 --type OrderPaid --payload @paid.json \
    --expected-version 1 --causation-id 0192...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.AggregateID, "aggregate", "", "aggregate id (required)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	cmd.Flags().IntVar(&opts.SchemaVersion, "schema-version", 0, "payload schema version (default latest)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON payload, @file or -")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", -1, "current version of the aggregate (required)")
	cmd.Flags().StringVar(&opts.EventID, "event-id", "", "stable event id for retries")
	cmd.Flags().StringVar(&opts.CausationID, "causation-id", "", "id of the event that caused this one")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation-id", "", "correlation id (default: the event id)")
	cmd.Flags().StringVar(&opts.OccurredAt, "occurred-at", "", "business time, RFC 3339 (default now)")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "actor id recorded in metadata")
	cmd.Flags().StringToStringVar(&opts.Metadata, "metadata", nil, "metadata entries key=value")
	_ = cmd.MarkFlagRequired("aggregate")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("expected-version")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if opts.ExpectedVersion < 0 {
		return NewExitError(ExitCommandError, "--expected-version must be 0 or greater")
	}
	payload, err := readPayload(opts.Payload, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read payload", err)
	}
	var occurred time.Time
	if opts.OccurredAt != "" {
		if occurred, err = time.Parse(time.RFC3339Nano, opts.OccurredAt); err != nil {
			return WrapExitError(ExitCommandError, "invalid --occurred-at", err)
		}
	}

	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := event.WithRequestContext(cmd.Context(), event.RequestContext{ActorID: opts.Actor})
	env, err := app.Draft(ctx, event.Draft{
		EventID:       opts.EventID,
		AggregateID:   opts.AggregateID,
		Type:          opts.Type,
		SchemaVersion: opts.SchemaVersion,
		Payload:       payload,
		Metadata:      opts.Metadata,
		CausationID:   opts.CausationID,
		CorrelationID: opts.CorrelationID,
		OccurredAt:    occurred,
	})
	if err != nil {
		return out.fail("event rejected", err)
	}
	sealed, err := app.Store.Append(ctx, env, opts.ExpectedVersion)
	if err != nil {
		return out.fail("append failed", err)
	}

	out.VerboseLog("chain hash %s", sealed.ChainHash)
	return out.Success(sealed, func(w io.Writer) {
		fmt.Fprintf(w, "Appended %s to %s at version %d\n", sealed.EventID, sealed.AggregateID, sealed.Version)
	})
}

// readPayload resolves the --payload flag.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(strings.TrimSpace(string(data))), nil
}
