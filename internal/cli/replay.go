package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chronicle/internal/projection"
	"github.com/roach88/chronicle/internal/replay"
	"github.com/roach88/chronicle/internal/service"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	From      int64
	To        int64
	FromEvent string
	ToEvent   string
}

// ReplayResult is the output of the replay command.
type ReplayResult struct {
	AggregateID   string          `json:"aggregate_id"`
	FromVersion   int64           `json:"from_version"`
	ToVersion     int64           `json:"to_version"`
	Applied       int             `json:"applied"`
	HeadVersion   int64           `json:"head_version"`
	HeadHash      string          `json:"head_hash,omitempty"`
	Digest        string          `json:"digest"`
	Deterministic bool            `json:"deterministic"`
	State         json.RawMessage `json:"state"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay AGGREGATE_ID",
		Short: "Replay an aggregate and verify determinism",
		Long: `Rebuild the aggregate_summary state of one aggregate from its events.

The range is verified before anything is applied. The replay runs twice and
the two state digests and chain heads must match.

Exit codes:
  0 - Replay verified and deterministic
  1 - Integrity failure or non-deterministic replay
  2 - Command error

Examples:
  chronicle replay order-1
  chronicle replay order-1 --from 3 --to 7
  chronicle replay order-1 --from-event 0192... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 1, "first version")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last version (0 = latest)")
	cmd.Flags().StringVar(&opts.FromEvent, "from-event", "", "start at this event id instead of --from")
	cmd.Flags().StringVar(&opts.ToEvent, "to-event", "", "stop at this event id instead of --to")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command, aggregateID string) error {
	out := opts.formatter(cmd)
	app, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	req, err := replayRequest(ctx, app, opts, aggregateID)
	if err != nil {
		return out.fail("replay failed", err)
	}

	first, err := replay.Aggregate(ctx, app.Replay, req)
	if err != nil {
		return out.fail("replay failed", err)
	}
	out.VerboseLog("first pass: %d events, digest %s", first.Applied, first.Digest)
	second, err := replay.Aggregate(ctx, app.Replay, req)
	if err != nil {
		return out.fail("replay failed", err)
	}
	out.VerboseLog("second pass: %d events, digest %s", second.Applied, second.Digest)

	result := ReplayResult{
		AggregateID:   aggregateID,
		FromVersion:   first.FromVersion,
		ToVersion:     first.ToVersion,
		Applied:       first.Applied,
		HeadVersion:   first.Head.Version,
		HeadHash:      first.Head.ChainHash,
		Digest:        first.Digest,
		Deterministic: first.Digest == second.Digest && first.Head == second.Head,
		State:         first.State,
	}
	text := func(w io.Writer) { printReplay(w, result) }

	if !result.Deterministic {
		if err := out.Failure("NON_DETERMINISTIC", "replay is not deterministic", result, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "replay is not deterministic")
	}
	return out.Success(result, text)
}

// replayRequest builds a summary replay. A range that starts after version
// 1 is anchored on the stored hash of the version before it.
func replayRequest(ctx context.Context, app *service.App, opts *ReplayOptions, aggregateID string) (replay.Request[json.RawMessage], error) {
	summary := projection.NewSummary()
	initial, err := summary.Initial()
	if err != nil {
		return replay.Request[json.RawMessage]{}, err
	}
	req := replay.Request[json.RawMessage]{
		AggregateID: aggregateID,
		Apply:       summary.Apply,
		Initial:     initial,
		FromVersion: opts.From,
		ToVersion:   opts.To,
		FromEventID: opts.FromEvent,
		ToEventID:   opts.ToEvent,
	}

	from := opts.From
	if opts.FromEvent != "" {
		env, err := app.Store.Get(ctx, opts.FromEvent)
		if err != nil {
			return req, err
		}
		from = env.Version
	}
	if from > 1 {
		prev, err := app.Store.Read(ctx, aggregateID, from-1, from-1)
		if err != nil {
			return req, err
		}
		if len(prev) == 1 {
			req.Anchor = prev[0].ChainHash
		}
	}
	return req, nil
}

func printReplay(w io.Writer, r ReplayResult) {
	if r.Applied == 0 {
		fmt.Fprintf(w, "No events to replay for %s.\n", r.AggregateID)
		return
	}
	fmt.Fprintf(w, "Replayed %s v%d..v%d (%d events)\n", r.AggregateID, r.FromVersion, r.ToVersion, r.Applied)
	fmt.Fprintf(w, "  head:   v%d %s\n", r.HeadVersion, r.HeadHash)
	fmt.Fprintf(w, "  digest: %s\n", r.Digest)
	fmt.Fprintf(w, "  state:  %s\n", r.State)
	if r.Deterministic {
		fmt.Fprintln(w, "Deterministic: yes")
	} else {
		fmt.Fprintln(w, "Deterministic: NO")
	}
}
