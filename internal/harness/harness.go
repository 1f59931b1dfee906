package harness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/roach88/chronicle/internal/canonical"
	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/integrity"
	"github.com/roach88/chronicle/internal/replay"
	"github.com/roach88/chronicle/internal/store"
	"github.com/roach88/chronicle/internal/store/memstore"
	"github.com/roach88/chronicle/internal/testutil"
)

// scenarioKeyID is the key id envelopes are signed with when a scenario
// sets hmac_key.
const scenarioKeyID = "scenario"

// Tally is the state replay steps fold into.
type Tally struct {
	Events      int64            `json:"events"`
	Types       map[string]int64 `json:"types"`
	LastEventID string           `json:"last_event_id"`
}

var tallyHandlers = replay.NewHandlers[Tally]().Fallback(func(t Tally, env event.Envelope) (Tally, error) {
	t.Types = maps.Clone(t.Types)
	if t.Types == nil {
		t.Types = make(map[string]int64)
	}
	t.Types[env.Type]++
	t.Events++
	t.LastEventID = env.EventID
	return t, nil
})

// Harness executes one scenario against a fresh store.
type Harness struct {
	backend *memstore.Backend
	store   *store.Store
	builder *event.Builder
	replay  *replay.Engine
}

// Option configures a run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger logs store and replay activity to l. Runs are silent by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// New prepares a harness for sc.
func New(sc *Scenario, opts ...Option) (*Harness, error) {
	o := runOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := sc.registry()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	sealer, err := scenarioSealer(sc.HMACKey)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewStepClock()
	ids := testutil.NewSequentialIDs("evt")
	backend := memstore.New()
	st := store.New(backend,
		store.WithRegistry(reg),
		store.WithSealer(sealer),
		store.WithClock(clock),
		store.WithLogger(o.logger),
	)
	return &Harness{
		backend: backend,
		store:   st,
		builder: event.NewBuilder(reg, event.WithClock(clock), event.WithIDGenerator(ids.Next)),
		replay:  replay.New(st, replay.WithSealer(sealer), replay.WithClock(clock), replay.WithLogger(o.logger)),
	}, nil
}

func scenarioSealer(key string) (*integrity.Sealer, error) {
	if key == "" {
		return integrity.NewSealer(), nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("hmac_key: %w", err)
	}
	ring, err := integrity.NewHMACKeyring(map[string][]byte{scenarioKeyID: raw}, scenarioKeyID)
	if err != nil {
		return nil, err
	}
	return integrity.NewSealer(integrity.WithSigner(ring), integrity.RequireSignatures()), nil
}

// Store returns the store the scenario runs against.
func (h *Harness) Store() *store.Store {
	return h.store
}

// Close releases the store.
func (h *Harness) Close() error {
	return h.store.Close()
}

// Run executes a scenario in a fresh store and evaluates its assertions.
// Step expectations that do not hold are recorded in Result.Errors; the
// error return is reserved for scenarios that cannot run at all.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	h, err := New(sc, opts...)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, sc)
}

// Run executes sc's steps and assertions.
func (h *Harness) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	result := NewResult()
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, result, sc.Assertions, h.store) {
		result.AddError(msg)
	}

	ids, err := h.store.Aggregates(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		head, err := h.store.Head(ctx, id)
		if err != nil {
			return nil, err
		}
		result.Heads[id] = head.ChainHash
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Append != nil:
		return h.append(ctx, step.Append, step.Append.ExpectError, result)
	case step.ExpectConflict != nil:
		return h.append(ctx, step.ExpectConflict, string(event.CodeConcurrencyConflict), result)
	case step.Tamper != nil:
		return h.tamper(step.Tamper, result)
	case step.Replay != nil:
		return h.replayStep(ctx, step.Replay, result)
	case step.Verify != nil:
		return h.verify(ctx, step.Verify, result)
	}
	return errors.New("empty step")
}

func (h *Harness) append(ctx context.Context, a *AppendStep, wantCode string, result *Result) error {
	correlation := a.CorrelationID
	if a.CausedBy != "" && correlation == "" {
		cause, err := h.store.Get(ctx, a.CausedBy)
		if err != nil {
			return fmt.Errorf("caused_by %s: %w", a.CausedBy, err)
		}
		correlation = cause.CorrelationID
	}

	duplicate := false
	if a.EventID != "" {
		if _, err := h.store.Get(ctx, a.EventID); err == nil {
			duplicate = true
		}
	}

	ev := TraceEvent{Op: OpAppend, AggregateID: a.AggregateID, EventType: a.Type}
	env, err := h.builder.Build(ctx, event.Draft{
		EventID:       a.EventID,
		AggregateID:   a.AggregateID,
		Type:          a.Type,
		Payload:       a.Payload,
		Metadata:      a.Metadata,
		CausationID:   a.CausedBy,
		CorrelationID: correlation,
	})
	if err == nil {
		ev.EventID = env.EventID
		env, err = h.store.Append(ctx, env, a.ExpectedVersion)
	}

	switch {
	case err == nil:
		ev.Version = env.Version
		ev.CausationID = env.CausationID
		ev.CorrelationID = env.CorrelationID
		ev.Outcome = OutcomeAppended
		if duplicate {
			ev.Outcome = OutcomeDuplicate
		}
	case event.IsConcurrencyConflict(err):
		ev.Outcome = OutcomeConflict
	default:
		e, ok := event.AsError(err)
		if !ok {
			return err
		}
		ev.Outcome = string(e.Code)
	}
	ev = result.record(ev)

	got := ""
	if err != nil {
		got = string(codeOf(err))
	}
	if got != wantCode {
		result.AddError(fmt.Sprintf("step %d: append %s to %s: expected %s, got %s",
			ev.Seq, a.Type, a.AggregateID, describeCode(wantCode), describeErr(err)))
	}
	return nil
}

func (h *Harness) tamper(t *TamperStep, result *Result) error {
	var payload json.RawMessage
	if t.Payload != nil {
		raw, err := canonical.MarshalJSONValue(t.Payload)
		if err != nil {
			return fmt.Errorf("tamper payload: %w", err)
		}
		payload = json.RawMessage(raw)
	}

	var eventID string
	err := h.backend.Tamper(t.AggregateID, t.Version, func(env *event.Envelope) {
		if payload != nil {
			env.Payload = payload
		}
		if t.Metadata != nil {
			env.Metadata = maps.Clone(t.Metadata)
		}
		eventID = env.EventID
	})
	if err != nil {
		return err
	}
	result.record(TraceEvent{
		Op:          OpTamper,
		AggregateID: t.AggregateID,
		EventID:     eventID,
		Version:     t.Version,
		Outcome:     OutcomeTampered,
	})
	return nil
}

func (h *Harness) replayStep(ctx context.Context, r *ReplayStep, result *Result) error {
	req := replay.Request[Tally]{
		AggregateID: r.AggregateID,
		Apply:       tallyHandlers.Apply,
		FromVersion: r.From,
		ToVersion:   r.To,
	}
	if r.From > 1 {
		prev, err := h.store.Read(ctx, r.AggregateID, r.From-1, r.From-1)
		if err != nil {
			return err
		}
		if len(prev) == 1 {
			req.Anchor = prev[0].ChainHash
		}
	}

	ev := TraceEvent{Op: OpReplay, AggregateID: r.AggregateID}
	res, err := replay.Aggregate(ctx, h.replay, req)
	if err != nil {
		e, ok := event.AsError(err)
		if !ok {
			return err
		}
		ev.Outcome = string(e.Code)
	} else {
		state, merr := canonical.MarshalJSONValue(res.State)
		if merr != nil {
			return merr
		}
		ev.Outcome = OutcomeReplayed
		ev.Version = res.ToVersion
		ev.Applied = res.Applied
		ev.State = json.RawMessage(state)
	}
	ev = result.record(ev)

	if r.Expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("step %d: replay %s: unexpected %s", ev.Seq, r.AggregateID, describeErr(err)))
		}
		return nil
	}
	exp := r.Expect
	if got := string(codeOf(err)); got != exp.Error {
		result.AddError(fmt.Sprintf("step %d: replay %s: expected %s, got %s",
			ev.Seq, r.AggregateID, describeCode(exp.Error), describeErr(err)))
		return nil
	}
	if err != nil {
		return nil
	}
	if exp.Version != 0 && exp.Version != res.ToVersion {
		result.AddError(fmt.Sprintf("step %d: replay %s: expected version %d, got %d",
			ev.Seq, r.AggregateID, exp.Version, res.ToVersion))
	}
	if exp.Applied != 0 && exp.Applied != res.Applied {
		result.AddError(fmt.Sprintf("step %d: replay %s: expected %d applied, got %d",
			ev.Seq, r.AggregateID, exp.Applied, res.Applied))
	}
	if exp.State != nil {
		ok, err := subsetJSON(exp.State, ev.State)
		if err != nil {
			return err
		}
		if !ok {
			result.AddError(fmt.Sprintf("step %d: replay %s: state %s does not contain %v",
				ev.Seq, r.AggregateID, ev.State, exp.State))
		}
	}
	return nil
}

func (h *Harness) verify(ctx context.Context, v *VerifyStep, result *Result) error {
	var ids []string
	if v.AggregateID != "" {
		ids = []string{v.AggregateID}
	}
	reports, err := h.store.Verify(ctx, 0, ids...)
	if err != nil {
		return err
	}

	ok := true
	var divergent int64
	for _, rep := range reports {
		if !rep.OK() && ok {
			ok = false
			divergent = rep.FirstDivergentVersion()
		}
	}
	ev := TraceEvent{Op: OpVerify, AggregateID: v.AggregateID, Outcome: OutcomeVerified, Divergent: divergent}
	if !ok {
		ev.Outcome = OutcomeDiverged
	}
	ev = result.record(ev)

	if v.Expect == nil {
		if !ok {
			result.AddError(fmt.Sprintf("step %d: verify: chain diverges at version %d", ev.Seq, divergent))
		}
		return nil
	}
	if v.Expect.OK != nil && *v.Expect.OK != ok {
		result.AddError(fmt.Sprintf("step %d: verify: expected ok=%t, got ok=%t", ev.Seq, *v.Expect.OK, ok))
	}
	if v.Expect.FirstDivergentVersion != 0 && v.Expect.FirstDivergentVersion != divergent {
		result.AddError(fmt.Sprintf("step %d: verify: expected first divergent version %d, got %d",
			ev.Seq, v.Expect.FirstDivergentVersion, divergent))
	}
	return nil
}

func codeOf(err error) event.ErrorCode {
	if e, ok := event.AsError(err); ok {
		return e.Code
	}
	return ""
}

func describeCode(code string) string {
	if code == "" {
		return "success"
	}
	return code
}

func describeErr(err error) string {
	if err == nil {
		return "success"
	}
	return err.Error()
}

// subsetJSON reports whether every member of want appears in the JSON
// object got with an equal value. Both sides are compared in their JSON
// form so YAML integers match JSON numbers.
func subsetJSON(want map[string]any, got json.RawMessage) (bool, error) {
	data, err := json.Marshal(want)
	if err != nil {
		return false, err
	}
	var w, g map[string]any
	if err := json.Unmarshal(data, &w); err != nil {
		return false, err
	}
	if err := json.Unmarshal(got, &g); err != nil {
		return false, err
	}
	return matchSubset(g, w), nil
}
