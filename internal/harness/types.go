package harness

import "encoding/json"

// Trace operations.
const (
	OpAppend = "append"
	OpTamper = "tamper"
	OpReplay = "replay"
	OpVerify = "verify"
)

// Trace outcomes. A failed append or replay records its error code instead.
const (
	OutcomeAppended  = "appended"
	OutcomeConflict  = "conflict"
	OutcomeTampered  = "tampered"
	OutcomeReplayed  = "replayed"
	OutcomeVerified  = "verified"
	OutcomeDiverged  = "diverged"
	OutcomeDuplicate = "duplicate"
)

// TraceEvent records one executed step. Hashes and timestamps are left
// out so traces stay readable; Result.Heads carries the chain hashes.
type TraceEvent struct {
	Seq           int             `json:"seq"`
	Op            string          `json:"op"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	Version       int64           `json:"version,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Outcome       string          `json:"outcome"`
	Applied       int             `json:"applied,omitempty"`
	State         json.RawMessage `json:"state,omitempty"`

	// Divergent is the first divergent version reported by verify.
	Divergent int64 `json:"first_divergent_version,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Heads maps each aggregate to the chain hash of its head at the end
	// of the run.
	Heads map[string]string `json:"heads,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Heads:  make(map[string]string),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
