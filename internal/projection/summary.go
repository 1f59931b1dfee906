package projection

import (
	"maps"

	"github.com/roach88/chronicle/internal/event"
	"github.com/roach88/chronicle/internal/replay"
)

// SummaryName is the name of the built-in summary projection.
const SummaryName = "aggregate_summary"

// Summary describes an aggregate's history at a glance.
type Summary struct {
	Events          int64            `json:"events"`
	Types           map[string]int64 `json:"types,omitempty"`
	FirstOccurredAt string           `json:"first_occurred_at,omitempty"`
	LastOccurredAt  string           `json:"last_occurred_at,omitempty"`
	LastEventID     string           `json:"last_event_id,omitempty"`
}

// NewSummary returns the aggregate_summary projection. It subscribes to
// every event type of every aggregate.
func NewSummary() *Typed[Summary] {
	return Define(SummaryName, Summary{}, replay.NewHandlers[Summary]().Fallback(summarize))
}

func summarize(s Summary, env event.Envelope) (Summary, error) {
	s.Types = maps.Clone(s.Types)
	if s.Types == nil {
		s.Types = make(map[string]int64)
	}
	s.Types[env.Type]++
	s.Events++

	occurred := event.FormatTime(env.OccurredAt)
	if s.FirstOccurredAt == "" {
		s.FirstOccurredAt = occurred
	}
	s.LastOccurredAt = occurred
	s.LastEventID = env.EventID
	return s, nil
}
