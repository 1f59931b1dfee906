package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/chronicle/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Op, ev.AggregateID)
		if ev.EventID != "" {
			fmt.Fprintf(&buf, " %s", ev.EventID)
		}
		fmt.Fprintf(&buf, " -> %s\n", ev.Outcome)
	}
	return buf.String()
}

func (a Assertion) matches(ev TraceEvent) bool {
	return (a.Op == "" || ev.Op == a.Op) &&
		(a.EventID == "" || ev.EventID == a.EventID) &&
		(a.Outcome == "" || ev.Outcome == a.Outcome)
}

func (a Assertion) describe() string {
	var parts []string
	if a.Op != "" {
		parts = append(parts, "op="+a.Op)
	}
	if a.EventID != "" {
		parts = append(parts, "event_id="+a.EventID)
	}
	if a.Outcome != "" {
		parts = append(parts, "outcome="+a.Outcome)
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if a.matches(ev) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "a trace event with " + a.describe(),
		Actual:   "no match",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the listed event ids were appended in the
// given order. Other events may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	var appended []string
	for _, ev := range trace {
		if ev.Op == OpAppend && ev.Outcome == OutcomeAppended {
			appended = append(appended, ev.EventID)
		}
	}

	next := 0
	for _, id := range appended {
		if next < len(a.Events) && id == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("appends in order %v", a.Events),
		Actual:   fmt.Sprintf("appends %v (missing or out of order: %s)", appended, a.Events[next]),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if a.matches(ev) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d trace events with %s", a.Count, a.describe()),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

func assertFinalHead(ctx context.Context, st *store.Store, a Assertion) error {
	head, err := st.Head(ctx, a.Aggregate)
	if err != nil {
		return fmt.Errorf("final_head %s: %w", a.Aggregate, err)
	}
	if head.Version == a.Version {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalHead,
		Expected: fmt.Sprintf("%s at version %d", a.Aggregate, a.Version),
		Actual:   fmt.Sprintf("version %d", head.Version),
	}
}

// matchSubset reports whether actual contains every key of expected with
// an equal value. Nested objects are matched as subsets too.
func matchSubset(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		wantMap, wantIsMap := want.(map[string]any)
		gotMap, gotIsMap := got.(map[string]any)
		if wantIsMap && gotIsMap {
			if !matchSubset(gotMap, wantMap) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// EvaluateAssertions evaluates every assertion and returns the messages of
// the ones that failed.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, st *store.Store) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalHead:
			if st == nil {
				err = fmt.Errorf("assertion[%d]: final_head requires a store", i)
			} else {
				err = assertFinalHead(ctx, st, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}
