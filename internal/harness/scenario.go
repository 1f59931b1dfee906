package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chronicle/internal/event"
)

// Scenario is a conformance scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Registry is a registry file path, relative to the scenario file.
	Registry string `yaml:"registry,omitempty"`

	// Types declares the registry inline. Used when Registry is empty.
	Types []event.TypeEntry `yaml:"types,omitempty"`

	// HMACKey, hex encoded, signs every envelope when set.
	HMACKey string `yaml:"hmac_key,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// dir is the directory of the scenario file.
	dir string
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Append         *AppendStep `yaml:"append,omitempty"`
	ExpectConflict *AppendStep `yaml:"expect_conflict,omitempty"`
	Tamper         *TamperStep `yaml:"tamper,omitempty"`
	Replay         *ReplayStep `yaml:"replay,omitempty"`
	Verify         *VerifyStep `yaml:"verify,omitempty"`
}

// AppendStep builds an event from a draft and appends it.
type AppendStep struct {
	AggregateID     string            `yaml:"aggregate"`
	Type            string            `yaml:"type"`
	ExpectedVersion int64             `yaml:"expected_version"`
	Payload         map[string]any    `yaml:"payload"`
	EventID         string            `yaml:"event_id,omitempty"`
	Metadata        map[string]string `yaml:"metadata,omitempty"`

	// CausedBy is the event_id of the cause. The correlation id is copied
	// from the cause unless CorrelationID is set.
	CausedBy      string `yaml:"caused_by,omitempty"`
	CorrelationID string `yaml:"correlation_id,omitempty"`

	// ExpectError is the error code the append must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// TamperStep rewrites a stored envelope.
type TamperStep struct {
	AggregateID string            `yaml:"aggregate"`
	Version     int64             `yaml:"version"`
	Payload     map[string]any    `yaml:"payload,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// ReplayStep replays an aggregate.
type ReplayStep struct {
	AggregateID string        `yaml:"aggregate"`
	From        int64         `yaml:"from,omitempty"`
	To          int64         `yaml:"to,omitempty"`
	Expect      *ReplayExpect `yaml:"expect,omitempty"`
}

// ReplayExpect is checked against a replay's outcome.
type ReplayExpect struct {
	// Version is the last applied version.
	Version int64 `yaml:"version,omitempty"`
	Applied int   `yaml:"applied,omitempty"`

	// State is matched as a subset of the tally.
	State map[string]any `yaml:"state,omitempty"`

	// Error is the error code the replay must fail with.
	Error string `yaml:"error,omitempty"`
}

// VerifyStep verifies one aggregate, or all of them when Aggregate is
// empty.
type VerifyStep struct {
	AggregateID string        `yaml:"aggregate,omitempty"`
	Expect      *VerifyExpect `yaml:"expect,omitempty"`
}

// VerifyExpect is checked against a verification.
type VerifyExpect struct {
	OK                    *bool `yaml:"ok,omitempty"`
	FirstDivergentVersion int64 `yaml:"first_divergent_version,omitempty"`
}

// Assertion validates the final trace or store.
type Assertion struct {
	Type string `yaml:"type"`

	Op      string `yaml:"op,omitempty"`
	EventID string `yaml:"event_id,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Events is the expected append order, used by trace_order.
	Events []string `yaml:"events,omitempty"`

	// Aggregate and Version are used by final_head.
	Aggregate string `yaml:"aggregate,omitempty"`
	Version   int64  `yaml:"version,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalHead     = "final_head"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected to catch typos such as "assertion:".
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.dir = filepath.Dir(path)
	return sc, nil
}

// ParseScenario parses and validates scenario YAML. A registry path is
// resolved against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// registry compiles the scenario's event registry.
func (s *Scenario) registry() (*event.Registry, error) {
	if s.Registry == "" {
		return event.RegistryFile{Types: s.Types}.Compile()
	}
	path := s.Registry
	if !filepath.IsAbs(path) && s.dir != "" {
		path = filepath.Join(s.dir, path)
	}
	return event.LoadRegistry(path)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Registry == "" && len(s.Types) == 0 {
		return fmt.Errorf("registry or types is required")
	}
	if s.Registry != "" && len(s.Types) > 0 {
		return fmt.Errorf("declare either registry or types, not both")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	set := 0
	for _, present := range []bool{
		step.Append != nil, step.ExpectConflict != nil, step.Tamper != nil,
		step.Replay != nil, step.Verify != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of append, expect_conflict, tamper, replay, verify is required", i)
	}

	switch {
	case step.Append != nil:
		return validateAppend(i, "append", step.Append)
	case step.ExpectConflict != nil:
		if step.ExpectConflict.ExpectError != "" {
			return fmt.Errorf("steps[%d].expect_conflict: expect_error is implied", i)
		}
		return validateAppend(i, "expect_conflict", step.ExpectConflict)
	case step.Tamper != nil:
		if step.Tamper.AggregateID == "" {
			return fmt.Errorf("steps[%d].tamper: aggregate is required", i)
		}
		if step.Tamper.Version < 1 {
			return fmt.Errorf("steps[%d].tamper: version must be at least 1", i)
		}
		if step.Tamper.Payload == nil && step.Tamper.Metadata == nil {
			return fmt.Errorf("steps[%d].tamper: payload or metadata is required", i)
		}
	case step.Replay != nil:
		if step.Replay.AggregateID == "" {
			return fmt.Errorf("steps[%d].replay: aggregate is required", i)
		}
	}
	return nil
}

func validateAppend(i int, kind string, a *AppendStep) error {
	if a.AggregateID == "" {
		return fmt.Errorf("steps[%d].%s: aggregate is required", i, kind)
	}
	if a.Type == "" {
		return fmt.Errorf("steps[%d].%s: type is required", i, kind)
	}
	if a.Payload == nil {
		return fmt.Errorf("steps[%d].%s: payload is required (use {} for none)", i, kind)
	}
	if a.ExpectedVersion < 0 {
		return fmt.Errorf("steps[%d].%s: expected_version must be non-negative", i, kind)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Op == "" && a.EventID == "" {
			return fmt.Errorf("assertions[%d]: op or event_id is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalHead:
		if a.Aggregate == "" {
			return fmt.Errorf("assertions[%d]: aggregate is required for final_head", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
