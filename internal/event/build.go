package event

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/chronicle/internal/canonical"
)

// Clock supplies wall-clock time to the builder and the store.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads time.Now.
var SystemClock Clock = ClockFunc(time.Now)

// IDGenerator returns a new, never reused event id.
type IDGenerator func() string

// NewEventID returns a UUIDv7. The ids sort roughly by creation time.
func NewEventID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Draft is the producer's input to Build.
type Draft struct {
	AggregateID string
	Type        string

	// SchemaVersion selects the payload schema. Zero means latest.
	SchemaVersion int

	// Payload is json.RawMessage, []byte holding JSON, or any value
	// encodable with encoding/json.
	Payload any

	Metadata      map[string]string
	CausationID   string
	CorrelationID string

	// OccurredAt is the business time of the fact. Zero means now.
	OccurredAt time.Time

	// EventID lets a producer that retries keep a stable id. Empty means
	// generate one.
	EventID string
}

// Policy inspects or enriches a draft before it is built, for example by
// attaching an impact assessment to the metadata. Policies are optional and
// supplied by the producer; the envelope contract does not depend on them.
type Policy func(ctx context.Context, d *Draft) error

// Builder validates drafts against a registry and constructs envelopes.
type Builder struct {
	registry *Registry
	clock    Clock
	newID    IDGenerator
	policies []Policy
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the clock used for recorded_at and default occurred_at.
func WithClock(c Clock) BuilderOption {
	return func(b *Builder) { b.clock = c }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(g IDGenerator) BuilderOption {
	return func(b *Builder) { b.newID = g }
}

// WithPolicies appends policies, applied in order before validation.
func WithPolicies(p ...Policy) BuilderOption {
	return func(b *Builder) { b.policies = append(b.policies, p...) }
}

// NewBuilder creates a Builder over registry.
func NewBuilder(registry *Registry, opts ...BuilderOption) *Builder {
	b := &Builder{
		registry: registry,
		clock:    SystemClock,
		newID:    NewEventID,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the registry the builder validates against.
func (b *Builder) Registry() *Registry {
	return b.registry
}

// Build validates d and returns an unsealed envelope.
//
// Build assigns event_id, recorded_at, occurred_at (defaulting to
// recorded_at) and correlation_id (defaulting to event_id). Version is left
// zero: the store assigns it at append time. Request context attached to
// ctx with WithRequestContext is merged into the metadata; explicit draft
// metadata takes precedence.
//
// Every rejection is a VALIDATION *Error.
func (b *Builder) Build(ctx context.Context, d Draft) (Envelope, error) {
	d.Metadata = maps.Clone(d.Metadata)
	for _, policy := range b.policies {
		if err := policy(ctx, &d); err != nil {
			return Envelope{}, fmt.Errorf("policy: %w", err)
		}
	}

	if d.AggregateID == "" {
		return Envelope{}, NewValidationError("", d.Type, "aggregate_id is required", nil)
	}
	if d.Type == "" {
		return Envelope{}, NewValidationError(d.AggregateID, "", "event_type is required", nil)
	}

	def, err := b.registry.Lookup(d.Type, d.SchemaVersion)
	if err != nil {
		return Envelope{}, NewValidationError(d.AggregateID, d.Type, "event type is not in the registry", err)
	}

	payload, err := encodePayload(d.Payload)
	if err != nil {
		return Envelope{}, NewValidationError(d.AggregateID, d.Type, "payload is not encodable", err)
	}
	if err := b.registry.ValidatePayload(def.Type, def.Version, payload); err != nil {
		if e, ok := AsError(err); ok {
			e.AggregateID = d.AggregateID
		}
		return Envelope{}, err
	}
	canonicalPayload, err := canonical.CanonicalizeJSON(payload)
	if err != nil {
		return Envelope{}, NewValidationError(d.AggregateID, d.Type, "payload is not valid JSON", err)
	}
	if err := canonical.CheckNumbers(payload); err != nil {
		return Envelope{}, NewValidationError(d.AggregateID, d.Type,
			"payload number would lose precision; send it as a string", err)
	}

	metadata := RequestContextFrom(ctx).Metadata()
	for k, v := range d.Metadata {
		if k == "" {
			return Envelope{}, NewValidationError(d.AggregateID, d.Type, "metadata keys must be non-empty", nil)
		}
		metadata[k] = v
	}

	id := d.EventID
	if id == "" {
		id = b.newID()
	}
	if d.CausationID != "" && d.CausationID == id {
		return Envelope{}, NewValidationError(d.AggregateID, d.Type, "an event cannot cause itself", nil)
	}

	now := NormalizeTime(b.clock.Now())
	occurred := now
	if !d.OccurredAt.IsZero() {
		occurred = NormalizeTime(d.OccurredAt)
	}
	correlation := d.CorrelationID
	if correlation == "" {
		correlation = id
	}

	env := Envelope{
		EventID:       id,
		AggregateID:   d.AggregateID,
		Type:          def.Type,
		SchemaVersion: def.Version,
		Payload:       json.RawMessage(canonicalPayload),
		OccurredAt:    occurred,
		RecordedAt:    now,
		CorrelationID: correlation,
		CausationID:   d.CausationID,
	}
	if len(metadata) > 0 {
		env.Metadata = metadata
	}
	return env, nil
}

func encodePayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, fmt.Errorf("payload is required")
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Decode unmarshals the payload of env into P.
func Decode[P any](env Envelope) (P, error) {
	var p P
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload of %s v%d: %w", env.Type, env.AggregateID, env.Version, err)
	}
	return p, nil
}
