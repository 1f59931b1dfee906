package event

import (
	"fmt"
	"slices"
)

// Schema validates a payload for one event type version.
type Schema interface {
	Validate(payload []byte) error
}

// SchemaFunc adapts a function to Schema.
type SchemaFunc func(payload []byte) error

// Validate calls f(payload).
func (f SchemaFunc) Validate(payload []byte) error {
	return f(payload)
}

// Definition registers one version of an event type.
type Definition struct {
	// Type is the event type name, e.g. "OrderCreated".
	Type string

	// Version is the payload schema version, starting at 1.
	Version int

	// Schema validates payloads. A nil Schema accepts any JSON object.
	Schema Schema

	Description string
}

type definitionKey struct {
	eventType string
	version   int
}

// Registry is the closed table of known event types.
//
// A Registry is built once with NewRegistry and is read-only afterwards, so
// it can be shared by every component without locking. There is no
// process-wide registry; the owner of the engine constructs one and passes
// it where it is needed.
type Registry struct {
	defs   map[definitionKey]Definition
	latest map[string]int
}

// NewRegistry builds a registry from definitions. Duplicate (type, version)
// pairs, empty type names and non-positive versions are rejected.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:   make(map[definitionKey]Definition, len(defs)),
		latest: make(map[string]int),
	}
	for _, def := range defs {
		if def.Type == "" {
			return nil, fmt.Errorf("registry: definition with empty type")
		}
		if def.Version < 1 {
			return nil, fmt.Errorf("registry: %s: version must be >= 1, got %d", def.Type, def.Version)
		}
		key := definitionKey{def.Type, def.Version}
		if _, exists := r.defs[key]; exists {
			return nil, fmt.Errorf("registry: duplicate definition %s v%d", def.Type, def.Version)
		}
		r.defs[key] = def
		if def.Version > r.latest[def.Type] {
			r.latest[def.Type] = def.Version
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
// Use only in tests or with static definitions.
func MustRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition for eventType at schemaVersion.
// A schemaVersion of 0 selects the latest registered version.
// Unknown types return an UNKNOWN_EVENT_TYPE *Error, never a panic.
func (r *Registry) Lookup(eventType string, schemaVersion int) (Definition, error) {
	if schemaVersion == 0 {
		latest, ok := r.latest[eventType]
		if !ok {
			return Definition{}, NewUnknownEventTypeError(eventType, 0)
		}
		schemaVersion = latest
	}
	def, ok := r.defs[definitionKey{eventType, schemaVersion}]
	if !ok {
		if _, known := r.latest[eventType]; !known {
			return Definition{}, NewUnknownEventTypeError(eventType, 0)
		}
		return Definition{}, NewUnknownEventTypeError(eventType, schemaVersion)
	}
	return def, nil
}

// Has reports whether eventType is registered at any version.
func (r *Registry) Has(eventType string) bool {
	_, ok := r.latest[eventType]
	return ok
}

// Types returns registered type names in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.latest))
	for t := range r.latest {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Definitions returns every definition ordered by type then version.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	slices.SortFunc(defs, func(a, b Definition) int {
		if a.Type != b.Type {
			if a.Type < b.Type {
				return -1
			}
			return 1
		}
		return a.Version - b.Version
	})
	return defs
}

// ValidatePayload checks payload against the schema registered for
// (eventType, schemaVersion).
func (r *Registry) ValidatePayload(eventType string, schemaVersion int, payload []byte) error {
	def, err := r.Lookup(eventType, schemaVersion)
	if err != nil {
		return err
	}
	schema := def.Schema
	if schema == nil {
		schema = ObjectSchema
	}
	if err := schema.Validate(payload); err != nil {
		return NewValidationError("", eventType, fmt.Sprintf("payload does not match %s v%d schema", eventType, def.Version), err)
	}
	return nil
}
