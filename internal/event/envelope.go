package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/roach88/chronicle/internal/canonical"
)

// Well-known metadata keys. The request context collaborator populates the
// first four; RetentionKey routes an envelope to the archive.
const (
	MetaActorID   = "actor_id"
	MetaIPAddress = "ip_address"
	MetaSessionID = "session_id"
	MetaRequestID = "request_id"

	RetentionKey      = "retention"
	RetentionLongTerm = "long_term"
)

// TimePrecision is the resolution timestamps are kept at. Both SQL dialects
// store microseconds, so hashes stay stable across backends.
const TimePrecision = time.Microsecond

// Envelope is the immutable unit of the event log.
//
// Version, RecordedAt, ChainHash and the signature fields are assigned by
// the store at append time. A sealed envelope must never be modified; a
// correction is a new envelope whose CausationID points at what it corrects.
type Envelope struct {
	EventID       string            `json:"event_id"`
	AggregateID   string            `json:"aggregate_id"`
	Type          string            `json:"event_type"`
	SchemaVersion int               `json:"schema_version"`
	Version       int64             `json:"version"`
	Payload       json.RawMessage   `json:"payload"`
	OccurredAt    time.Time         `json:"occurred_at"`
	RecordedAt    time.Time         `json:"recorded_at"`
	CorrelationID string            `json:"correlation_id"`
	CausationID   string            `json:"causation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	ChainHash      string `json:"chain_hash,omitempty"`
	Signature      string `json:"signature,omitempty"`
	SignatureKeyID string `json:"signature_key_id,omitempty"`
}

// Sealed reports whether the store has assigned a version and chain hash.
func (e Envelope) Sealed() bool {
	return e.Version > 0 && e.ChainHash != ""
}

// Clone returns a deep copy. Payload and metadata are not shared with e.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return c
}

// Retained reports whether the envelope is flagged for long-term archival.
func (e Envelope) Retained() bool {
	return e.Metadata[RetentionKey] == RetentionLongTerm
}

// CanonicalBytes returns the canonical serialization of every hashed field:
// all envelope fields except the chain hash and signature.
//
// The payload is re-canonicalized so that the storage encoding of the
// payload never affects the hash.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	payload, err := canonical.CanonicalizeJSON(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: payload: %w", e.EventID, err)
	}

	obj := canonical.Object{
		"event_id":       canonical.String(e.EventID),
		"aggregate_id":   canonical.String(e.AggregateID),
		"event_type":     canonical.String(e.Type),
		"schema_version": canonical.Int(e.SchemaVersion),
		"version":        canonical.Int(e.Version),
		"payload":        payload,
		"occurred_at":    canonical.String(FormatTime(e.OccurredAt)),
		"recorded_at":    canonical.String(FormatTime(e.RecordedAt)),
		"correlation_id": canonical.String(e.CorrelationID),
		"causation_id":   canonical.OptionalString(e.CausationID),
		"metadata":       canonical.StringMap(e.Metadata),
	}

	data, err := canonical.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: %w", e.EventID, err)
	}
	return data, nil
}

// NormalizeTime converts t to UTC at TimePrecision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimePrecision)
}

// FormatTime renders t the way it is hashed.
func FormatTime(t time.Time) string {
	return NormalizeTime(t).Format(time.RFC3339Nano)
}
