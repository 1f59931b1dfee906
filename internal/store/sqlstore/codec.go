package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/chronicle/internal/canonical"
	"github.com/roach88/chronicle/internal/event"
)

// Payload encodings stored in events.payload_encoding.
const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"
)

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// encodePayload returns the stored bytes and their encoding.
func encodePayload(payload []byte, threshold int) ([]byte, string) {
	if threshold > 0 && len(payload) > threshold {
		return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), EncodingZstd
	}
	return payload, EncodingJSON
}

func decodePayload(data []byte, encoding string) (json.RawMessage, error) {
	switch encoding {
	case EncodingJSON, "":
		return json.RawMessage(data), nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return json.RawMessage(out), nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}

func toMicros(t time.Time) int64 {
	return event.NormalizeTime(t).UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := canonical.Marshal(canonical.StringMap(m))
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// eventColumns is the column list every envelope query selects, in
// scanEnvelope order.
const eventColumns = `event_id, aggregate_id, event_type, schema_version, version,
	payload, payload_encoding, occurred_at, recorded_at, correlation_id,
	causation_id, metadata, chain_hash, signature, signature_key_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (event.Envelope, error) {
	var (
		env                   event.Envelope
		payload               []byte
		encoding              string
		occurred, recorded    int64
		causation, metadata   sql.NullString
		signature, signatureK sql.NullString
	)
	err := row.Scan(
		&env.EventID, &env.AggregateID, &env.Type, &env.SchemaVersion, &env.Version,
		&payload, &encoding, &occurred, &recorded, &env.CorrelationID,
		&causation, &metadata, &env.ChainHash, &signature, &signatureK,
	)
	if err != nil {
		return event.Envelope{}, err
	}

	if env.Payload, err = decodePayload(payload, encoding); err != nil {
		return event.Envelope{}, fmt.Errorf("%s v%d: %w", env.AggregateID, env.Version, err)
	}
	if env.Metadata, err = decodeMetadata(metadata); err != nil {
		return event.Envelope{}, fmt.Errorf("%s v%d: %w", env.AggregateID, env.Version, err)
	}
	env.OccurredAt = fromMicros(occurred)
	env.RecordedAt = fromMicros(recorded)
	env.CausationID = causation.String
	env.Signature = signature.String
	env.SignatureKeyID = signatureK.String
	return env, nil
}
