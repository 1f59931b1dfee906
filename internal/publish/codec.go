package publish

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/roach88/chronicle/internal/event"
)

// Message metadata keys. They let subscribers route without decoding the
// payload.
const (
	MetaAggregateID = "aggregate_id"
	MetaEventType   = "event_type"
	MetaVersion     = "version"
	MetaChainHash   = "chain_hash"
)

// Marshal encodes a sealed envelope as a message. The message UUID is the
// event id, so transports that deduplicate by message id drop redelivered
// envelopes.
func Marshal(env event.Envelope) (*message.Message, error) {
	if !env.Sealed() {
		return nil, fmt.Errorf("publish: envelope %s is not sealed", env.EventID)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("publish: encode %s: %w", env.EventID, err)
	}
	msg := message.NewMessage(env.EventID, payload)
	msg.Metadata.Set(MetaAggregateID, env.AggregateID)
	msg.Metadata.Set(MetaEventType, env.Type)
	msg.Metadata.Set(MetaVersion, strconv.FormatInt(env.Version, 10))
	msg.Metadata.Set(MetaChainHash, env.ChainHash)
	return msg, nil
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(msg *message.Message) (event.Envelope, error) {
	var env event.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return event.Envelope{}, fmt.Errorf("publish: decode message %s: %w", msg.UUID, err)
	}
	if !env.Sealed() {
		return event.Envelope{}, fmt.Errorf("publish: message %s carries an unsealed envelope", msg.UUID)
	}
	return env, nil
}
