//go:build !nats

package publish

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
)

// NATSAvailable reports whether the binary was built with NATS support.
const NATSAvailable = false

// NewNATS returns an error: build with -tags=nats for NATS support.
func NewNATS(string, string, *slog.Logger) (message.Publisher, message.Subscriber, error) {
	return nil, nil, fmt.Errorf("NATS transport not available: build with -tags=nats")
}
