package publish

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewChannel returns an in-process pub/sub. Subscribers receive every
// envelope published after they subscribe.
func NewChannel(logger *slog.Logger, buffer int64) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, watermill.NewSlogLogger(logger))
}
