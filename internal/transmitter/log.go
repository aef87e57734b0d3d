package transmitter

import (
	"context"
	"log/slog"

	"github.com/arevik/schedulon/internal/domain"
)

// LogTransmitter logs messages instead of sending them. Used in local
// development, where there is no outbound channel to hand anything to.
type LogTransmitter struct {
	logger *slog.Logger
}

func NewLogTransmitter(logger *slog.Logger) *LogTransmitter {
	return &LogTransmitter{logger: logger.With("component", "transmitter.log")}
}

func (t *LogTransmitter) Transmit(_ context.Context, message domain.Message) error {
	t.logger.Info("message transmitted (local dev)",
		"subject", message.Subject,
		"payload_bytes", len(message.Payload),
	)
	return nil
}
