package transmitter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/arevik/schedulon/config"
)

// New dispatches on cfg.TransmitterKind and returns the concrete
// Transmitter the engine should transmit through. A non-nil
// closer is returned when the backend holds a connection worth draining on
// shutdown; it is nil for backends that don't.
func New(cfg *config.Config, logger *slog.Logger) (Transmitter, func() error, error) {
	switch cfg.TransmitterKind {
	case "log":
		return NewLogTransmitter(logger), nil, nil
	case "email":
		return NewEmailTransmitter(cfg.ResendAPIKey, cfg.ResendFrom, cfg.ResendTo), nil, nil
	case "pubsub":
		brokers := ParseBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, nil, fmt.Errorf("pubsub transmitter: no brokers configured")
		}
		wmLogger := watermill.NewStdLogger(false, false)
		timeout := time.Duration(cfg.TransmitTimeoutSec) * time.Second
		t, err := NewPubSubTransmitter(brokers, wmLogger, timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("new pubsub transmitter: %w", err)
		}
		return t, t.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transmitter kind %q", cfg.TransmitterKind)
	}
}
