// Package transmitter declares the outbound-channel contract and the
// concrete sinks the engine can be wired to: a dev-mode logger, email via
// Resend, and a Kafka pub/sub bus via Watermill.
package transmitter

import (
	"context"

	"github.com/arevik/schedulon/internal/domain"
)

// Transmitter hands a message to the outbound channel. Implementations must
// be safe for concurrent use and must surface a network partition as an
// error after a bounded internal timeout rather than blocking indefinitely.
type Transmitter interface {
	Transmit(ctx context.Context, message domain.Message) error
}
