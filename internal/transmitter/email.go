package transmitter

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"github.com/arevik/schedulon/internal/domain"
)

// EmailTransmitter hands a message to the outbound channel by sending it as
// an email via Resend. Message.Subject becomes the email subject and the
// payload the plain-text body.
type EmailTransmitter struct {
	client *resend.Client
	from   string
	to     string
}

// NewEmailTransmitter builds a Transmitter that sends every message to a
// single fixed recipient — the common case for an ops/alerting sink.
func NewEmailTransmitter(apiKey, from, to string) *EmailTransmitter {
	return &EmailTransmitter{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
	}
}

func (t *EmailTransmitter) Transmit(ctx context.Context, message domain.Message) error {
	params := &resend.SendEmailRequest{
		From:    t.from,
		To:      []string{t.to},
		Subject: message.Subject,
		Text:    string(message.Payload),
	}
	if _, err := t.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
