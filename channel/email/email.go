// Package email delivers notifications over SendGrid.
package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
)

// Sentinel errors for email delivery
var (
	ErrNoEmailAddress = errors.New("subscriber has no email address")
	ErrSendFailed     = errors.New("email delivery failed")
)

// Client is the part of the SendGrid API the sender uses.
type Client interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Sender implements notifier.Channel over SendGrid
type Sender struct {
	client      Client
	fromName    string
	fromAddress string
}

// NewSender creates a SendGrid-backed email channel
func NewSender(apiKey, fromName, fromAddress string) *Sender {
	return NewSenderWithClient(sendgrid.NewSendClient(apiKey), fromName, fromAddress)
}

// NewSenderWithClient creates an email channel with a custom client,
// useful for testing
func NewSenderWithClient(client Client, fromName, fromAddress string) *Sender {
	return &Sender{
		client:      client,
		fromName:    fromName,
		fromAddress: fromAddress,
	}
}

// Kind reports the channel identity used for gating and bookkeeping.
func (s *Sender) Kind() notifier.ChannelKind {
	return notifier.ChannelEmail
}

// Send composes and delivers one notification. A missing email address or a
// non-2xx SendGrid response is a delivery failure.
func (s *Sender) Send(ctx context.Context, n notifier.Notification) error {
	if n.Subscriber.Email == nil {
		return fmt.Errorf("subscriber %d: %w", n.Subscriber.ID, ErrNoEmailAddress)
	}

	subject, body := Compose(n)
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromAddress),
		subject,
		mail.NewEmail("", *n.Subscriber.Email),
		body,
		"<p>"+body+"</p>",
	)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}
