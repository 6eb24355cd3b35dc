package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/tenderdesk/orggov/internal/config"
)

type sendGridClient interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridNotifier delivers mail through the SendGrid v3 API.
type SendGridNotifier struct {
	from   *mail.Email
	client sendGridClient
}

func NewSendGridNotifier(cfg config.SendGridConfig) *SendGridNotifier {
	return &SendGridNotifier{
		from:   mail.NewEmail(cfg.FromName, cfg.FromEmail),
		client: sendgrid.NewSendClient(cfg.APIKey),
	}
}

func (n *SendGridNotifier) Send(ctx context.Context, to Recipient, kind Kind, data Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Render(kind, to, data)
	if err != nil {
		return err
	}

	email := mail.NewSingleEmailPlainText(n.from, msg.Subject, mail.NewEmail(to.Name, to.Email), msg.Body)
	email.AddCategories(string(kind))

	resp, err := n.client.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send %s notification via sendgrid: %w", kind, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d, body: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
