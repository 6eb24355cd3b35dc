package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/tenderdesk/orggov/internal/config"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier delivers plain-text mail through an SMTP relay.
type SMTPNotifier struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
}

func NewSMTPNotifier(cfg config.SMTPConfig) *SMTPNotifier {
	n := &SMTPNotifier{cfg: cfg}
	if cfg.UseTLS {
		n.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			return sendMailTLS(addr, cfg.Host, a, from, to, msg)
		}
	} else {
		n.sendMail = smtp.SendMail
	}
	return n
}

// Send renders kind and submits it. net/smtp has no context support, so ctx only gates the
// attempt.
func (n *SMTPNotifier) Send(ctx context.Context, to Recipient, kind Kind, data Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Render(kind, to, data)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := n.sendMail(addr, auth, n.cfg.From, []string{to.Email}, buildMessage(n.cfg.From, to, msg)); err != nil {
		return fmt.Errorf("failed to send %s notification via smtp: %w", kind, err)
	}
	return nil
}

func buildMessage(from string, to Recipient, msg Message) []byte {
	toHeader := to.Email
	if to.Name != "" {
		toHeader = fmt.Sprintf("%q <%s>", to.Name, to.Email)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", toHeader)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// sanitizeHeader strips line breaks so template values cannot inject headers.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// sendMailTLS connects with implicit TLS (SMTPS, port 465). When the TLS dial fails it falls
// back to smtp.SendMail, which upgrades with STARTTLS on port 587.
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	hostname, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
