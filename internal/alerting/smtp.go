package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// SMTPOptions parameterise the email channel.
type SMTPOptions struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SMTPNotifier delivers alerts by email to the rule's notify target.
type SMTPNotifier struct {
	opts   SMTPOptions
	logger zerolog.Logger

	// sendMail is swappable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier constructs the email channel.
func NewSMTPNotifier(opts SMTPOptions, logger zerolog.Logger) *SMTPNotifier {
	if opts.Port == 0 {
		opts.Port = 587
	}
	return &SMTPNotifier{
		opts:     opts,
		logger:   logger.With().Str("component", "alert_smtp").Logger(),
		sendMail: smtp.SendMail,
	}
}

// Notify renders and sends the alert email.
func (n *SMTPNotifier) Notify(ctx context.Context, note Notification) error {
	if n.opts.Host == "" || n.opts.From == "" {
		return errors.New("smtp host and from address must be configured")
	}
	if note.To == "" {
		return errors.New("notification has no recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", n.opts.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", note.To))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", note.Subject()))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(note.Body())

	var auth smtp.Auth
	if n.opts.Username != "" {
		auth = smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)
	}

	addr := fmt.Sprintf("%s:%d", n.opts.Host, n.opts.Port)
	if err := n.sendMail(addr, auth, n.opts.From, []string{note.To}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}

	n.logger.Info().
		Int64("rule_id", note.RuleID).
		Str("kind", note.Kind).
		Str("pair", note.Pair).
		Msg("alert delivered (email)")
	return nil
}

var _ Notifier = (*SMTPNotifier)(nil)
