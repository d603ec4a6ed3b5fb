// Package mailer relays outbound email over SMTP.
//
// Each Send opens its own SMTP session; the mail worker serializes sends per
// consumer, so no connection is shared across goroutines.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	logx "medremind/pkg/logx"
)

var ErrNotConfigured = errors.New("mailer: smtp host and sender email are required")

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	SenderName  string
	SenderEmail string
	// TLS is "mandatory", "opportunistic" or "none".
	TLS     string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	c.Host = strings.TrimSpace(c.Host)
	c.SenderEmail = strings.TrimSpace(c.SenderEmail)
	if c.Port <= 0 {
		c.Port = 587
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	c.TLS = strings.ToLower(strings.TrimSpace(c.TLS))
	if c.TLS == "" {
		c.TLS = "mandatory"
	}
	return c
}

func tlsPolicy(v string) (mail.TLSPolicy, error) {
	switch v {
	case "mandatory", "starttls":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none", "off":
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("mailer: unknown tls policy %q", v)
	}
}

// SMTP implements outbox.Sender.
type SMTP struct {
	cfg    Config
	policy mail.TLSPolicy
	log    logx.Logger

	// dialAndSend is replaced in tests.
	dialAndSend func(ctx context.Context, msg *mail.Msg) error
}

func New(cfg Config, log logx.Logger) (*SMTP, error) {
	cfg = cfg.withDefaults()
	if cfg.Host == "" || cfg.SenderEmail == "" {
		return nil, ErrNotConfigured
	}
	policy, err := tlsPolicy(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &SMTP{cfg: cfg, policy: policy, log: log}
	s.dialAndSend = s.deliver
	return s, nil
}

func (s *SMTP) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(s.policy),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

func (s *SMTP) deliver(ctx context.Context, msg *mail.Msg) error {
	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// Message builds the MIME message sent for one email. The body is HTML.
func (s *SMTP) Message(to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(s.cfg.SenderName, s.cfg.SenderEmail); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := msg.To(strings.TrimSpace(to)); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, body)
	return msg, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, body string) error {
	msg, err := s.Message(to, subject, body)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := s.dialAndSend(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	s.log.Debug("smtp delivered",
		logx.String("to", to),
		logx.String("host", s.cfg.Host),
		logx.Duration("took", time.Since(start)))
	return nil
}
