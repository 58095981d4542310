package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/config"
	"github.com/matheus3301/wpparchive/internal/metrics"
)

// ErrNotConfigured is returned when no provider, sender or recipient is set.
var ErrNotConfigured = errors.New("email not configured")

// Attachment is a file carried by a message. A non-empty ContentID makes it
// an inline part referenced from the HTML body as cid:ContentID.
type Attachment struct {
	Filename  string
	Data      []byte
	MimeType  string
	ContentID string
}

// Message is a provider-independent email.
type Message struct {
	To          []string
	From        string
	FromName    string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Sender delivers messages through one provider.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Provider() string
}

// New returns the sender selected by cfg.Provider. Messages without From or
// To inherit the configured values. Provider "none" yields a sender that
// always fails with ErrNotConfigured.
func New(cfg config.EmailConfig, log *zap.Logger) (Sender, error) {
	var inner Sender
	switch cfg.Provider {
	case "", "none":
		inner = disabled{}
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("smtp provider: %w: host is empty", ErrNotConfigured)
		}
		inner = NewSMTP(cfg.SMTP)
	case "resend":
		if cfg.Resend.APIKey == "" {
			return nil, fmt.Errorf("resend provider: %w: api key is empty", ErrNotConfigured)
		}
		inner = NewResend(cfg.Resend)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
	return &defaults{inner: inner, cfg: cfg, log: log.Named("email")}, nil
}

type disabled struct{}

func (disabled) Send(context.Context, *Message) error { return ErrNotConfigured }
func (disabled) Provider() string                      { return "none" }

// defaults fills sender identity and recipient, validates, and records metrics.
type defaults struct {
	inner Sender
	cfg   config.EmailConfig
	log   *zap.Logger
}

func (d *defaults) Provider() string { return d.inner.Provider() }

func (d *defaults) Send(ctx context.Context, msg *Message) error {
	out := *msg
	if out.From == "" {
		out.From = d.cfg.From
	}
	if out.FromName == "" {
		out.FromName = d.cfg.FromName
	}
	if len(out.To) == 0 {
		out.To = Recipients(d.cfg.To)
	}
	if out.From == "" || len(out.To) == 0 {
		return ErrNotConfigured
	}

	err := d.inner.Send(ctx, &out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EmailsSent.WithLabelValues(d.inner.Provider(), result).Inc()
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			d.log.Error("email send failed", zap.String("provider", d.inner.Provider()), zap.String("subject", out.Subject), zap.Error(err))
		}
		return err
	}
	d.log.Info("email sent",
		zap.String("provider", d.inner.Provider()),
		zap.Strings("to", out.To),
		zap.String("subject", out.Subject),
		zap.Int("attachments", len(out.Attachments)),
	)
	return nil
}

// Recipients splits a comma separated address list.
func Recipients(list string) []string {
	var out []string
	for _, addr := range strings.Split(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
