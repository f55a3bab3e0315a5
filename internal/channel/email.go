package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Attachment is auxiliary envelope data for the email channel, carried
// in the dispatch context under "attachments" as []Attachment.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

type emailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Email delivers via SendGrid. Recipient addresses come from the
// "recipients" context override when present, otherwise from each
// recipient's Email field; recipients without an address are skipped.
type Email struct {
	cfg    EmailConfig
	client emailSender
	log    logx.Logger
}

func NewEmail(cfg EmailConfig, log logx.Logger) (*Email, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("email: api key is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("email: from address is required")
	}
	return &Email{
		cfg:    cfg,
		client: sendgrid.NewSendClient(cfg.APIKey),
		log:    log.With(logx.String("channel", "email")),
	}, nil
}

func (e *Email) Key() string       { return "email" }
func (e *Email) Parts() []string   { return []string{PartSubject, PartBody, PartHTML} }
func (e *Email) TitlePart() string { return PartSubject }

func (e *Email) Send(ctx context.Context, recipients []notify.Recipient, env Envelope) error {
	addrs := contextStrings(env.Context, "recipients")
	if len(addrs) == 0 {
		for _, r := range recipients {
			if r.Email != "" {
				addrs = append(addrs, r.Email)
			}
		}
	}
	if len(addrs) == 0 {
		return errors.New("email: no resolvable recipient addresses")
	}

	msg := mail.NewV3Mail()
	msg.SetFrom(mail.NewEmail(e.cfg.FromName, e.cfg.FromEmail))
	msg.Subject = env.Part(PartSubject)

	p := mail.NewPersonalization()
	for _, a := range addrs {
		p.AddTos(mail.NewEmail("", a))
	}
	msg.AddPersonalizations(p)

	if body := env.Part(PartBody); body != "" {
		msg.AddContent(mail.NewContent("text/plain", body))
	}
	if html := env.Part(PartHTML); html != "" {
		msg.AddContent(mail.NewContent("text/html", html))
	}

	for _, att := range contextAttachments(env.Context) {
		a := mail.NewAttachment()
		a.SetFilename(att.Filename)
		a.SetType(att.ContentType)
		a.SetContent(base64.StdEncoding.EncodeToString(att.Content))
		msg.AddAttachment(a)
	}

	resp, err := e.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("email: sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	e.log.Debug("email sent", logx.Int("recipients", len(addrs)))
	return nil
}

// contextStrings reads a string list from the dispatch context,
// tolerating both []string and []any (decoded JSON).
func contextStrings(ctx map[string]any, key string) []string {
	switch v := ctx[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contextAttachments(ctx map[string]any) []Attachment {
	v, ok := ctx["attachments"].([]Attachment)
	if !ok {
		return nil
	}
	return v
}
