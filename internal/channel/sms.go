package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

type SMSConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type smsAPI interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
}

// SMS delivers the body via Twilio, one message per registered device
// number per recipient. Recipients without device numbers fall back to
// their primary phone.
type SMS struct {
	cfg SMSConfig
	api smsAPI
	log logx.Logger
}

func NewSMS(cfg SMSConfig, log logx.Logger) (*SMS, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("sms: account sid and auth token are required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("sms: from number is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMS{cfg: cfg, api: client.Api, log: log.With(logx.String("channel", "sms"))}, nil
}

func (s *SMS) Key() string       { return "sms" }
func (s *SMS) Parts() []string   { return []string{PartBody} }
func (s *SMS) TitlePart() string { return PartBody }

func (s *SMS) Send(_ context.Context, recipients []notify.Recipient, env Envelope) error {
	body := env.Part(PartBody)

	var sent int
	var errs []error
	for _, r := range recipients {
		for _, number := range smsNumbers(r) {
			params := &twilioapi.CreateMessageParams{}
			params.SetFrom(s.cfg.FromNumber)
			params.SetTo(number)
			params.SetBody(body)
			if _, err := s.api.CreateMessage(params); err != nil {
				errs = append(errs, fmt.Errorf("sms: %s: %w", number, err))
				continue
			}
			sent++
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Debug("sms sent", logx.Int("messages", sent))
	return nil
}

// smsNumbers lists the destination numbers for one recipient: device
// tokens that are not platform endpoints, or the primary phone.
func smsNumbers(r notify.Recipient) []string {
	var out []string
	for _, d := range r.Devices {
		if d.Endpoint == "" && d.Token != "" {
			out = append(out, d.Token)
		}
	}
	if len(out) == 0 && r.Phone != "" {
		out = append(out, r.Phone)
	}
	return out
}
