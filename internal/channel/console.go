package channel

import (
	"context"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

// Console writes notifications to the operational log. It never fails,
// which makes it the default channel for local development and tests.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	return &Console{log: log.With(logx.String("channel", "console"))}
}

func (c *Console) Key() string       { return "console" }
func (c *Console) Parts() []string   { return []string{PartSubject, PartBody} }
func (c *Console) TitlePart() string { return PartSubject }

func (c *Console) Send(_ context.Context, recipients []notify.Recipient, env Envelope) error {
	names := make([]string, 0, len(recipients))
	for _, r := range recipients {
		names = append(names, r.ID)
	}
	c.log.Info("notification",
		logx.Strings("recipients", names),
		logx.String("subject", env.Part(PartSubject)),
		logx.String("body", env.Part(PartBody)),
	)
	return nil
}
