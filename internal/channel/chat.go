package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

type ChatConfig struct {
	Token      string
	RatePerSec float64
}

type chatSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Chat appends the body to a chat room. The room is addressed by the
// "chat_room_id" context key, never by a template part; recipients are
// informational only (the room is the audience).
type Chat struct {
	bot     chatSender
	limiter *rate.Limiter
	log     logx.Logger
}

func NewChat(cfg ChatConfig, log logx.Logger) (*Chat, error) {
	if cfg.Token == "" {
		return nil, errors.New("chat: token is required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Poller: &tele.LongPoller{Timeout: 10 * time.Second}})
	if err != nil {
		return nil, fmt.Errorf("chat: init bot: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Chat{bot: bot, limiter: limiter, log: log.With(logx.String("channel", "chat"))}, nil
}

func (c *Chat) Key() string       { return "chat" }
func (c *Chat) Parts() []string   { return []string{PartBody} }
func (c *Chat) TitlePart() string { return PartBody }

func (c *Chat) Send(ctx context.Context, _ []notify.Recipient, env Envelope) error {
	roomID, err := chatRoomID(env.Context)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.bot.Send(&tele.Chat{ID: roomID}, env.Part(PartBody)); err != nil {
		return fmt.Errorf("chat: send to room %d: %w", roomID, err)
	}
	c.log.Debug("chat message sent", logx.Int64("room", roomID))
	return nil
}

func chatRoomID(ctx map[string]any) (int64, error) {
	v, ok := ctx["chat_room_id"]
	if !ok {
		return 0, errors.New("chat: context is missing chat_room_id")
	}
	switch id := v.(type) {
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("chat: bad chat_room_id %q: %w", id, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("chat: bad chat_room_id type %T", v)
}
