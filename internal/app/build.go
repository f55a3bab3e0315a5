package app

import (
	"context"
	"fmt"
	"strings"

	"notifyd/internal/channel"
	"notifyd/internal/config"
	"notifyd/internal/history"
	"notifyd/internal/reminders"
	"notifyd/internal/taskengine"
	"notifyd/pkg/logx"
)

func historyConfig(cfg *config.Config) (history.Config, error) {
	busy, err := config.ParseDurationField("history.busy_timeout", cfg.History.BusyTimeout)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      cfg.History.Driver,
		Path:        cfg.History.Path,
		BusyTimeout: busy,
		SaveContent: cfg.History.SaveContent,
	}, nil
}

func taskConfig(cfg *config.Config) (taskengine.Config, error) {
	te := cfg.TaskEngine
	out := taskengine.Config{Enabled: te.On()}
	if te == nil {
		return out, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return taskengine.Config{}, err
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.DefaultTimeout = timeout
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax
	return out, nil
}

func reminderConfig(cfg *config.Config) (reminders.Config, error) {
	period, err := config.ParseDurationField("reminders.check_period", cfg.Reminders.CheckPeriod)
	if err != nil {
		return reminders.Config{}, err
	}
	return reminders.Config{Enabled: cfg.Reminders.Enabled, CheckPeriod: period}, nil
}

// buildChannels registers every enabled channel from config. Console is
// on unless explicitly disabled; the rest require their section.
func buildChannels(ctx context.Context, cfg *config.Config, log logx.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()

	if cfg.Channels.Console.On() {
		if err := reg.Register(channel.NewConsole(log)); err != nil {
			return nil, err
		}
	}

	if ec := cfg.Channels.Email; ec != nil && ec.Enabled {
		ch, err := channel.NewEmail(channel.EmailConfig{
			APIKey:    ec.APIKey,
			FromEmail: ec.FromEmail,
			FromName:  ec.FromName,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("channels.email: %w", err)
		}
		if err := reg.Register(ch); err != nil {
			return nil, err
		}
	}

	if sc := cfg.Channels.SMS; sc != nil && sc.Enabled {
		ch, err := channel.NewSMS(channel.SMSConfig{
			AccountSID: sc.AccountSID,
			AuthToken:  sc.AuthToken,
			FromNumber: sc.FromNumber,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("channels.sms: %w", err)
		}
		if err := reg.Register(ch); err != nil {
			return nil, err
		}
	}

	if pc := cfg.Channels.Push; pc != nil && pc.Enabled {
		ch, err := channel.NewPush(ctx, channel.PushConfig{Region: pc.Region}, log)
		if err != nil {
			return nil, fmt.Errorf("channels.push: %w", err)
		}
		if err := reg.Register(ch); err != nil {
			return nil, err
		}
	}

	if wc := cfg.Channels.Webhook; wc != nil && wc.Enabled {
		timeout, err := config.ParseDurationField("channels.webhook.timeout", wc.Timeout)
		if err != nil {
			return nil, err
		}
		ch := channel.NewWebhook(channel.WebhookConfig{
			Timeout:    timeout,
			RatePerSec: wc.RatePerSec,
		}, log)
		if err := reg.Register(ch); err != nil {
			return nil, err
		}
	}

	if cc := cfg.Channels.Chat; cc != nil && cc.Enabled {
		ch, err := channel.NewChat(channel.ChatConfig{
			Token:      cc.Token,
			RatePerSec: cc.RatePerSec,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("channels.chat: %w", err)
		}
		if err := reg.Register(ch); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// validateConfig is the Watch() hook: a reloaded config that fails here
// is rejected without touching the running services.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := historyConfig(cfg); err != nil {
		return err
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.History.Driver)); d {
	case "", "none", "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", d)
	}
	if _, err := taskConfig(cfg); err != nil {
		return err
	}
	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			return fmt.Errorf("task_engine.workers: must be >= 0")
		}
		if te.QueueSize < 0 {
			return fmt.Errorf("task_engine.queue_size: must be >= 0")
		}
	}
	if _, err := reminderConfig(cfg); err != nil {
		return err
	}
	if cfg.Reminders.Enabled {
		switch d := strings.ToLower(strings.TrimSpace(cfg.History.Driver)); d {
		case "", "none":
			// Reminder dedup state lives in history.
			return fmt.Errorf("reminders.enabled requires a history driver")
		}
	}
	if wc := cfg.Channels.Webhook; wc != nil {
		if _, err := config.ParseDurationField("channels.webhook.timeout", wc.Timeout); err != nil {
			return err
		}
	}
	if ec := cfg.Channels.Email; ec != nil && ec.Enabled && strings.TrimSpace(ec.APIKey) == "" {
		return fmt.Errorf("channels.email: api_key is required")
	}
	if sc := cfg.Channels.SMS; sc != nil && sc.Enabled {
		if strings.TrimSpace(sc.AccountSID) == "" || strings.TrimSpace(sc.AuthToken) == "" {
			return fmt.Errorf("channels.sms: account_sid and auth_token are required")
		}
	}
	if cc := cfg.Channels.Chat; cc != nil && cc.Enabled && strings.TrimSpace(cc.Token) == "" {
		return fmt.Errorf("channels.chat: token is required")
	}
	return nil
}
