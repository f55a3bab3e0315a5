package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Templates TemplatesConfig `json:"templates"`
	History   HistoryConfig   `json:"history"`
	Channels  ChannelsConfig  `json:"channels"`
	Reminders RemindersConfig `json:"reminders"`

	// TaskEngine controls the async dispatch boundary. If omitted the
	// engine runs with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TemplatesConfig points at the template root. Lookups resolve
// template names as paths below Dir.
type TemplatesConfig struct {
	Dir string `json:"dir"`
}

// HistoryConfig controls the delivery record store.
//
// Driver is one of "sqlite", "memory", or "none" (empty also means
// none). BusyTimeout is a Go duration string and only applies to the
// sqlite driver.
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// SaveContent persists rendered parts alongside each record.
	SaveContent bool `json:"save_content"`
	// RecordFailures writes audit records for failed sends.
	RecordFailures bool `json:"record_failures"`
}

// ChannelsConfig enables and configures delivery channels. A nil
// section means the channel is not registered; console is always on
// unless explicitly disabled.
type ChannelsConfig struct {
	Console ConsoleChannelConfig  `json:"console"`
	Email   *EmailChannelConfig   `json:"email,omitempty"`
	SMS     *SMSChannelConfig     `json:"sms,omitempty"`
	Push    *PushChannelConfig    `json:"push,omitempty"`
	Webhook *WebhookChannelConfig `json:"webhook,omitempty"`
	Chat    *ChatChannelConfig    `json:"chat,omitempty"`
}

// ConsoleChannelConfig: Enabled is a pointer so "omitted" (default
// true) can be told apart from an explicit false.
type ConsoleChannelConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

func (c ConsoleChannelConfig) On() bool { return c.Enabled == nil || *c.Enabled }

type EmailChannelConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
}

type SMSChannelConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	FromNumber string `json:"from_number"`
}

type PushChannelConfig struct {
	Enabled bool   `json:"enabled"`
	Region  string `json:"region"`
}

type WebhookChannelConfig struct {
	Enabled bool `json:"enabled"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type ChatChannelConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// RemindersConfig controls the periodic reminder scan.
type RemindersConfig struct {
	Enabled bool `json:"enabled"`
	// CheckPeriod is a Go duration string (e.g. "1m").
	CheckPeriod string `json:"check_period,omitempty"`
}

// TaskEngineConfig controls the async execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Enabled is a pointer so "omitted" (default true) is distinguishable
// from an explicit false.
type TaskEngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a single task run. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

func (c *TaskEngineConfig) On() bool {
	if c == nil || c.Enabled == nil {
		return true
	}
	return *c.Enabled
}
