package config

import (
	"reflect"
	"sort"
	"strings"

	"notifyd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (api keys, tokens) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Templates
	if strings.TrimSpace(oldCfg.Templates.Dir) != strings.TrimSpace(newCfg.Templates.Dir) {
		changed = append(changed, "templates")
		attrs = append(attrs, logx.String("templates.dir", strings.TrimSpace(newCfg.Templates.Dir)))
	}

	// History
	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", strings.TrimSpace(newCfg.History.Driver)),
			logx.Bool("history.path_set", strings.TrimSpace(newCfg.History.Path) != ""),
			logx.Bool("history.save_content", newCfg.History.SaveContent),
			logx.Bool("history.record_failures", newCfg.History.RecordFailures),
		)
	}

	// Channels (never log credentials)
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.console", newCfg.Channels.Console.On()),
			logx.Bool("channels.email", newCfg.Channels.Email != nil && newCfg.Channels.Email.Enabled),
			logx.Bool("channels.sms", newCfg.Channels.SMS != nil && newCfg.Channels.SMS.Enabled),
			logx.Bool("channels.push", newCfg.Channels.Push != nil && newCfg.Channels.Push.Enabled),
			logx.Bool("channels.webhook", newCfg.Channels.Webhook != nil && newCfg.Channels.Webhook.Enabled),
			logx.Bool("channels.chat", newCfg.Channels.Chat != nil && newCfg.Channels.Chat.Enabled),
		)
	}

	// Reminders
	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.enabled", newCfg.Reminders.Enabled),
			logx.String("reminders.check_period", strings.TrimSpace(newCfg.Reminders.CheckPeriod)),
		)
	}

	// Task engine
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.TaskEngine.On()),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
