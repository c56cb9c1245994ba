package config

import (
	"reflect"
	"strings"

	logx "ponybot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe fields for a
// reload log line. The bot token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Bool("queues.debug", newCfg.Queues.Debug),
			logx.String("queues.slow.interval", newCfg.Queues.Slow.Interval),
			logx.String("queues.fast.interval", newCfg.Queues.Fast.Interval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pony, newCfg.Pony) {
		changed = append(changed, "pony")
		names := make([]string, 0, len(newCfg.Pony.Teams))
		for _, t := range newCfg.Pony.Teams {
			names = append(names, t.Name)
		}
		attrs = append(attrs,
			logx.String("pony.timezone", newCfg.Pony.Timezone),
			logx.String("pony.teams", strings.Join(names, ",")),
		)
	}

	return changed, attrs
}

// RequiresRestart reports changes that only take effect after a restart:
// token, storage and queue timing.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		out = append(out, "queues")
	}
	return out
}
