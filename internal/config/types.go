package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queues   QueuesConfig   `json:"queues"`
	Pony     PonyConfig     `json:"pony"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives WARN+ log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the key-value store.
//
//	"storage": { "driver": "file", "path": "./ponybot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// QueuesConfig controls the two task queues. Debug turns on fail-fast:
// the first task error aborts the drain and stops the bot.
type QueuesConfig struct {
	Debug bool        `json:"debug"`
	Slow  QueueConfig `json:"slow"`
	Fast  QueueConfig `json:"fast"`
}

// QueueConfig durations are Go duration strings. Poll defaults to a quarter
// of the interval.
type QueueConfig struct {
	Interval string `json:"interval"`
	Poll     string `json:"poll,omitempty"`
}

type PonyConfig struct {
	// Timezone applies to team schedules without an explicit CRON_TZ prefix.
	Timezone string `json:"timezone,omitempty"`
	// ReportTimeout is how long members stay locked answering questions.
	ReportTimeout string       `json:"report_timeout,omitempty"`
	Teams         []TeamConfig `json:"teams"`
}

type TeamConfig struct {
	Name     string `json:"name"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Schedule is a cron expression (seconds optional, descriptors allowed).
	Schedule  string   `json:"schedule"`
	Members   []string `json:"members"`
	Questions []string `json:"questions"`
}
