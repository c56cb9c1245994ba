package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSlowInterval  = 2 * time.Minute
	DefaultFastInterval  = 750 * time.Millisecond
	DefaultReportTimeout = 4 * time.Hour
)

var DefaultQuestions = []string{
	"What did you do yesterday?",
	"What are you going to do today?",
	"Anything blocking you?",
}

// QueueTiming is a resolved QueueConfig.
type QueueTiming struct {
	Interval time.Duration
	Poll     time.Duration // 0 means derive from Interval
}

func (q QueueConfig) Resolve(path string, def time.Duration) (QueueTiming, error) {
	iv, err := ParseDurationOrDefault(path+".interval", q.Interval, def)
	if err != nil {
		return QueueTiming{}, err
	}
	poll, err := ParseDurationField(path+".poll", q.Poll)
	if err != nil {
		return QueueTiming{}, err
	}
	return QueueTiming{Interval: iv, Poll: poll}, nil
}

func (p PonyConfig) ReportTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("pony.report_timeout", p.ReportTimeout, DefaultReportTimeout)
	if err != nil {
		return DefaultReportTimeout
	}
	return d
}

func (p PonyConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func (t TeamConfig) QuestionsOrDefault() []string {
	if len(t.Questions) == 0 {
		return DefaultQuestions
	}
	return t.Questions
}

// Validate checks structure and durations. Schedules are checked by the bot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Queues.Slow.Resolve("queues.slow", DefaultSlowInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Queues.Fast.Resolve("queues.fast", DefaultFastInterval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("pony.report_timeout", c.Pony.ReportTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Pony.Location(); err != nil {
		errs = append(errs, fmt.Errorf("pony.timezone: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	seen := map[string]bool{}
	for i, t := range c.Pony.Teams {
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("pony.teams[%d].name is required", i))
		case seen[strings.ToLower(name)]:
			errs = append(errs, fmt.Errorf("pony.teams[%d]: duplicate team %q", i, name))
		}
		seen[strings.ToLower(name)] = true
		if t.ChatID == 0 {
			errs = append(errs, fmt.Errorf("pony.teams[%d].chat_id is required", i))
		}
		if len(t.Members) == 0 {
			errs = append(errs, fmt.Errorf("pony.teams[%d].members is empty", i))
		}
	}
	return errors.Join(errs...)
}

// ParseDurationField parses an optional non-negative Go duration string.
// Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
