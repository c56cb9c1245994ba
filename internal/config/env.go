package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	logx "ponybot/pkg/logx"
)

// envOverlay holds the settings that may come from the environment instead of
// the config file. Set values win over the file.
type envOverlay struct {
	TelegramToken string `env:"PONYBOT_TELEGRAM_TOKEN"`
	Debug         *bool  `env:"PONYBOT_DEBUG"`
	StoragePath   string `env:"PONYBOT_STORAGE_PATH"`
}

// environ returns the process environment plus keys from the dotenv file that
// the process does not already define.
func (m *ConfigManager) environ() map[string]string {
	out := map[string]string{}
	if m.environFn != nil {
		for k, v := range m.environFn() {
			out[k] = v
		}
	} else {
		out = env.ToMap(os.Environ())
	}
	if m.envFile == "" {
		return out
	}
	vals, err := godotenv.Read(m.envFile)
	if err != nil {
		if !os.IsNotExist(err) && !m.log.IsZero() {
			m.log.Warn("dotenv read failed", logx.String("path", m.envFile), logx.Err(err))
		}
		return out
	}
	for k, v := range vals {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func (m *ConfigManager) applyEnv(cfg *Config) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Environment: m.environ()}); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	if s := strings.TrimSpace(o.TelegramToken); s != "" {
		cfg.Telegram.Token = s
	}
	if o.Debug != nil {
		cfg.Queues.Debug = *o.Debug
	}
	if s := strings.TrimSpace(o.StoragePath); s != "" {
		cfg.Storage.Path = s
	}
	return nil
}
