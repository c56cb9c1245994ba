package storage

import (
	"fmt"
	"strings"
	"time"

	logx "ponybot/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(time.Now), nil
	case "file":
		return openFile(cfg, log, time.Now)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, time.Now)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
