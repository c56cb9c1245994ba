// Package storage is the bot's key-value store. Values are JSON encoded and
// may carry an expiry; expired keys read as missing.
//
// Drivers:
//   - "memory": process-local map (default)
//   - "file":   snapshot + append-only journal
//   - "sqlite": single-table SQLite database
package storage
