// Package logx configures ponybot's structured logging.
//
// A small value type (logx.Logger) wraps zerolog so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON
//   - WARN and above can be mirrored to a Telegram chat (min-level + rate limit)
package logx
