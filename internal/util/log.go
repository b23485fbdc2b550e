// Package util provides logging, traffic statistics and process identity
// helpers shared by every role.
package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// levels maps the names accepted by SetLevel (config log_level, -log-level).
var levels = map[string]pterm.LogLevel{
	"debug":   pterm.LogLevelDebug,
	"info":    pterm.LogLevelInfo,
	"warn":    pterm.LogLevelWarn,
	"warning": pterm.LogLevelWarn,
	"error":   pterm.LogLevelError,
	"off":     pterm.LogLevelDisabled,
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(name string) (pterm.LogLevel, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q: must be debug, info, warn, error or off", name)
	}
	return level, nil
}

// SetLevel sets the minimum level printed by the Log* functions.
// An empty name leaves the level unchanged.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	pterm.DefaultLogger.Level = level
	return nil
}

// logf skips formatting when level is filtered out.
func logf(level pterm.LogLevel, emit func(string, ...[]pterm.LoggerArgument), format string, args []interface{}) {
	if !pterm.DefaultLogger.CanPrint(level) {
		return
	}
	emit(fmt.Sprintf(format, args...))
}

// Leveled logging functions backed by pterm's default logger (stderr).

func LogDebug(format string, args ...interface{}) {
	logf(pterm.LogLevelDebug, pterm.DefaultLogger.Debug, format, args)
}

func LogInfo(format string, args ...interface{}) {
	logf(pterm.LogLevelInfo, pterm.DefaultLogger.Info, format, args)
}

// LogSuccess is an info line; kept separate so call sites read as outcomes.
func LogSuccess(format string, args ...interface{}) {
	logf(pterm.LogLevelInfo, pterm.DefaultLogger.Info, format, args)
}

func LogWarning(format string, args ...interface{}) {
	logf(pterm.LogLevelWarn, pterm.DefaultLogger.Warn, format, args)
}

func LogError(format string, args ...interface{}) {
	logf(pterm.LogLevelError, pterm.DefaultLogger.Error, format, args)
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Quiet drops everything below error level. Tests use it to keep output short.
func Quiet() {
	pterm.DefaultLogger.Level = pterm.LogLevelError
}
